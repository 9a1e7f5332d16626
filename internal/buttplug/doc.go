// Package buttplug is a small client for the Buttplug protocol (message
// version 3) spoken by Intiface Central over a WebSocket.
//
// Only the messages rtc2 needs are implemented: the handshake, scanning,
// the device list, ScalarCmd for vibration, StopAllDevices and Ping.
// Server events arrive on [Client.Events].
//
// Every Buttplug message is a JSON array of single-key objects. Requests
// carry a non-zero Id that the server echoes in its reply; events use Id 0.
package buttplug
