// Package intiface keeps the local device registry in step with an
// Intiface (Buttplug) server.
//
// A [Controller] translates server events into registry actions: a device
// appearing becomes AddDevice (controllable, every channel at zero), a
// device leaving becomes RemoveDevice and a lost connection becomes
// ClearDevices. In the other direction, every registry change pushes the
// registry's vibration speeds to each device the server still reports.
//
// Device failures are never fatal: a device can leave between a registry
// change and the command that follows it, so a failed Vibrate is logged and
// treated as the device being gone.
package intiface
