// Package tui implements the terminal dashboard for an rtc2 peer.
//
// The dashboard is a single Bubble Tea screen. It shows the Intiface
// connection, the session with the relay and the remote peer, and two device
// lists:
//   - Local devices: the devices attached to this machine. Space toggles
//     whether a device is shared with the remote peer.
//   - Remote devices: one row per vibrate channel the remote peer shares.
//     Left and right step the speed by one step of the actuator.
//
// The model listens to the session manager, the Intiface controller and the
// local registry through tea.Cmds that block on their change channels, and
// re-arms each listener after it fires. Actions run as commands with a
// timeout and report back through actionDoneMsg.
//
// Layout follows RenderApplicationContainer: header with name and version,
// content, then bubbles/help pinned to the bottom.
package tui
