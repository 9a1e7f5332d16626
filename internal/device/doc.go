// Package device holds the per-peer device inventory and the closed set of
// actions that mutate it.
//
// A [Registry] owns one index → [Info] mapping. Every mutation is expressed as
// an [Action] value and applied by the registry's single owner goroutine through
// [Reduce], so there is never more than one writer. Snapshots handed out by
// [Registry.Snapshot] and [Registry.Watch] are immutable: each reduction copies
// the entries it changes.
//
// # Actions
//
//   - [AddDevice]: insert or overwrite an entry
//   - [RemoveDevice]: delete an entry, no-op when absent
//   - [ClearDevices]: empty the registry (actuator disconnect, session reset)
//   - [SetControllable]: toggle exposure to the remote peer, no-op when absent
//   - [SetVibration]: set one channel's speed, exactly as given
//   - [StopAll]: every channel of every device to zero
//
// [SetVibration] and [StopAll] are also [PublicAction]s: the only actions a
// remote peer may send. [SetControllable] deliberately is not, so a remote peer
// can never change which of the local devices it is allowed to drive.
//
// # Usage
//
//	registry := device.NewRegistry("local")
//	defer registry.Close()
//
//	watcher := registry.Watch()
//	defer watcher.Close()
//
//	_ = registry.Dispatch(ctx, device.AddDevice{Index: 0, Info: info})
//	devices := <-watcher.C()
package device
