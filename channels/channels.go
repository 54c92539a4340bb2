// Package channels provides small channel utilities shared by the bus and the engine.
package channels

// CloseChannelIgnorePanic closes a channel like normal.
// However, if the channel has already been closed,
// it will suppress the resulting panic.
func CloseChannelIgnorePanic[T any](ch chan<- T) {
	if ch == nil {
		return
	}

	defer func() {
		// Recover from panic if the channel is already closed
		_ = recover()
	}()

	close(ch)
}

// Signal performs a non-blocking send of an empty struct. It is meant for
// capacity-1 notification channels: when a notification is already pending
// the new one is coalesced into it.
func Signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
