package realtime

// outbox is a bounded FIFO of envelopes emitted while not connected.
// Callers hold Manager.mu.
type outbox struct {
	items []Envelope
	limit int
}

func newOutbox(limit int) *outbox {
	return &outbox{limit: limit}
}

func (o *outbox) push(env Envelope) bool {
	if len(o.items) >= o.limit {
		return false
	}
	o.items = append(o.items, env)
	return true
}

// pushFront re-queues an envelope whose write failed, ahead of later emits.
func (o *outbox) pushFront(env Envelope) bool {
	if len(o.items) >= o.limit {
		return false
	}
	o.items = append([]Envelope{env}, o.items...)
	return true
}

func (o *outbox) drain() []Envelope {
	items := o.items
	o.items = nil
	return items
}

func (o *outbox) len() int { return len(o.items) }

func (o *outbox) reset() { o.items = nil }
