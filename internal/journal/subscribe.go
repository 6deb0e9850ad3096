package journal

// DefaultSubscriptionBuffer is the per-subscriber queue capacity.
const DefaultSubscriptionBuffer = 64

// Subscription is a bounded one-producer queue of journal entries. When the
// queue is full the oldest entry is dropped so the writer never blocks.
type Subscription struct {
	id      int
	ch      chan Entry
	journal *Journal
	closed  bool
}

// C returns the receive channel.
func (s *Subscription) C() <-chan Entry {
	return s.ch
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.journal.mu.Lock()
	defer s.journal.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.journal.subscribers, s.id)
	close(s.ch)
}

// push runs with the journal lock held, so it never races with Close.
func (s *Subscription) push(entry Entry) {
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- entry:
			return
		default:
		}
		// Queue full: evict the oldest entry and retry.
		select {
		case <-s.ch:
		default:
		}
	}
}

// Subscribe registers a new subscriber with the default buffer size.
func (j *Journal) Subscribe() *Subscription {
	return j.SubscribeBuffered(DefaultSubscriptionBuffer)
}

// SubscribeBuffered registers a subscriber with an explicit queue capacity.
func (j *Journal) SubscribeBuffered(capacity int) *Subscription {
	if capacity <= 0 {
		capacity = 1
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	sub := &Subscription{
		id:      j.nextSubID,
		ch:      make(chan Entry, capacity),
		journal: j,
	}
	j.nextSubID++
	j.subscribers[sub.id] = sub
	return sub
}
