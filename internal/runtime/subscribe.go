package runtime

import "kolibri/internal/journal"

// SubscribeChain streams every journal entry as it is appended. The caller
// must Close the subscription when done.
func (r *Runtime) SubscribeChain() *journal.Subscription {
	return r.journal.Subscribe()
}

// SessionSubscription delivers the journal entries of one session, from its
// session_started entry through its session_finished entry inclusive. The
// channel closes when the session finishes or Close is called.
type SessionSubscription struct {
	ch   chan journal.Entry
	done chan struct{}
}

// C returns the receive channel.
func (s *SessionSubscription) C() <-chan journal.Entry {
	return s.ch
}

// Close detaches the subscription before the session finishes.
func (s *SessionSubscription) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// SubscribeSession filters the journal stream down to one session id. Entries
// appended before the session starts are discarded.
func (r *Runtime) SubscribeSession(id string) *SessionSubscription {
	inner := r.journal.Subscribe()
	sub := &SessionSubscription{
		ch:   make(chan journal.Entry, journal.DefaultSubscriptionBuffer),
		done: make(chan struct{}),
	}
	go func() {
		defer close(sub.ch)
		defer inner.Close()
		active := false
		for {
			select {
			case <-sub.done:
				return
			case entry, ok := <-inner.C():
				if !ok {
					return
				}
				switch entry.Event {
				case "session_started":
					if entry.Payload["session_id"] == id {
						active = true
					}
				case "session_finished":
					if active && entry.Payload["session_id"] == id {
						sub.forward(entry)
						return
					}
				}
				if active {
					sub.forward(entry)
				}
			}
		}
	}()
	return sub
}

// forward drops the oldest buffered entry when the consumer lags, matching
// the journal's non-blocking delivery contract.
func (s *SessionSubscription) forward(entry journal.Entry) {
	for {
		select {
		case s.ch <- entry:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}
