package broker

import "sync"

type membershipChange struct {
	room   string
	id     ConnID
	joined bool
}

// notifier hands membership changes to the observer on a single goroutine,
// in the order the broker applied them. push never blocks on the observer.
type notifier struct {
	observer Observer

	mu      sync.Mutex
	pending []membershipChange
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newNotifier(o Observer) *notifier {
	n := &notifier{
		observer: o,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go n.run()
	return n
}

// push queues changes. Callers hold the broker lock so queue order matches
// the order changes were applied in.
func (n *notifier) push(changes ...membershipChange) {
	if n == nil || len(changes) == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.pending = append(n.pending, changes...)
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for range n.wake {
		for {
			n.mu.Lock()
			batch := n.pending
			n.pending = nil
			n.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, ch := range batch {
				if ch.joined {
					n.observer.MemberJoined(ch.room, ch.id)
				} else {
					n.observer.MemberLeft(ch.room, ch.id)
				}
			}
		}
	}
}

// close delivers what is queued, then stops the goroutine.
func (n *notifier) close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.wake)
	}
	n.mu.Unlock()
	<-n.done
}
