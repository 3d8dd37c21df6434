package bulk

import "github.com/google/uuid"

// Subscription tracks a run started with Controller.Start.
type Subscription struct {
	ID string

	ctrl    *Controller
	updates chan Progress
	done    chan struct{}
	result  *Result
}

func newSubscription(c *Controller) *Subscription {
	return &Subscription{
		ID:      uuid.NewString(),
		ctrl:    c,
		updates: make(chan Progress, 1),
		done:    make(chan struct{}),
	}
}

// Updates delivers progress snapshots. Only the latest undelivered snapshot
// is kept, so a slow reader never holds up the run. The channel is closed
// when the run ends.
func (s *Subscription) Updates() <-chan Progress {
	return s.updates
}

// Done is closed when the run ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the run ends and returns its result.
func (s *Subscription) Wait() *Result {
	<-s.done
	return s.result
}

// Stop requests the run to pause at the next boundary.
func (s *Subscription) Stop() {
	select {
	case <-s.done:
	default:
		s.ctrl.Stop()
	}
}

// push replaces any undelivered snapshot with p. Only the run goroutine sends.
func (s *Subscription) push(p Progress) {
	for {
		select {
		case s.updates <- p:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}
