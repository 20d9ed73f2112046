package collab

import "sync"

// roomActor serializes all mutations for one room through a single consumer
// goroutine. Different rooms interleave freely; within a room each submitted
// task runs to completion before the next starts.
//
// Retirement is decided by the consumer itself, under the same mutex that
// admits tasks: once the backlog is empty and the room has no members left,
// the actor marks itself retired and leaves the room map in one step. Any
// submitter that loses that race is refused and retries against a fresh
// actor, so a replacement never runs a task while its predecessor still has
// one in flight.
type roomActor struct {
	svc     *Service
	graphID string

	mu      sync.Mutex
	backlog []func()
	retired bool
	wake    chan struct{}
}

// newRoomActor does not start the consumer loop: LoadOrStore may discard
// the candidate, and a discarded actor must not leave a goroutine behind.
func newRoomActor(svc *Service, graphID string) *roomActor {
	return &roomActor{
		svc:     svc,
		graphID: graphID,
		wake:    make(chan struct{}, 1),
	}
}

// submit queues fn unless the actor has already retired.
func (a *roomActor) submit(fn func()) bool {
	a.mu.Lock()
	if a.retired {
		a.mu.Unlock()
		return false
	}
	a.backlog = append(a.backlog, fn)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return true
}

func (a *roomActor) loop() {
	for {
		<-a.wake
		if a.drain() {
			return
		}
	}
}

// drain runs queued tasks until the backlog is empty, then retires the
// actor if its room has emptied too. Reports whether it retired.
func (a *roomActor) drain() bool {
	for {
		a.mu.Lock()
		if len(a.backlog) == 0 {
			if a.svc.reg.CountForGraph(a.graphID) == 0 {
				a.retired = true
				a.svc.rooms.CompareAndDelete(a.graphID, a)
				a.mu.Unlock()
				return true
			}
			a.mu.Unlock()
			return false
		}
		fn := a.backlog[0]
		a.backlog = a.backlog[1:]
		a.mu.Unlock()

		fn()
	}
}

// run executes fn on the room's actor and waits for it. It must never be
// called from inside an actor task: that deadlocks the room. Internal
// methods invoked by actor tasks stay lowercase and lock-free for this
// reason.
func (s *Service) run(graphID string, fn func() error) error {
	for {
		v, loaded := s.rooms.LoadOrStore(graphID, newRoomActor(s, graphID))
		a := v.(*roomActor)
		if !loaded {
			go a.loop()
		}

		errc := make(chan error, 1)
		if !a.submit(func() { errc <- fn() }) {
			// Raced with retirement; the retiring actor already left the
			// map, so the next iteration gets a fresh one.
			continue
		}
		return <-errc
	}
}
