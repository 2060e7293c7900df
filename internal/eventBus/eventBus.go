package eventBus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"mesh-emulator/internal/logging"
	"mesh-emulator/internal/metrics"
)

type State int32

const (
	Uninitialized State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "uninitialized"
	}
}

var (
	ErrAlreadyStarted = errors.New("publisher already started")
	ErrStopped        = errors.New("publisher stopped")
)

type Options struct {
	QueueSize   int
	SendTimeout time.Duration
	Log         logging.Logger
	Metrics     *metrics.Collector
	Now         func() time.Time
}

// Publisher fans events out to observer sessions. Broadcast never blocks
// the caller: events go through a bounded queue drained by one dispatch
// goroutine, and a session whose send fails is dropped.
type Publisher struct {
	opts  Options
	log   logging.Logger
	coll  *metrics.Collector
	queue chan Event
	state atomic.Int32

	mu       sync.RWMutex
	sessions map[string]Session

	cancel context.CancelFunc
	done   chan struct{}
}

func NewPublisher(opts Options) *Publisher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 2 * time.Second
	}
	if opts.Log == nil {
		opts.Log = logging.Noop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Publisher{
		opts:     opts,
		log:      opts.Log.With(logging.String("component", "publisher")),
		coll:     opts.Metrics,
		queue:    make(chan Event, opts.QueueSize),
		sessions: make(map[string]Session),
		done:     make(chan struct{}),
	}
}

func (p *Publisher) State() State { return State(p.state.Load()) }

// Start launches the dispatch goroutine. It can be called once.
func (p *Publisher) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(Uninitialized), int32(Running)) {
		return ErrAlreadyStarted
	}
	ctx, p.cancel = context.WithCancel(ctx)
	go p.dispatch(ctx)
	return nil
}

// Stop halts dispatch and closes every session. Queued events are
// discarded.
func (p *Publisher) Stop() {
	if !p.state.CompareAndSwap(int32(Running), int32(Stopped)) {
		p.state.CompareAndSwap(int32(Uninitialized), int32(Stopped))
		return
	}
	p.cancel()
	<-p.done

	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]Session)
	p.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
	p.coll.SetSessions(0)
}

func (p *Publisher) Add(s Session) error {
	if p.State() == Stopped {
		return ErrStopped
	}
	p.mu.Lock()
	p.sessions[s.ID()] = s
	n := len(p.sessions)
	p.mu.Unlock()
	p.coll.SetSessions(n)
	p.log.Debug(context.Background(), "session added", logging.String("session_id", s.ID()), logging.Int("sessions", n))
	return nil
}

// Remove closes and forgets session id. It reports whether the session was
// known.
func (p *Publisher) Remove(id string) bool {
	p.mu.Lock()
	s, ok := p.sessions[id]
	delete(p.sessions, id)
	n := len(p.sessions)
	p.mu.Unlock()
	if !ok {
		return false
	}
	s.Close()
	p.coll.SetSessions(n)
	return true
}

func (p *Publisher) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// Broadcast queues an event for every session. It returns false when the
// event was not queued: the publisher is not running, nobody is listening
// or the queue is full.
func (p *Publisher) Broadcast(t EventType, data any) bool {
	if p.State() != Running || p.Len() == 0 {
		return false
	}
	select {
	case p.queue <- NewEvent(t, data, p.opts.Now()):
		return true
	default:
		p.coll.AddEventDropped()
		p.log.Warn(context.Background(), "dropping event: dispatch queue is full", logging.String("type", string(t)))
		return false
	}
}

func (p *Publisher) dispatch(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			p.fanOut(ctx, ev)
		}
	}
}

func (p *Publisher) fanOut(ctx context.Context, ev Event) {
	p.mu.RLock()
	targets := make([]Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		targets = append(targets, s)
	}
	p.mu.RUnlock()

	var (
		failedMu sync.Mutex
		failed   []string
	)
	var g errgroup.Group
	for _, s := range targets {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, p.opts.SendTimeout)
			defer cancel()
			if err := s.Send(sctx, ev); err != nil {
				p.log.Info(ctx, "pruning observer session", logging.String("session_id", s.ID()), logging.Err(err))
				failedMu.Lock()
				failed = append(failed, s.ID())
				failedMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	for _, id := range failed {
		if p.Remove(id) {
			p.coll.AddSessionPruned()
		}
	}
}
