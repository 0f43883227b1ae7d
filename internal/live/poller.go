// Package live keeps the dashboard's current snapshot collection in sync
// with the feed service.
//
// Scheduling is completion-chained: the next fetch is armed one interval
// after the previous fetch returns, so a slow response delays the cadence
// instead of overlapping with the next request. Only the poll goroutine
// writes the state; Stop fences it so late results are dropped.
package live

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"crowdwatch/internal/models"
	"crowdwatch/internal/observability"
)

const DefaultInterval = 10 * time.Second

type Phase string

const (
	PhaseUnstarted Phase = "unstarted"
	PhasePolling   Phase = "polling"
	PhaseStopped   Phase = "stopped"
)

var ErrAlreadyStarted = errors.New("poller already started")

type Fetcher interface {
	FetchSnapshots(ctx context.Context) (models.SnapshotCollection, error)
}

// State is what presentation reads. Snapshots is shared and must be treated
// as read-only; Loaded distinguishes "not fetched yet" from an empty feed.
type State struct {
	Phase       Phase
	Snapshots   models.SnapshotCollection
	Loaded      bool
	Err         error
	LastRefresh time.Time
}

type Poller struct {
	fetch    Fetcher
	interval time.Duration
	log      *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	// notifyMu orders state changes with their delivery to subscribers.
	notifyMu sync.Mutex
	mu       sync.Mutex
	state    State
	cancel   context.CancelFunc
	done     chan struct{}
	subs     map[int]func(State)
	nextSub  int
}

func NewPoller(f Fetcher, interval time.Duration, logger *slog.Logger, m *observability.Metrics) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		fetch:    f,
		interval: interval,
		log:      logger,
		metrics:  m,
		now:      time.Now,
		state:    State{Phase: PhaseUnstarted},
		done:     make(chan struct{}),
		subs:     map[int]func(State){},
	}
}

// Start fetches immediately and then keeps polling until Stop is called or
// ctx is cancelled.
func (p *Poller) Start(ctx context.Context) error {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	if p.state.Phase != PhaseUnstarted {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.state.Phase = PhasePolling
	st, subs := p.snapshotLocked()
	p.mu.Unlock()

	p.log.Info("polling started", "interval", p.interval)
	deliver(subs, st)
	go p.run(runCtx)
	return nil
}

// Stop cancels the pending fetch and every future one. A fetch already in
// flight may still return, but its result is discarded. Stop does not wait
// for the poll goroutine; use Done for that.
func (p *Poller) Stop() {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	switch p.state.Phase {
	case PhaseStopped:
		p.mu.Unlock()
		return
	case PhaseUnstarted:
		close(p.done)
	}
	p.state.Phase = PhaseStopped
	if p.cancel != nil {
		p.cancel()
	}
	st, subs := p.snapshotLocked()
	p.mu.Unlock()

	p.log.Info("polling stopped")
	deliver(subs, st)
}

// Done is closed once the poll goroutine has exited.
func (p *Poller) Done() <-chan struct{} { return p.done }

func (p *Poller) Interval() time.Duration { return p.interval }

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Subscribe registers fn to be called synchronously after every accepted
// state change. fn must not call Start or Stop.
func (p *Poller) Subscribe(fn func(State)) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	defer p.Stop()

	for {
		p.poll(ctx)

		t := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	start := p.now()
	items, err := p.fetch.FetchSnapshots(ctx)
	elapsed := p.now().Sub(start)

	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	if p.state.Phase != PhasePolling || ctx.Err() != nil {
		p.mu.Unlock()
		p.metrics.ObservePoll("discarded", elapsed)
		p.log.Debug("discarding snapshot fetched after stop", "err", err)
		return
	}
	if err != nil {
		p.state.Err = err
	} else {
		if items == nil {
			items = models.SnapshotCollection{}
		}
		p.state.Snapshots = items
		p.state.Loaded = true
		p.state.Err = nil
		p.state.LastRefresh = p.now()
	}
	st, subs := p.snapshotLocked()
	p.mu.Unlock()

	if err != nil {
		p.metrics.ObservePoll("error", elapsed)
		p.log.Warn("fetch snapshots", "err", err)
	} else {
		p.metrics.ObservePoll("ok", elapsed)
		p.log.Debug("snapshots refreshed", "buildings", len(items), "duration_ms", elapsed.Milliseconds())
	}
	deliver(subs, st)
}

func (p *Poller) snapshotLocked() (State, []func(State)) {
	subs := make([]func(State), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	return p.state, subs
}

func deliver(subs []func(State), st State) {
	for _, fn := range subs {
		fn(st)
	}
}
