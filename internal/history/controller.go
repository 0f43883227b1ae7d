// Package history drives the drill-down view for one selected building.
//
// Every selection or window change bumps a generation counter and starts a
// new fetch tagged with it. A fetch whose tag no longer matches when it
// completes is dropped, so a slow response for an old selection can never
// overwrite the current one. Superseded requests are also cancelled, but
// correctness only relies on the tag.
package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"crowdwatch/internal/models"
	"crowdwatch/internal/observability"
)

type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseLoading Phase = "loading"
	PhaseLoaded  Phase = "loaded"
	PhaseErrored Phase = "errored"
)

var ErrNoSession = errors.New("no history session open")

type Fetcher interface {
	FetchHistory(ctx context.Context, entityID string, w models.Window) ([]models.HistoryPoint, error)
}

type State struct {
	Phase     Phase
	SessionID string
	Selection *models.HistorySelection
	Points    []models.HistoryPoint
	Err       error
}

// Open reports whether a session is active.
func (s State) Open() bool { return s.Selection != nil }

type Controller struct {
	fetch   Fetcher
	log     *slog.Logger
	metrics *observability.Metrics
	base    context.Context

	notifyMu sync.Mutex
	mu       sync.Mutex
	gen      uint64
	state    State
	cancel   context.CancelFunc
	subs     map[int]func(State)
	nextSub  int
	wg       sync.WaitGroup
}

// NewController binds fetches to ctx; cancelling it aborts in-flight requests.
func NewController(ctx context.Context, f Fetcher, logger *slog.Logger, m *observability.Metrics) *Controller {
	return &Controller{
		fetch:   f,
		log:     logger,
		metrics: m,
		base:    ctx,
		state:   State{Phase: PhaseIdle},
		subs:    map[int]func(State){},
	}
}

// Select opens a session for a building, replacing any open session. The
// window carries over from the previous session, or the default when idle.
func (c *Controller) Select(entityID, name string) {
	c.mu.Lock()
	w := models.DefaultWin
	if c.state.Selection != nil {
		w = c.state.Selection.Window
	}
	c.mu.Unlock()
	c.SelectWindowed(entityID, name, w)
}

// SelectWindowed opens a session with an explicit window.
func (c *Controller) SelectWindowed(entityID, name string, w models.Window) {
	if !w.Valid() {
		w = models.DefaultWin
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	sel := models.HistorySelection{EntityID: entityID, Name: name, Window: w}
	if c.state.Selection != nil && *c.state.Selection == sel {
		c.mu.Unlock()
		return
	}
	c.state = State{SessionID: uuid.NewString(), Selection: &sel}
	c.log.Info("history session opened", "session", c.state.SessionID, "building", entityID, "window", w.Minutes())
	st, subs := c.beginLoadLocked()
	c.mu.Unlock()
	deliver(subs, st)
}

// SetWindow changes the window of the open session and reloads.
func (c *Controller) SetWindow(w models.Window) error {
	if !w.Valid() {
		_, err := models.ParseWindow(w.Minutes())
		return err
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.state.Selection == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	if c.state.Selection.Window == w {
		c.mu.Unlock()
		return nil
	}
	sel := *c.state.Selection
	sel.Window = w
	c.state.Selection = &sel
	st, subs := c.beginLoadLocked()
	c.mu.Unlock()
	deliver(subs, st)
	return nil
}

// Reload refetches the current selection.
func (c *Controller) Reload() error {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.state.Selection == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	st, subs := c.beginLoadLocked()
	c.mu.Unlock()
	deliver(subs, st)
	return nil
}

// Close ends the session. Responses still in flight are discarded.
func (c *Controller) Close() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.state.Selection == nil {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.log.Info("history session closed", "session", c.state.SessionID)
	c.state = State{Phase: PhaseIdle}
	st, subs := c.snapshotLocked()
	c.mu.Unlock()
	deliver(subs, st)
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn to be called synchronously after every accepted
// state change. fn must not call back into the controller's mutators.
func (c *Controller) Subscribe(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Wait blocks until every fetch started so far has returned.
func (c *Controller) Wait() { c.wg.Wait() }

func (c *Controller) beginLoadLocked() (State, []func(State)) {
	c.gen++
	gen := c.gen
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(c.base)
	c.cancel = cancel

	sel := *c.state.Selection
	c.state.Phase = PhaseLoading
	c.state.Err = nil
	c.state.Points = nil

	c.wg.Add(1)
	go c.load(ctx, gen, sel)
	return c.snapshotLocked()
}

func (c *Controller) load(ctx context.Context, gen uint64, sel models.HistorySelection) {
	defer c.wg.Done()
	points, err := c.fetch.FetchHistory(ctx, sel.EntityID, sel.Window)

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		c.metrics.ObserveHistory("stale")
		c.log.Debug("dropping stale history response", "building", sel.EntityID, "window", sel.Window.Minutes())
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if err != nil {
		c.state.Phase = PhaseErrored
		c.state.Err = err
		c.state.Points = nil
	} else {
		if points == nil {
			points = []models.HistoryPoint{}
		}
		c.state.Phase = PhaseLoaded
		c.state.Points = points
	}
	st, subs := c.snapshotLocked()
	c.mu.Unlock()

	if err != nil {
		c.metrics.ObserveHistory("error")
		c.log.Warn("fetch history", "session", st.SessionID, "building", sel.EntityID, "err", err)
	} else {
		c.metrics.ObserveHistory("ok")
	}
	deliver(subs, st)
}

func (c *Controller) snapshotLocked() (State, []func(State)) {
	subs := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	st := c.state
	if st.Selection != nil {
		sel := *st.Selection
		st.Selection = &sel
	}
	return st, subs
}

func deliver(subs []func(State), st State) {
	for _, fn := range subs {
		fn(st)
	}
}
