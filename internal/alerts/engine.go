// Package alerts turns per-building occupancy classifications into
// notifications when a building crosses its threshold and when it recovers.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crowdwatch/internal/kpi"
	"crowdwatch/internal/live"
	"crowdwatch/internal/models"
	"crowdwatch/internal/observability"
)

const (
	StateOK       = "OK"
	StateFiring   = "FIRING"
	StateCooldown = "COOLDOWN"
)

type Sender interface {
	Enabled() bool
	Send(ctx context.Context, msg string) error
}

type buildingState struct {
	state     string
	since     time.Time
	lastFired time.Time
}

// Engine tracks one state per building:
//
//	OK -> FIRING      count rises above threshold, message sent
//	OK -> COOLDOWN    same, but the last message is younger than the cooldown
//	COOLDOWN -> FIRING still above threshold once the cooldown has elapsed
//	FIRING -> OK      recovery message sent
//	COOLDOWN -> OK    silent
//
// Buildings with an unknown ratio keep their state.
type Engine struct {
	notify     Sender
	log        *slog.Logger
	metrics    *observability.Metrics
	cooldown   time.Duration
	now        func() time.Time
	retryDelay time.Duration

	mu     sync.Mutex
	states map[string]*buildingState
	latest chan models.SnapshotCollection
}

func NewEngine(notify Sender, cooldown time.Duration, logger *slog.Logger, m *observability.Metrics) *Engine {
	return &Engine{
		notify:     notify,
		log:        logger,
		metrics:    m,
		cooldown:   cooldown,
		now:        time.Now,
		retryDelay: 300 * time.Millisecond,
		states:     map[string]*buildingState{},
		latest:     make(chan models.SnapshotCollection, 1),
	}
}

// Observe is a live.Poller subscriber. It never blocks; if the engine is
// still busy only the newest snapshot set is kept.
func (e *Engine) Observe(st live.State) {
	if !st.Loaded || st.Err != nil {
		return
	}
	for {
		select {
		case e.latest <- st.Snapshots:
			return
		default:
		}
		select {
		case <-e.latest:
		default:
		}
	}
}

// Run evaluates observed snapshots until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snaps := <-e.latest:
			e.Evaluate(ctx, snaps)
		}
	}
}

// Evaluate applies one snapshot set and sends any resulting notifications.
func (e *Engine) Evaluate(ctx context.Context, snaps models.SnapshotCollection) {
	now := e.now().UTC()
	var msgs []string

	e.mu.Lock()
	inAlert := 0
	for _, s := range snaps {
		r := kpi.Classify(s.Count, s.Threshold)
		if r.Alert {
			inAlert++
		}
		if r.Ratio == nil {
			continue
		}
		if msg := e.step(s, r, now); msg != "" {
			msgs = append(msgs, msg)
		}
	}
	e.mu.Unlock()

	e.metrics.SetBuildingsInAlert(inAlert)
	for _, msg := range msgs {
		e.sendNotification(ctx, msg)
	}
}

func (e *Engine) step(s models.OccupancySnapshot, r models.AlertRatio, now time.Time) string {
	bs, ok := e.states[s.ID]
	if !ok {
		bs = &buildingState{state: StateOK, since: now}
		e.states[s.ID] = bs
	}
	label := s.Name
	if label == "" {
		label = s.ID
	}

	if r.Alert {
		switch bs.state {
		case StateOK, StateCooldown:
			if !bs.lastFired.IsZero() && now.Sub(bs.lastFired) < e.cooldown {
				if bs.state == StateOK {
					bs.state, bs.since = StateCooldown, now
				}
				return ""
			}
			bs.state, bs.since, bs.lastFired = StateFiring, now, now
			return fmt.Sprintf("ALERT %s: %d people, threshold %s (%d%%)", label, *s.Count, formatThreshold(*s.Threshold), *r.Percent)
		}
		return ""
	}

	prev := bs.state
	if prev == StateOK {
		return ""
	}
	bs.state, bs.since = StateOK, now
	if prev == StateFiring {
		return fmt.Sprintf("RECOVERY %s: %d people, threshold %s", label, *s.Count, formatThreshold(*s.Threshold))
	}
	return ""
}

// State reports a building's alert state, StateOK when never seen.
func (e *Engine) State(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if bs, ok := e.states[id]; ok {
		return bs.state
	}
	return StateOK
}

func (e *Engine) sendNotification(ctx context.Context, msg string) {
	if e.notify == nil || !e.notify.Enabled() {
		e.log.Info("alert", "message", msg)
		return
	}
	var err error
	for attempts := 1; attempts <= 3; attempts++ {
		err = e.notify.Send(ctx, msg)
		if err == nil {
			return
		}
		select {
		case <-ctx.Done():
			e.log.Warn("notify aborted", "err", ctx.Err())
			return
		case <-time.After(time.Duration(attempts) * e.retryDelay):
		}
	}
	e.log.Warn("notify failed", "err", err)
}

func formatThreshold(v float64) string {
	return fmt.Sprintf("%g", v)
}
