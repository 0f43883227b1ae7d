package retention

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakePruner struct {
	cutoff time.Time
	err    error
}

func (f *fakePruner) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 3, f.err
}

func TestRunUsesRetentionWindow(t *testing.T) {
	p := &fakePruner{}
	s := NewService(p, 7, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC) }
	s.Run(context.Background())
	assert.Equal(t, time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC), p.cutoff)
}

func TestRunDefaultsAndSurvivesErrors(t *testing.T) {
	p := &fakePruner{err: errors.New("locked")}
	s := NewService(p, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC) }
	s.Run(context.Background())
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), p.cutoff)
}
