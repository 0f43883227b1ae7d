package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdwatch/internal/models"
)

type reply struct {
	points []models.HistoryPoint
	err    error
}

type call struct {
	entity string
	window models.Window
	reply  chan reply
}

// blockingFetcher parks each request until the test answers it. Requests
// ignore cancellation so late answers can be simulated.
type blockingFetcher struct {
	calls chan call
	quit  chan struct{}
}

func newBlockingFetcher(t *testing.T) *blockingFetcher {
	f := &blockingFetcher{calls: make(chan call, 16), quit: make(chan struct{})}
	t.Cleanup(func() { close(f.quit) })
	return f
}

func (f *blockingFetcher) FetchHistory(_ context.Context, entityID string, w models.Window) ([]models.HistoryPoint, error) {
	c := call{entity: entityID, window: w, reply: make(chan reply, 1)}
	f.calls <- c
	select {
	case r := <-c.reply:
		return r.points, r.err
	case <-f.quit:
		return nil, errors.New("test finished")
	}
}

func (f *blockingFetcher) next(t *testing.T) call {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for history fetch")
		return call{}
	}
}

func points(counts ...int) []models.HistoryPoint {
	out := make([]models.HistoryPoint, 0, len(counts))
	for i, c := range counts {
		out = append(out, models.HistoryPoint{Timestamp: time.Date(2026, 1, 1, 12, i, 0, 0, time.UTC).Format(time.RFC3339), Count: &c})
	}
	return out
}

func newTestController(t *testing.T, f Fetcher) *Controller {
	t.Helper()
	return NewController(context.Background(), f, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func TestSelectLoadsDefaultWindow(t *testing.T) {
	f := newBlockingFetcher(t)
	c := newTestController(t, f)
	assert.Equal(t, PhaseIdle, c.State().Phase)
	assert.False(t, c.State().Open())

	c.Select("1", "Lab")
	st := c.State()
	assert.Equal(t, PhaseLoading, st.Phase)
	require.NotNil(t, st.Selection)
	assert.Equal(t, models.HistorySelection{EntityID: "1", Name: "Lab", Window: models.Window1h}, *st.Selection)
	assert.NotEmpty(t, st.SessionID)

	req := f.next(t)
	assert.Equal(t, "1", req.entity)
	assert.Equal(t, models.Window1h, req.window)
	req.reply <- reply{points: points(3, 5)}
	c.Wait()

	st = c.State()
	assert.Equal(t, PhaseLoaded, st.Phase)
	assert.Len(t, st.Points, 2)
	assert.NoError(t, st.Err)
}

func TestWindowChangeIgnoresStaleResponse(t *testing.T) {
	for _, staleFirst := range []bool{true, false} {
		f := newBlockingFetcher(t)
		c := newTestController(t, f)

		c.Select("1", "Lab")
		slow := f.next(t)
		require.Equal(t, models.Window1h, slow.window)

		require.NoError(t, c.SetWindow(models.Window15m))
		fast := f.next(t)
		require.Equal(t, models.Window15m, fast.window)

		if staleFirst {
			slow.reply <- reply{points: points(60, 60, 60)}
			fast.reply <- reply{points: points(15)}
		} else {
			fast.reply <- reply{points: points(15)}
			slow.reply <- reply{points: points(60, 60, 60)}
		}
		c.Wait()

		st := c.State()
		assert.Equal(t, PhaseLoaded, st.Phase)
		assert.Equal(t, models.Window15m, st.Selection.Window)
		require.Len(t, st.Points, 1)
		assert.Equal(t, 15, st.Points[0].Value())
	}
}

func TestCloseDiscardsLateResponse(t *testing.T) {
	f := newBlockingFetcher(t)
	c := newTestController(t, f)
	var seen []State
	c.Subscribe(func(s State) { seen = append(seen, s) })

	c.Select("7", "Gym")
	req := f.next(t)
	c.Close()
	req.reply <- reply{points: points(1, 2, 3)}
	c.Wait()

	st := c.State()
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.False(t, st.Open())
	assert.Nil(t, st.Points)
	require.Len(t, seen, 2)
	assert.Equal(t, PhaseLoading, seen[0].Phase)
	assert.Equal(t, PhaseIdle, seen[1].Phase)
}

func TestSelectingAnotherBuildingSupersedes(t *testing.T) {
	f := newBlockingFetcher(t)
	c := newTestController(t, f)

	c.Select("1", "Lab")
	first := f.next(t)
	firstSession := c.State().SessionID
	require.NoError(t, c.SetWindow(models.Window6h))
	second := f.next(t)

	c.Select("2", "Library")
	third := f.next(t)
	assert.Equal(t, "2", third.entity)
	assert.Equal(t, models.Window6h, third.window, "window carries over to the new selection")
	assert.NotEqual(t, firstSession, c.State().SessionID)

	third.reply <- reply{points: points(9)}
	first.reply <- reply{points: points(1)}
	second.reply <- reply{err: errors.New("HTTP 500")}
	c.Wait()

	st := c.State()
	assert.Equal(t, PhaseLoaded, st.Phase)
	assert.Equal(t, "2", st.Selection.EntityID)
	require.Len(t, st.Points, 1)
	assert.Equal(t, 9, st.Points[0].Value())
}

func TestFetchErrorThenReload(t *testing.T) {
	f := newBlockingFetcher(t)
	c := newTestController(t, f)

	c.Select("1", "Lab")
	boom := errors.New("HTTP 503")
	f.next(t).reply <- reply{err: boom}
	c.Wait()
	st := c.State()
	assert.Equal(t, PhaseErrored, st.Phase)
	assert.ErrorIs(t, st.Err, boom)
	assert.Nil(t, st.Points)

	require.NoError(t, c.Reload())
	assert.Equal(t, PhaseLoading, c.State().Phase)
	assert.NoError(t, c.State().Err)
	f.next(t).reply <- reply{points: nil}
	c.Wait()
	st = c.State()
	assert.Equal(t, PhaseLoaded, st.Phase)
	assert.NotNil(t, st.Points)
	assert.Empty(t, st.Points)
}

func TestSetWindowValidation(t *testing.T) {
	f := newBlockingFetcher(t)
	c := newTestController(t, f)

	assert.ErrorIs(t, c.SetWindow(models.Window15m), ErrNoSession)
	assert.ErrorIs(t, c.Reload(), ErrNoSession)

	c.Select("1", "Lab")
	f.next(t).reply <- reply{}
	c.Wait()
	assert.Error(t, c.SetWindow(models.Window(42)))
	assert.Equal(t, models.Window1h, c.State().Selection.Window)

	// unchanged window does not refetch
	require.NoError(t, c.SetWindow(models.Window1h))
	c.Select("1", "Lab")
	select {
	case <-f.calls:
		t.Fatal("unexpected refetch")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSelectWindowedInvalidFallsBackToDefault(t *testing.T) {
	f := newBlockingFetcher(t)
	c := newTestController(t, f)
	c.SelectWindowed("1", "Lab", models.Window(0))
	req := f.next(t)
	assert.Equal(t, models.DefaultWin, req.window)
	req.reply <- reply{}
	c.Wait()
}

func TestCloseWhenIdleIsNoop(t *testing.T) {
	c := newTestController(t, newBlockingFetcher(t))
	calls := 0
	c.Subscribe(func(State) { calls++ })
	c.Close()
	assert.Equal(t, 0, calls)
}
