package redrive

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mortgageflow/effect"
	"mortgageflow/outbox"
)

type fakeQueues struct {
	mu sync.Mutex

	dueTransitions []string
	eligibleEvents []string

	dispatched []string
	published  []string

	publishErr map[string]error
}

func (f *fakeQueues) DueTransitions(_ context.Context, _, _ time.Time, _ int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dueTransitions, nil
}

func (f *fakeQueues) Eligible(_ context.Context, _ time.Time, _ int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eligibleEvents, nil
}

func (f *fakeQueues) Dispatch(_ context.Context, trID string) ([]effect.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, trID)
	return []effect.Outcome{{Status: effect.StatusCompleted}}, nil
}

func (f *fakeQueues) PublishNow(_ context.Context, eventID string) (outbox.PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.publishErr[eventID]; err != nil {
		return outbox.PublishResult{}, err
	}
	f.published = append(f.published, eventID)
	return outbox.PublishResult{EventID: eventID}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRunOnce_SweepsBothQueues(t *testing.T) {
	f := &fakeQueues{
		dueTransitions: []string{"tr-1", "tr-2"},
		eligibleEvents: []string{"evt-1"},
	}
	w := NewWorker(f, f, f, f, quietLogger(), Config{})

	require.NoError(t, w.RunOnce(context.Background()))
	assert.ElementsMatch(t, []string{"tr-1", "tr-2"}, f.dispatched)
	assert.Equal(t, []string{"evt-1"}, f.published)
}

func TestRunOnce_PublishFailureDoesNotAbortSweep(t *testing.T) {
	f := &fakeQueues{
		eligibleEvents: []string{"evt-1", "evt-2"},
		publishErr:     map[string]error{"evt-1": errors.New("broker down")},
	}
	w := NewWorker(f, f, f, f, quietLogger(), Config{})

	require.NoError(t, w.RunOnce(context.Background()))
	assert.Equal(t, []string{"evt-2"}, f.published)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	f := &fakeQueues{dueTransitions: []string{"tr-1"}}
	w := NewWorker(f, f, f, f, quietLogger(), Config{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.dispatched) > 0
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
