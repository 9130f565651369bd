package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockReconciler struct {
	mu    sync.Mutex
	calls []time.Time
	err   error
}

func (m *mockReconciler) Reconcile(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, olderThan)
	return 0, m.err
}

func (m *mockReconciler) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func TestReconcilerPassUsesGrace(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	m := &mockReconciler{}
	r := newReconciler(m, ReconcileConfig{Interval: time.Minute, Grace: 5 * time.Minute})
	r.now = func() time.Time { return now }

	r.pass(context.Background())
	require.Len(t, m.calls, 1)
	assert.Equal(t, now.Add(-5*time.Minute), m.calls[0])
	assert.Equal(t, now, r.LastRun().UTC())
}

func TestReconcilerFailureKeepsLastRun(t *testing.T) {
	m := &mockReconciler{err: errors.New("db down")}
	r := newReconciler(m, ReconcileConfig{Interval: time.Minute, Grace: time.Minute})
	before := r.LastRun()
	r.now = func() time.Time { return before.Add(time.Hour) }

	r.pass(context.Background())
	assert.Equal(t, before, r.LastRun())
}

func TestReconcilerRunStopsOnCancel(t *testing.T) {
	m := &mockReconciler{}
	r := newReconciler(m, ReconcileConfig{Interval: 10 * time.Millisecond, Grace: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return m.count() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
