package guard

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	mu       sync.Mutex
	expired  bool
	valid    bool
	verifies atomic.Int32
	logouts  atomic.Int32
}

func (f *fakeSession) IsSessionExpired() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expired
}

func (f *fakeSession) VerifyToken(ctx context.Context) bool {
	f.verifies.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valid
}

func (f *fakeSession) Logout(ctx context.Context) { f.logouts.Add(1) }

func (f *fakeSession) set(expired, valid bool) {
	f.mu.Lock()
	f.expired, f.valid = expired, valid
	f.mu.Unlock()
}

func TestCheck(t *testing.T) {
	t.Run("expired forces logout without verification", func(t *testing.T) {
		s := &fakeSession{expired: true, valid: true}
		err := New(s).Check(context.Background())
		assert.ErrorIs(t, err, ErrSessionExpired)
		assert.Equal(t, int32(1), s.logouts.Load())
		assert.Equal(t, int32(0), s.verifies.Load())
	})

	t.Run("invalid token requires login", func(t *testing.T) {
		s := &fakeSession{}
		err := New(s).Check(context.Background())
		assert.ErrorIs(t, err, ErrLoginRequired)
		assert.Equal(t, int32(1), s.verifies.Load())
	})

	t.Run("valid session passes", func(t *testing.T) {
		s := &fakeSession{valid: true}
		assert.NoError(t, New(s).Check(context.Background()))
	})
}

func TestRunStopsOnExpiry(t *testing.T) {
	s := &fakeSession{valid: true}
	var calls atomic.Int32
	var got error
	g := New(s, OnExpired(func(err error) {
		calls.Add(1)
		got = err
	}))

	done := make(chan error, 1)
	go func() { done <- g.Run(context.Background(), 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return s.verifies.Load() >= 2 }, time.Second, time.Millisecond)
	s.set(true, true)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSessionExpired)
	case <-time.After(time.Second):
		t.Fatal("guard did not stop")
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.ErrorIs(t, got, ErrSessionExpired)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := &fakeSession{valid: true}
	var calls atomic.Int32
	g := New(s, OnExpired(func(error) { calls.Add(1) }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx, 5*time.Millisecond) }()
	require.Eventually(t, func() bool { return s.verifies.Load() >= 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("guard did not stop")
	}
	assert.Equal(t, int32(0), calls.Load())
}

func TestRunFailsImmediately(t *testing.T) {
	s := &fakeSession{}
	err := New(s).Run(context.Background(), time.Hour)
	assert.ErrorIs(t, err, ErrLoginRequired)
}
