package sweep

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realquest/internal/engine"
)

type fakeExpirer struct {
	mu      sync.Mutex
	users   []string
	listErr error
	fail    map[string]error
	panics  map[string]bool
	expired map[string][]string
	calls   []string
}

func (f *fakeExpirer) ExpiryCandidates(ctx context.Context, now time.Time) ([]string, error) {
	return f.users, f.listErr
}

func (f *fakeExpirer) Expire(ctx context.Context, userID string, now time.Time) (engine.Expiry, error) {
	f.mu.Lock()
	f.calls = append(f.calls, userID)
	f.mu.Unlock()
	if f.panics[userID] {
		panic("corrupt record")
	}
	if err := f.fail[userID]; err != nil {
		return engine.Expiry{UserID: userID}, err
	}
	ids := f.expired[userID]
	f.mu.Lock()
	delete(f.expired, userID)
	f.mu.Unlock()
	return engine.Expiry{UserID: userID, Expired: ids, Deaths: len(ids) / 2}, nil
}

func (f *fakeExpirer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func TestRunOnceIsolatesFailingUsers(t *testing.T) {
	f := &fakeExpirer{
		users:   []string{"a", "b", "c", "d"},
		fail:    map[string]error{"b": errors.New("storage unavailable")},
		panics:  map[string]bool{"c": true},
		expired: map[string][]string{"a": {"t1", "t2"}, "d": {"t3"}},
	}
	s := Sweeper{Engine: f, Logger: quiet()}

	rep, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, f.calls)
	assert.Equal(t, 2, rep.Users)
	assert.Equal(t, 3, rep.Expired)
	assert.Equal(t, 1, rep.Deaths)
	assert.Equal(t, []string{"b", "c"}, rep.FailedUsers)
}

func TestRunOnceReportsListFailure(t *testing.T) {
	s := Sweeper{Engine: &fakeExpirer{listErr: errors.New("db closed")}, Logger: quiet()}
	_, err := s.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := &fakeExpirer{users: []string{"a"}}
	s := Sweeper{Engine: f, Interval: 5 * time.Millisecond, Logger: quiet()}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return f.callCount() >= 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
