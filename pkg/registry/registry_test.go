package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/mnemosync/pkg/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) string {
	t.Helper()
	s, err := identity.GenerateSigner()
	require.NoError(t, err)
	return identity.EncodeKey(s.PublicKey())
}

func newTestRegistry(t *testing.T) (*Registry, *time.Time) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	r := NewRegistry(nil)
	r.SetClock(func() time.Time { return now })
	return r, &now
}

func TestRegistry_Register(t *testing.T) {
	r, _ := newTestRegistry(t)
	key := testKey(t)

	in, err := r.Register(Instance{ID: "inst-a", AgentID: "assistant", PublicKey: key})
	require.NoError(t, err)
	assert.Equal(t, StatusRegistered, in.Status)

	t.Run("same key is idempotent", func(t *testing.T) {
		_, err := r.Register(Instance{ID: "inst-a", AgentID: "assistant", PublicKey: key, Endpoint: "http://a"})
		require.NoError(t, err)
		got, _ := r.Get("inst-a")
		assert.Equal(t, "http://a", got.Endpoint)
	})

	t.Run("different key conflicts", func(t *testing.T) {
		_, err := r.Register(Instance{ID: "inst-a", AgentID: "assistant", PublicKey: testKey(t)})
		assert.ErrorIs(t, err, ErrInstanceExists)
	})

	tests := []struct {
		name string
		in   Instance
	}{
		{"missing id", Instance{AgentID: "assistant", PublicKey: key}},
		{"missing agent", Instance{ID: "x", PublicKey: key}},
		{"bad key", Instance{ID: "x", AgentID: "assistant", PublicKey: "abc"}},
		{"slash in id", Instance{ID: "lab/x", AgentID: "assistant", PublicKey: key}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(tt.in)
			assert.Error(t, err)
		})
	}
}

func TestRegistry_Policy(t *testing.T) {
	r := NewRegistry(MaxInstancesPolicy{Max: 1})
	key := testKey(t)

	_, err := r.Register(Instance{ID: "a", AgentID: "assistant", PublicKey: key})
	require.NoError(t, err)

	_, err = r.Register(Instance{ID: "b", AgentID: "assistant", PublicKey: testKey(t)})
	assert.ErrorIs(t, err, ErrRejected)

	_, err = r.Register(Instance{ID: "c", AgentID: "other", PublicKey: testKey(t)})
	assert.NoError(t, err)

	_, err = r.Revoke("a", "rotated")
	require.NoError(t, err)
	_, err = r.Register(Instance{ID: "d", AgentID: "assistant", PublicKey: key})
	assert.ErrorIs(t, err, ErrRejected, "key reuse is refused even after revocation")
}

func TestRegistry_AcceptSequence(t *testing.T) {
	r, now := newTestRegistry(t)
	_, err := r.Register(Instance{ID: "inst-a", AgentID: "assistant", PublicKey: testKey(t)})
	require.NoError(t, err)

	in, err := r.Accept("inst-a", 5, 3)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, in.Status)
	assert.Equal(t, uint64(5), in.LastSequence)
	assert.Equal(t, *now, in.LastSeen)
	assert.Equal(t, uint64(3), in.Stats.ItemsContributed)

	_, err = r.Accept("inst-a", 5, 1)
	assert.ErrorIs(t, err, ErrReplay)
	_, err = r.Accept("inst-a", 4, 1)
	assert.ErrorIs(t, err, ErrReplay)

	_, err = r.Accept("inst-a", 6, 1)
	assert.NoError(t, err)

	_, err = r.Accept("ghost", 1, 1)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestRegistry_AcceptIsAtomic(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Register(Instance{ID: "inst-a", AgentID: "assistant", PublicKey: testKey(t)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Accept("inst-a", 7, 1); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
}

func TestRegistry_Lifecycle(t *testing.T) {
	r, now := newTestRegistry(t)
	_, err := r.Register(Instance{ID: "inst-a", AgentID: "assistant", PublicKey: testKey(t)})
	require.NoError(t, err)

	events := make(chan Event, 8)
	r.On(EventStale, func(e Event) { events <- e })

	t.Run("registered instances are not demoted", func(t *testing.T) {
		*now = now.Add(time.Hour)
		assert.Empty(t, r.CheckStaleness(time.Minute))
	})

	_, err = r.Accept("inst-a", 1, 0)
	require.NoError(t, err)

	t.Run("silence makes active stale", func(t *testing.T) {
		*now = now.Add(2 * time.Minute)
		assert.Equal(t, []string{"inst-a"}, r.CheckStaleness(time.Minute))
		in, _ := r.Get("inst-a")
		assert.Equal(t, StatusStale, in.Status)

		select {
		case e := <-events:
			assert.Equal(t, StatusActive, e.From)
			assert.Equal(t, StatusStale, e.To)
		case <-time.After(time.Second):
			t.Fatal("stale event not emitted")
		}
	})

	t.Run("accepted report reactivates", func(t *testing.T) {
		in, err := r.Accept("inst-a", 2, 0)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, in.Status)
	})

	t.Run("missed check-ins make active stale", func(t *testing.T) {
		missed, err := r.MissCheckIn("inst-a", 2)
		require.NoError(t, err)
		assert.Equal(t, 1, missed)
		in, _ := r.Get("inst-a")
		assert.Equal(t, StatusActive, in.Status)

		missed, err = r.MissCheckIn("inst-a", 2)
		require.NoError(t, err)
		assert.Equal(t, 2, missed)
		in, _ = r.Get("inst-a")
		assert.Equal(t, StatusStale, in.Status)
	})

	t.Run("answered check-in resets the counter", func(t *testing.T) {
		_, err := r.Accept("inst-a", 3, 0)
		require.NoError(t, err)
		_, err = r.MissCheckIn("inst-a", 2)
		require.NoError(t, err)
		require.NoError(t, r.AnswerCheckIn("inst-a"))

		missed, err := r.MissCheckIn("inst-a", 2)
		require.NoError(t, err)
		assert.Equal(t, 1, missed)
		in, _ := r.Get("inst-a")
		assert.Equal(t, StatusActive, in.Status)
		assert.ErrorIs(t, r.AnswerCheckIn("ghost"), ErrInstanceNotFound)
	})

	t.Run("revocation is terminal", func(t *testing.T) {
		in, err := r.Revoke("inst-a", "compromised")
		require.NoError(t, err)
		assert.Equal(t, StatusRevoked, in.Status)

		_, err = r.Accept("inst-a", 10, 0)
		assert.True(t, errors.Is(err, ErrRevoked))
		assert.Empty(t, r.CheckStaleness(time.Nanosecond))

		_, err = r.Register(Instance{ID: "inst-a", AgentID: "assistant", PublicKey: in.PublicKey})
		assert.ErrorIs(t, err, ErrRevoked)
	})
}

func TestRegistry_Restore(t *testing.T) {
	r, _ := newTestRegistry(t)
	key := testKey(t)
	_, err := r.Register(Instance{ID: "inst-a", AgentID: "assistant", PublicKey: key})
	require.NoError(t, err)
	_, err = r.Accept("inst-a", 3, 0)
	require.NoError(t, err)

	r.Restore([]Instance{
		{ID: "inst-a", AgentID: "assistant", PublicKey: key, Status: StatusActive, LastSequence: 9},
		{ID: "inst-b", AgentID: "assistant", PublicKey: testKey(t), Status: StatusStale, LastSequence: 2},
	})

	_, err = r.Accept("inst-a", 9, 0)
	assert.ErrorIs(t, err, ErrReplay)
	_, err = r.Accept("inst-b", 2, 0)
	assert.ErrorIs(t, err, ErrReplay)

	assert.Equal(t, []string{"assistant"}, r.Agents())
	assert.Len(t, r.List(Filter{Statuses: []Status{StatusStale}}), 1)
}

func TestMonitor_Check(t *testing.T) {
	r, now := newTestRegistry(t)
	_, err := r.Register(Instance{ID: "inst-a", AgentID: "assistant", PublicKey: testKey(t)})
	require.NoError(t, err)
	_, err = r.Accept("inst-a", 1, 0)
	require.NoError(t, err)

	m := NewMonitor(r, time.Hour, 5*time.Minute)
	assert.Empty(t, m.Check())

	*now = now.Add(time.Minute)
	m.SetWindow(30 * time.Second)
	assert.Equal(t, []string{"inst-a"}, m.Check())
}
