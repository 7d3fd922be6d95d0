package lockout

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sitekeeper/sitekeeper/internal/audit"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newPolicy(t *testing.T, cfg Config, store AttemptStore) (*Policy, *audit.Log, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Now().UTC()}
	log := audit.NewLog(nil)
	return NewPolicy(cfg, store, log, nil, WithClock(clock.now)), log, clock
}

func stores(t *testing.T) map[string]AttemptStore {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]AttemptStore{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client, "test"),
	}
}

func fail(userID string) Attempt {
	return Attempt{UserID: userID, Email: userID + "@example.com", IP: "10.0.0.1", UserAgent: "ua", Reason: "Invalid password"}
}

func TestFifthFailureLocks(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			policy, log, clock := newPolicy(t, DefaultConfig(), store)
			ctx := context.Background()

			var d Decision
			for i := 1; i <= 4; i++ {
				d = policy.RecordAttempt(ctx, fail("u1"))
				require.False(t, d.ShouldLock, "attempt %d", i)
				require.Nil(t, d.LockoutUntil)
			}
			require.Equal(t, "Failed attempt 4 of 5", d.Reason)

			d = policy.RecordAttempt(ctx, fail("u1"))
			require.True(t, d.ShouldLock)
			require.NotNil(t, d.LockoutUntil)
			require.WithinDuration(t, clock.now().Add(15*time.Minute), *d.LockoutUntil, time.Second)

			status, err := policy.IsAccountLocked(ctx, "u1")
			require.NoError(t, err)
			require.True(t, status.Locked)

			locked := log.Query(audit.Filter{Type: audit.EventAccountLocked})
			require.Len(t, locked, 1)
			require.Equal(t, "u1", locked[0].UserID)

			clock.advance(15*time.Minute + time.Second)
			status, err = policy.IsAccountLocked(ctx, "u1")
			require.NoError(t, err)
			require.False(t, status.Locked)
		})
	}
}

func TestFailuresOutsideWindowDoNotCount(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			policy, _, clock := newPolicy(t, DefaultConfig(), store)
			ctx := context.Background()
			for i := 0; i < 4; i++ {
				policy.RecordAttempt(ctx, fail("u1"))
			}
			clock.advance(AttemptWindow + time.Minute)
			d := policy.RecordAttempt(ctx, fail("u1"))
			require.False(t, d.ShouldLock)
			require.Equal(t, "Failed attempt 1 of 5", d.Reason)
		})
	}
}

func TestSuccessNeverLocks(t *testing.T) {
	policy, log, _ := newPolicy(t, DefaultConfig(), NewMemoryStore())
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		d := policy.RecordAttempt(ctx, Attempt{UserID: "u1", Email: "u1@example.com", Success: true})
		require.True(t, d.Success)
		require.False(t, d.ShouldLock)
	}
	require.Len(t, log.Query(audit.Filter{Type: audit.EventLoginSuccess}), 10)

	for i := 0; i < 4; i++ {
		policy.RecordAttempt(ctx, fail("u1"))
	}
	policy.RecordAttempt(ctx, Attempt{UserID: "u1", Success: true})
	d := policy.RecordAttempt(ctx, fail("u1"))
	require.False(t, d.ShouldLock)
	require.Equal(t, "Failed attempt 1 of 5", d.Reason)
}

func TestUnknownUserIsNeverLocked(t *testing.T) {
	policy, log, _ := newPolicy(t, DefaultConfig(), NewMemoryStore())
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		d := policy.RecordAttempt(ctx, Attempt{Email: "ghost@example.com", Reason: "User not found"})
		require.False(t, d.ShouldLock)
		require.Equal(t, "User not found", d.Reason)
	}
	require.Len(t, log.Query(audit.Filter{Type: audit.EventLoginFailure}), 20)
	_, err := policy.IsAccountLocked(ctx, "")
	require.ErrorIs(t, err, ErrNoUser)
}

func TestProgressiveLockoutDoubles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProgressiveLockout = true
	cfg.MaxLockoutDuration = 45 * time.Minute
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			policy, _, clock := newPolicy(t, cfg, store)
			ctx := context.Background()
			expected := []time.Duration{15 * time.Minute, 30 * time.Minute, 45 * time.Minute, 45 * time.Minute}
			for round, want := range expected {
				var d Decision
				for i := 0; i < cfg.MaxFailedAttempts; i++ {
					d = policy.RecordAttempt(ctx, fail("u1"))
				}
				require.True(t, d.ShouldLock, "round %d", round)
				require.Equal(t, clock.now().Add(want), *d.LockoutUntil, "round %d", round)
				clock.advance(want + time.Second)
			}
		})
	}
}

func TestLockDurationIsFlatWhenNotProgressive(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 15*time.Minute, cfg.lockDuration(1))
	require.Equal(t, 15*time.Minute, cfg.lockDuration(7))
	cfg.ProgressiveLockout = true
	require.Equal(t, 60*time.Minute, cfg.lockDuration(3))
	require.Equal(t, 24*time.Hour, cfg.lockDuration(64))
}

func TestUnlockAccountClearsStateAndAudits(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			policy, log, _ := newPolicy(t, DefaultConfig(), store)
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				policy.RecordAttempt(ctx, fail("u1"))
			}
			status, err := policy.IsAccountLocked(ctx, "u1")
			require.NoError(t, err)
			require.True(t, status.Locked)

			require.NoError(t, policy.UnlockAccount(ctx, "u1", "admin", "10.0.0.9", "ua"))
			status, err = policy.IsAccountLocked(ctx, "u1")
			require.NoError(t, err)
			require.False(t, status.Locked)

			events := log.Query(audit.Filter{Type: audit.EventPasswordChange})
			require.Len(t, events, 1)
			require.Equal(t, "unlock_account", events[0].Action)
			require.Equal(t, "admin", events[0].Details["unlockedBy"])

			d := policy.RecordAttempt(ctx, fail("u1"))
			require.Equal(t, "Failed attempt 1 of 5", d.Reason)
		})
	}
}

func TestUpdateConfigValidatesAndAudits(t *testing.T) {
	policy, log, _ := newPolicy(t, DefaultConfig(), NewMemoryStore())
	ctx := context.Background()

	bad := DefaultConfig()
	bad.MaxFailedAttempts = 0
	require.Error(t, policy.UpdateConfig(ctx, bad, "root"))

	bad = DefaultConfig()
	bad.MaxLockoutDuration = time.Minute
	require.Error(t, policy.UpdateConfig(ctx, bad, "root"))
	require.Equal(t, DefaultConfig(), policy.Config())

	next := DefaultConfig()
	next.MaxFailedAttempts = 3
	require.NoError(t, policy.UpdateConfig(ctx, next, "root"))
	require.Equal(t, 3, policy.Config().MaxFailedAttempts)

	events := log.Query(audit.Filter{Type: audit.EventDataModification})
	require.Len(t, events, 1)
	require.Equal(t, "update_lockout_config", events[0].Action)
	require.Equal(t, audit.SeverityHigh, events[0].Severity)

	for i := 0; i < 2; i++ {
		require.False(t, policy.RecordAttempt(ctx, fail("u1")).ShouldLock)
	}
	require.True(t, policy.RecordAttempt(ctx, fail("u1")).ShouldLock)
}

func TestPruneDropsIdleWindows(t *testing.T) {
	policy, _, clock := newPolicy(t, DefaultConfig(), NewMemoryStore())
	ctx := context.Background()
	policy.RecordAttempt(ctx, fail("u1"))
	policy.RecordAttempt(ctx, fail("u2"))
	require.Equal(t, 0, policy.Prune())
	clock.advance(AttemptWindow + time.Second)
	require.Equal(t, 2, policy.Prune())
}

func TestRedisLockTTLFollowsPolicyClock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &fakeClock{t: time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)}
	policy := NewPolicy(DefaultConfig(), NewRedisStore(client, "test"), audit.NewLog(nil), nil, WithClock(clock.now))
	ctx := context.Background()
	var d Decision
	for i := 0; i < DefaultConfig().MaxFailedAttempts; i++ {
		d = policy.RecordAttempt(ctx, fail("u1"))
	}
	require.True(t, d.ShouldLock)
	require.Equal(t, 15*time.Minute, mr.TTL("test:lock:u1"))
}
