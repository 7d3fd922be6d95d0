package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitekeeper/sitekeeper/internal/audit"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newRegistry(t *testing.T, cfg Config) (*Registry, *audit.Log, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	log := audit.NewLog(nil)
	return NewRegistry(cfg, log, nil, WithClock(clock.now)), log, clock
}

func create(t *testing.T, r *Registry, userID, token, ip, ua string) Session {
	t.Helper()
	s, err := r.CreateSession(context.Background(), NewSession{
		UserID:       userID,
		SessionToken: token,
		RefreshToken: "r-" + token,
		IP:           ip,
		UserAgent:    ua,
	})
	require.NoError(t, err)
	return s
}

func TestCreateSessionDefaults(t *testing.T) {
	r, log, clock := newRegistry(t, DefaultConfig())
	s := create(t, r, "u1", "t1", "10.0.0.1", "firefox")
	require.Equal(t, StatusActive, s.Status)
	require.Equal(t, clock.now().Add(30*time.Minute), s.ExpiresAt)
	require.NotEmpty(t, s.ID)

	events := log.Query(audit.Filter{Type: audit.EventDataModification})
	require.Len(t, events, 1)
	require.Equal(t, "create_session", events[0].Action)

	_, err := r.CreateSession(context.Background(), NewSession{UserID: "u1", SessionToken: "t1"})
	require.ErrorIs(t, err, ErrDuplicateToken)
	_, err = r.CreateSession(context.Background(), NewSession{SessionToken: "t9"})
	require.ErrorIs(t, err, ErrInvalidSession)
}

func TestConcurrencyCapEvictsLeastRecentlyActive(t *testing.T) {
	r, log, clock := newRegistry(t, DefaultConfig())
	ctx := context.Background()
	for _, tok := range []string{"t1", "t2", "t3"} {
		create(t, r, "u1", tok, "10.0.0.1", "firefox")
		clock.advance(time.Second)
	}
	// Touching t1 makes t2 the least recently active.
	require.True(t, r.ValidateSession(ctx, "t1", "", "").Valid)
	clock.advance(time.Second)

	create(t, r, "u1", "t4", "10.0.0.1", "firefox")

	active := 0
	for _, s := range r.UserSessions("u1") {
		if s.Status == StatusActive {
			active++
		}
	}
	require.Equal(t, 3, active)
	v := r.ValidateSession(ctx, "t2", "", "")
	require.False(t, v.Valid)
	require.Equal(t, "Session revoked", v.Reason)
	require.True(t, r.ValidateSession(ctx, "t1", "", "").Valid)

	logouts := log.Query(audit.Filter{Type: audit.EventLogout})
	require.Len(t, logouts, 1)
	require.Equal(t, "session_limit_exceeded", logouts[0].Details["reason"])
}

func TestConcurrencyCapScenarioOldestRevoked(t *testing.T) {
	r, _, clock := newRegistry(t, DefaultConfig())
	for _, tok := range []string{"t1", "t2", "t3", "t4"} {
		create(t, r, "u1", tok, "", "")
		clock.advance(time.Second)
	}
	sessions := r.UserSessions("u1")
	require.Len(t, sessions, 4)
	require.Equal(t, "t1", sessions[3].SessionToken)
	require.Equal(t, StatusRevoked, sessions[3].Status)
	for _, s := range sessions[:3] {
		require.Equal(t, StatusActive, s.Status)
	}
}

func TestCapIsPerUser(t *testing.T) {
	r, _, _ := newRegistry(t, DefaultConfig())
	for _, tok := range []string{"a1", "a2", "a3"} {
		create(t, r, "alice", tok, "", "")
	}
	create(t, r, "bob", "b1", "", "")
	for _, tok := range []string{"a1", "a2", "a3", "b1"} {
		require.True(t, r.ValidateSession(context.Background(), tok, "", "").Valid, tok)
	}
}

func TestValidateUnknownToken(t *testing.T) {
	r, _, _ := newRegistry(t, DefaultConfig())
	v := r.ValidateSession(context.Background(), "never-issued", "", "")
	require.False(t, v.Valid)
	require.Equal(t, "Session not found", v.Reason)
	require.Equal(t, "Session not found", r.ValidateSession(context.Background(), "", "", "").Reason)
}

func TestValidateUpdatesLastActivity(t *testing.T) {
	r, _, clock := newRegistry(t, DefaultConfig())
	create(t, r, "u1", "t1", "", "")
	clock.advance(10 * time.Minute)
	v := r.ValidateSession(context.Background(), "t1", "", "")
	require.True(t, v.Valid)
	require.Equal(t, clock.now(), v.Session.LastActivity)
}

func TestExpiryIsLazyAndIdempotent(t *testing.T) {
	r, _, clock := newRegistry(t, DefaultConfig())
	ctx := context.Background()
	create(t, r, "u1", "t1", "", "")
	clock.advance(31 * time.Minute)

	require.Equal(t, StatusActive, r.UserSessions("u1")[0].Status)
	for i := 0; i < 3; i++ {
		v := r.ValidateSession(ctx, "t1", "", "")
		require.False(t, v.Valid)
		require.Equal(t, "Session expired", v.Reason)
	}
	require.Equal(t, StatusExpired, r.UserSessions("u1")[0].Status)
}

func TestInvalidateThenValidateIsRevoked(t *testing.T) {
	r, log, _ := newRegistry(t, DefaultConfig())
	ctx := context.Background()
	create(t, r, "u1", "t1", "", "")
	require.True(t, r.InvalidateSession(ctx, "t1", "u1", "", "10.0.0.1", "ua"))
	v := r.ValidateSession(ctx, "t1", "", "")
	require.False(t, v.Valid)
	require.Contains(t, v.Reason, "revoked")

	require.True(t, r.InvalidateSession(ctx, "missing", "", "", "", ""))
	require.Len(t, log.Query(audit.Filter{Type: audit.EventLogout}), 2)
}

func TestInvalidateIgnoresForeignOwner(t *testing.T) {
	r, _, _ := newRegistry(t, DefaultConfig())
	ctx := context.Background()
	create(t, r, "u1", "t1", "", "")
	require.True(t, r.InvalidateSession(ctx, "t1", "intruder", "", "", ""))
	require.True(t, r.ValidateSession(ctx, "t1", "", "").Valid)
}

func TestInvalidateAllUserSessions(t *testing.T) {
	r, _, _ := newRegistry(t, DefaultConfig())
	ctx := context.Background()
	create(t, r, "u1", "t1", "", "")
	create(t, r, "u1", "t2", "", "")
	create(t, r, "u2", "t3", "", "")
	require.Equal(t, 2, r.InvalidateAllUserSessions(ctx, "u1", "", "", ""))
	require.Equal(t, 0, r.InvalidateAllUserSessions(ctx, "u1", "", "", ""))
	require.True(t, r.ValidateSession(ctx, "t3", "", "").Valid)
}

func TestUserSessionsOrderedByLastActivity(t *testing.T) {
	r, _, clock := newRegistry(t, DefaultConfig())
	ctx := context.Background()
	create(t, r, "u1", "t1", "", "")
	clock.advance(time.Minute)
	create(t, r, "u1", "t2", "", "")
	clock.advance(time.Minute)
	r.ValidateSession(ctx, "t1", "", "")

	sessions := r.UserSessions("u1")
	require.Len(t, sessions, 2)
	require.Equal(t, "t1", sessions[0].SessionToken)
	require.Equal(t, "t2", sessions[1].SessionToken)
	require.Empty(t, r.UserSessions("nobody"))
}

func TestRefreshRotatesAtomically(t *testing.T) {
	r, log, clock := newRegistry(t, DefaultConfig())
	ctx := context.Background()
	orig := create(t, r, "u1", "t1", "", "")
	clock.advance(20 * time.Minute)

	res := r.RefreshSession(ctx, "r-t1", "", "")
	require.True(t, res.Success)
	require.NotEqual(t, "t1", res.NewSessionToken)
	require.NotEqual(t, "r-t1", res.NewRefreshToken)
	require.Equal(t, orig.ID, res.Session.ID)
	require.Equal(t, clock.now().Add(30*time.Minute), res.Session.ExpiresAt)

	require.Equal(t, "Session not found", r.ValidateSession(ctx, "t1", "", "").Reason)
	require.True(t, r.ValidateSession(ctx, res.NewSessionToken, "", "").Valid)
	require.False(t, r.RefreshSession(ctx, "r-t1", "", "").Success)

	events := log.Query(audit.Filter{Type: audit.EventDataModification})
	require.Equal(t, "refresh_session", events[0].Action)
	require.Equal(t, true, events[0].Details["rotated"])
}

func TestRefreshWithoutRotationKeepsTokens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RefreshTokenRotation = false
	r, _, clock := newRegistry(t, cfg)
	ctx := context.Background()
	create(t, r, "u1", "t1", "", "")
	clock.advance(25 * time.Minute)

	res := r.RefreshSession(ctx, "r-t1", "", "")
	require.True(t, res.Success)
	require.Equal(t, "t1", res.NewSessionToken)
	require.Equal(t, "r-t1", res.NewRefreshToken)
	clock.advance(25 * time.Minute)
	require.True(t, r.ValidateSession(ctx, "t1", "", "").Valid)
}

func TestRefreshRejectsRevokedAndExpired(t *testing.T) {
	r, _, clock := newRegistry(t, DefaultConfig())
	ctx := context.Background()
	create(t, r, "u1", "t1", "", "")
	create(t, r, "u1", "t2", "", "")
	r.InvalidateSession(ctx, "t1", "", "", "", "")

	res := r.RefreshSession(ctx, "r-t1", "", "")
	require.False(t, res.Success)
	require.Equal(t, "Session revoked", res.Reason)

	clock.advance(time.Hour)
	res = r.RefreshSession(ctx, "r-t2", "", "")
	require.False(t, res.Success)
	require.Equal(t, "Session expired", res.Reason)

	require.Equal(t, "Invalid refresh token", r.RefreshSession(ctx, "bogus", "", "").Reason)
}

func TestCleanupRemovesExpiredAndInactive(t *testing.T) {
	r, _, clock := newRegistry(t, DefaultConfig())
	ctx := context.Background()
	create(t, r, "u1", "t1", "", "")
	create(t, r, "u2", "t2", "", "")
	r.InvalidateSession(ctx, "t2", "", "", "", "")
	clock.advance(20 * time.Minute)
	create(t, r, "u3", "t3", "", "")
	clock.advance(11 * time.Minute)

	require.Equal(t, 2, r.CleanupExpiredSessions(ctx))
	require.Equal(t, "Session not found", r.ValidateSession(ctx, "t1", "", "").Reason)
	require.True(t, r.ValidateSession(ctx, "t3", "", "").Valid)
	require.Equal(t, 0, r.CleanupExpiredSessions(ctx))
	require.Equal(t, "Invalid refresh token", r.RefreshSession(ctx, "r-t1", "", "").Reason)
}

func TestSuspiciousNewIP(t *testing.T) {
	r, log, _ := newRegistry(t, DefaultConfig())
	ctx := context.Background()
	create(t, r, "u1", "t1", "ip1", "ua1")

	res := r.CheckSuspiciousActivity(ctx, "u1", "ip2", "ua1")
	require.True(t, res.Suspicious)
	require.Contains(t, res.Reasons, "Multiple IP addresses detected")
	require.NotContains(t, res.Reasons, "Multiple devices detected")
	require.Len(t, log.Query(audit.Filter{Type: audit.EventUnauthorizedAccess}), 1)

	res = r.CheckSuspiciousActivity(ctx, "u1", "ip1", "ua1")
	require.False(t, res.Suspicious)
	require.Empty(t, res.Reasons)

	res = r.CheckSuspiciousActivity(ctx, "fresh-user", "ip9", "ua9")
	require.False(t, res.Suspicious)
}

func TestSuspiciousNewDeviceAndRapidCreation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentSessions = 2
	r, _, clock := newRegistry(t, cfg)
	ctx := context.Background()
	for _, tok := range []string{"t1", "t2", "t3"} {
		create(t, r, "u1", tok, "ip1", "ua1")
	}
	res := r.CheckSuspiciousActivity(ctx, "u1", "ip1", "ua2")
	require.True(t, res.Suspicious)
	require.Equal(t, []string{"Multiple devices detected", "Rapid session creation detected"}, res.Reasons)

	clock.advance(RapidCreationWindow)
	res = r.CheckSuspiciousActivity(ctx, "u1", "ip1", "ua1")
	require.False(t, res.Suspicious)
}

func TestFingerprintMismatchAuditsOnly(t *testing.T) {
	r, log, _ := newRegistry(t, DefaultConfig())
	ctx := context.Background()
	create(t, r, "u1", "t1", "ip1", "ua1")
	require.True(t, r.ValidateSession(ctx, "t1", "ip1", "ua-other").Valid)
	events := log.Query(audit.Filter{Type: audit.EventUnauthorizedAccess})
	require.Len(t, events, 1)
	require.Equal(t, "session_fingerprint_mismatch", events[0].Action)
}

func TestStats(t *testing.T) {
	r, _, clock := newRegistry(t, DefaultConfig())
	ctx := context.Background()
	create(t, r, "u1", "t1", "", "")
	clock.advance(10 * time.Minute)
	create(t, r, "u2", "t2", "", "")
	create(t, r, "u3", "t3", "", "")
	r.InvalidateSession(ctx, "t3", "", "", "", "")
	clock.advance(10 * time.Minute)

	st := r.Stats()
	require.Equal(t, 3, st.TotalSessions)
	require.Equal(t, 2, st.ActiveSessions)
	require.Equal(t, 1, st.RevokedSessions)
	require.Equal(t, 0, st.ExpiredSessions)
	require.InDelta(t, 15.0, st.AverageSessionDuration, 0.001)

	clock.advance(15 * time.Minute)
	st = r.Stats()
	require.Equal(t, 1, st.ExpiredSessions)
	require.Equal(t, 1, st.ActiveSessions)
}

func TestUpdateConfigValidates(t *testing.T) {
	r, log, clock := newRegistry(t, DefaultConfig())
	ctx := context.Background()
	bad := DefaultConfig()
	bad.MaxConcurrentSessions = 0
	require.Error(t, r.UpdateConfig(ctx, bad, "root"))

	next := DefaultConfig()
	next.SessionTimeout = 5 * time.Minute
	require.NoError(t, r.UpdateConfig(ctx, next, "root"))
	require.Equal(t, 5*time.Minute, r.Config().SessionTimeout)
	s := create(t, r, "u1", "t1", "", "")
	require.Equal(t, clock.now().Add(5*time.Minute), s.ExpiresAt)
	events := log.Query(audit.Filter{Type: audit.EventDataModification})
	require.Len(t, events, 2)
	require.Equal(t, "create_session", events[0].Action)
	require.Equal(t, "update_session_config", events[1].Action)
}

func TestConcurrentAccess(t *testing.T) {
	r, _, _ := newRegistry(t, DefaultConfig())
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok := NewToken()
			if _, err := r.CreateSession(ctx, NewSession{UserID: "u1", SessionToken: tok}); err != nil {
				errs <- err
				return
			}
			r.ValidateSession(ctx, tok, "", "")
			r.Stats()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	active := 0
	for _, s := range r.UserSessions("u1") {
		if s.Status == StatusActive {
			active++
		}
	}
	require.Equal(t, 3, active)
}
