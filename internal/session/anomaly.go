package session

import (
	"context"
)

const (
	reasonMultipleIPs     = "Multiple IP addresses detected"
	reasonMultipleDevices = "Multiple devices detected"
	reasonRapidCreation   = "Rapid session creation detected"
)

// CheckSuspiciousActivity compares the current request against the user's
// known sessions. A new IP or user agent is flagged only when it makes the
// user's history span more than one value. Flags are audited but never block.
func (r *Registry) CheckSuspiciousActivity(ctx context.Context, userID, ip, ua string) Suspicion {
	r.mu.Lock()
	now := r.now()
	limit := r.cfg.MaxConcurrentSessions
	ips := map[string]struct{}{}
	agents := map[string]struct{}{}
	recent := 0
	for _, s := range r.sessions {
		if s.UserID != userID {
			continue
		}
		if s.IPAddress != "" {
			ips[s.IPAddress] = struct{}{}
		}
		if s.UserAgent != "" {
			agents[s.UserAgent] = struct{}{}
		}
		if now.Sub(s.CreatedAt) < RapidCreationWindow {
			recent++
		}
	}
	r.mu.Unlock()

	result := Suspicion{Reasons: []string{}}
	if isNewAmongMany(ips, ip) {
		result.Reasons = append(result.Reasons, reasonMultipleIPs)
	}
	if isNewAmongMany(agents, ua) {
		result.Reasons = append(result.Reasons, reasonMultipleDevices)
	}
	if recent > limit {
		result.Reasons = append(result.Reasons, reasonRapidCreation)
	}
	if len(result.Reasons) == 0 {
		return result
	}
	result.Suspicious = true
	r.audit.LogSecurityEvent(ctx, userID, "suspicious_activity", "Suspicious session activity detected", "",
		map[string]any{"reasons": result.Reasons, "recentSessions": recent}, ip, ua)
	return result
}

// isNewAmongMany reports whether current is absent from a non-empty history,
// which leaves more than one distinct value once it is added.
func isNewAmongMany(known map[string]struct{}, current string) bool {
	if current == "" || len(known) == 0 {
		return false
	}
	_, seen := known[current]
	return !seen
}
