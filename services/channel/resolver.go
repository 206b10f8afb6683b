package channel

import (
	"time"

	"github.com/Phillboard/mobul-sub010/pkg/messaging"
)

// Snapshot is the state of one level as read at resolution time.
// A nil Account means the level has nothing configured.
type Snapshot struct {
	Level   Level
	Account *Account
}

type Policy struct {
	RevalidationWindow time.Duration
}

type LevelTrace struct {
	Level             Level  `json:"level"`
	AccountID         string `json:"account_id,omitempty"`
	Available         bool   `json:"available"`
	Reason            Reason `json:"reason"`
	NeedsRevalidation bool   `json:"needs_revalidation,omitempty"`
}

type ActiveAccount struct {
	AccountID         string             `json:"account_id"`
	Level             Level              `json:"level"`
	Provider          messaging.Provider `json:"provider"`
	CredentialsRef    string             `json:"credentials_ref"`
	Reason            Reason             `json:"reason"`
	NeedsRevalidation bool               `json:"needs_revalidation,omitempty"`
}

func (a *ActiveAccount) Ref() messaging.AccountRef {
	return messaging.AccountRef{Provider: a.Provider, CredentialsRef: a.CredentialsRef}
}

// Resolution carries the winner, if any, and the trace of every level.
// When nothing is available, RetryAfter is the earliest moment a level
// recovers without operator action (a circuit closing or a usage month
// rolling over). It stays nil when only an account change can help.
type Resolution struct {
	Active        *ActiveAccount `json:"active,omitempty"`
	FallbackChain []LevelTrace   `json:"fallback_chain"`
	RetryAfter    *time.Time     `json:"retry_after,omitempty"`
}

// Resolve walks the snapshots in order and picks the first available level.
// Every level is traced, including those after the winner.
func Resolve(now time.Time, snapshots []Snapshot, policy Policy) Resolution {
	res := Resolution{FallbackChain: make([]LevelTrace, 0, len(snapshots))}

	for _, snap := range snapshots {
		trace := evaluate(now, snap, policy)
		res.FallbackChain = append(res.FallbackChain, trace)

		if trace.Available && res.Active == nil {
			res.Active = &ActiveAccount{
				AccountID:         snap.Account.AccountID,
				Level:             snap.Level,
				Provider:          snap.Account.Provider,
				CredentialsRef:    snap.Account.CredentialsRef,
				Reason:            trace.Reason,
				NeedsRevalidation: trace.NeedsRevalidation,
			}
		}
	}

	if res.Active == nil {
		for _, snap := range snapshots {
			at := recoversAt(now, snap.Account)
			if at != nil && (res.RetryAfter == nil || at.Before(*res.RetryAfter)) {
				res.RetryAfter = at
			}
		}
	}
	return res
}

// recoversAt is when an unavailable account becomes available on its own,
// assuming nothing else about it changes.
func recoversAt(now time.Time, a *Account) *time.Time {
	if a == nil || a.CredentialsRef == "" || !a.Enabled || !a.Validated {
		return nil
	}

	var at time.Time
	if a.CircuitOpenUntil != nil && now.Before(*a.CircuitOpenUntil) {
		at = *a.CircuitOpenUntil
	}
	if overLimit(now, a) {
		u := now.UTC()
		rollover := time.Date(u.Year(), u.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		if rollover.After(at) {
			at = rollover
		}
	}
	if at.IsZero() {
		return nil
	}
	return &at
}

func evaluate(now time.Time, snap Snapshot, policy Policy) LevelTrace {
	trace := LevelTrace{Level: snap.Level}

	a := snap.Account
	if a == nil || a.CredentialsRef == "" {
		trace.Reason = ReasonNotConfigured
		return trace
	}
	trace.AccountID = a.AccountID

	switch {
	case !a.Enabled:
		trace.Reason = ReasonDisabled
	case !a.Validated:
		trace.Reason = ReasonNotValidated
	case a.CircuitOpenUntil != nil && now.Before(*a.CircuitOpenUntil):
		trace.Reason = ReasonCircuitOpen
	case overLimit(now, a):
		trace.Reason = ReasonOverLimit
	default:
		trace.Available = true
		trace.Reason = ReasonAvailable
		trace.NeedsRevalidation = policy.RevalidationWindow > 0 &&
			(a.LastValidatedAt == nil || now.Sub(*a.LastValidatedAt) > policy.RevalidationWindow)
	}
	return trace
}

// overLimit treats usage from a previous month as zero.
func overLimit(now time.Time, a *Account) bool {
	if a.MonthlyUsageLimit <= 0 || a.UsageMonth != usageMonth(now) {
		return false
	}
	return a.CurrentMonthUsage >= a.MonthlyUsageLimit
}
