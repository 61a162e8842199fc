package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/paveline/backend-pavedeck/internal/events"
	"github.com/paveline/backend-pavedeck/internal/obs"
	"github.com/paveline/backend-pavedeck/internal/store"
)

// Metered actions recognised by the gate.
const (
	ActionCreateProposal = "create_proposal"
	ActionCallAI         = "call_ai"
	ActionSendEmail      = "send_email"
	ActionAddTeamMember  = "add_team_member"
	ActionUploadStorage  = "upload_storage"
)

// Unlimited is the plan-limit sentinel for dimensions without a cap.
const Unlimited = -1

// ErrUnknownAction is returned for actions outside the metered set.
var ErrUnknownAction = errors.New("quota: unknown action")

var actionDimensions = map[string]string{
	ActionCreateProposal: store.DimProposals,
	ActionCallAI:         store.DimAICalls,
	ActionSendEmail:      store.DimEmails,
	ActionAddTeamMember:  store.DimTeamMembers,
	ActionUploadStorage:  store.DimStorageMB,
}

// Status is the derived quota position for one dimension. Never persisted;
// recomputed on every read from counters and plan limits.
type Status struct {
	Limit       int64   `json:"limit"`
	Used        int64   `json:"used"`
	Remaining   int64   `json:"remaining"`
	PercentUsed float64 `json:"percentUsed"`
	IsUnlimited bool    `json:"isUnlimited"`
	IsExceeded  bool    `json:"isExceeded"`
}

// ComputeStatus derives a Status from a plan limit and current usage.
func ComputeStatus(limit, used int64) Status {
	if limit == Unlimited {
		return Status{Limit: limit, Used: used, Remaining: Unlimited, IsUnlimited: true}
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	var percent float64
	if limit > 0 {
		percent = float64(used) / float64(limit) * 100
	} else if used > 0 {
		percent = 100
	}
	return Status{
		Limit:       limit,
		Used:        used,
		Remaining:   remaining,
		PercentUsed: percent,
		IsExceeded:  used >= limit,
	}
}

// Decision is the structured outcome of a gate check. Denials are results,
// not errors, so callers can explain them.
type Decision struct {
	Allowed bool    `json:"allowed"`
	Reason  string  `json:"reason,omitempty"`
	Upgrade string  `json:"upgrade,omitempty"`
	Status  *Status `json:"status,omitempty"`
}

// Querier captures the database methods required by the quota gate.
type Querier interface {
	GetOrg(ctx context.Context, id uuid.UUID) (store.Org, error)
	GetPlan(ctx context.Context, id string) (store.Plan, error)
	GetUsage(ctx context.Context, orgID uuid.UUID, periodStart time.Time) (store.UsageCounters, error)
	IncrementUsage(ctx context.Context, orgID uuid.UUID, dimension string, delta int64) error
	SetUsage(ctx context.Context, orgID uuid.UUID, dimension string, value int64) error
	ArchiveUsage(ctx context.Context, u store.UsageCounters) error
	ResetUsage(ctx context.Context, orgID uuid.UUID, newPeriod time.Time) error
	ListStaleUsageOrgs(ctx context.Context, before time.Time, limit int32) ([]uuid.UUID, error)
}

// Locker serialises the monthly rollover across instances.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Publisher emits domain events to the outbox bus.
type Publisher interface {
	Emit(ctx context.Context, orgID uuid.UUID, topic string, aggregateID uuid.UUID, payload any) (store.DomainEvent, error)
}

// Gate enforces plan limits on metered actions.
type Gate struct {
	Q       Querier
	R       *redis.Client
	Lock    Locker
	Bus     Publisher
	Now     func() time.Time
	LockTTL time.Duration

	// CacheTTL bounds how long the redis usage counter serves gate checks
	// before the next check re-seeds it from the store. Zero means 1h.
	CacheTTL time.Duration
}

// CanPerformAction checks the org's current-period usage against its plan
// limit for the action's dimension. Comped orgs bypass every check.
func (g *Gate) CanPerformAction(ctx context.Context, orgID uuid.UUID, action string, qty int64) (Decision, error) {
	if g == nil || g.Q == nil {
		return Decision{}, errors.New("quota gate not configured")
	}
	dimension, ok := actionDimensions[action]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if qty <= 0 {
		qty = 1
	}
	org, err := g.Q.GetOrg(ctx, orgID)
	if err != nil {
		return Decision{}, fmt.Errorf("quota: load org: %w", err)
	}
	if org.Comped {
		observeDecision(action, "comped")
		return Decision{Allowed: true, Reason: "organisation is comped"}, nil
	}

	period := monthStart(g.now())
	used, cached := g.cachedUsed(ctx, orgID, dimension, period)
	if !cached {
		usage, err := g.currentUsage(ctx, org)
		if err != nil {
			return Decision{}, err
		}
		used = dimensionValue(usage, dimension)
		g.seedUsageCache(ctx, orgID, dimension, period, used)
	}
	plan, err := g.Q.GetPlan(ctx, org.PlanID)
	if err != nil {
		return Decision{}, fmt.Errorf("quota: load plan: %w", err)
	}

	status := ComputeStatus(planLimit(plan, dimension), used)
	if status.IsUnlimited {
		observeDecision(action, "allowed")
		return Decision{Allowed: true, Status: &status}, nil
	}
	if status.Remaining < qty {
		observeDecision(action, "denied")
		if g.Bus != nil {
			_, _ = g.Bus.Emit(ctx, orgID, events.TopicQuotaExceeded, orgID, map[string]any{
				"action":    action,
				"dimension": dimension,
				"limit":     status.Limit,
				"used":      status.Used,
				"requested": qty,
			})
		}
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("%s limit reached (%d of %d used this period)", dimension, status.Used, status.Limit),
			Upgrade: "upgrade your plan to raise this limit",
			Status:  &status,
		}, nil
	}
	observeDecision(action, "allowed")
	return Decision{Allowed: true, Status: &status}, nil
}

// Record adds consumed quantity to the action's dimension after the action
// succeeded. The store increment is atomic; when it is unavailable the gate
// falls back to read-modify-write, which is eventually consistent under
// concurrent writers.
func (g *Gate) Record(ctx context.Context, orgID uuid.UUID, action string, qty int64) error {
	if g == nil || g.Q == nil {
		return errors.New("quota gate not configured")
	}
	dimension, ok := actionDimensions[action]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if qty <= 0 {
		qty = 1
	}
	period := monthStart(g.now())
	if err := g.Q.IncrementUsage(ctx, orgID, dimension, qty); err != nil {
		usage, readErr := g.Q.GetUsage(ctx, orgID, period)
		if readErr != nil {
			return fmt.Errorf("quota: increment %s: %w", dimension, err)
		}
		if setErr := g.Q.SetUsage(ctx, orgID, dimension, dimensionValue(usage, dimension)+qty); setErr != nil {
			return fmt.Errorf("quota: fallback increment %s: %w", dimension, setErr)
		}
	}
	if g.R != nil {
		// Only bump an existing counter; a key created here would start
		// from qty and undercount until the next gate check re-seeds it.
		const script = `if redis.call("exists", KEYS[1]) == 1 then
  return redis.call("incrby", KEYS[1], ARGV[1])
end
return -1`
		_ = g.R.Eval(ctx, script, []string{usageKey(orgID, dimension, period)}, qty).Err()
	}
	return nil
}

// cachedUsed reads the redis mirror of one dimension's counter. The key is
// month-scoped, so a stale key from a prior period can never satisfy a
// current-period check and the store rollover still fires on the miss.
func (g *Gate) cachedUsed(ctx context.Context, orgID uuid.UUID, dimension string, period time.Time) (int64, bool) {
	if g.R == nil {
		return 0, false
	}
	used, err := g.R.Get(ctx, usageKey(orgID, dimension, period)).Int64()
	if err != nil {
		return 0, false
	}
	return used, true
}

func (g *Gate) seedUsageCache(ctx context.Context, orgID uuid.UUID, dimension string, period time.Time, used int64) {
	if g.R == nil {
		return
	}
	_ = g.R.Set(ctx, usageKey(orgID, dimension, period), used, g.cacheTTL()).Err()
}

func (g *Gate) cacheTTL() time.Duration {
	if g.CacheTTL > 0 {
		return g.CacheTTL
	}
	return time.Hour
}

func usageKey(orgID uuid.UUID, dimension string, period time.Time) string {
	return fmt.Sprintf("usage:%s:%s:%s", orgID, dimension, period.Format("2006-01"))
}

// UsageReport returns the status for every dimension at once.
func (g *Gate) UsageReport(ctx context.Context, orgID uuid.UUID) (map[string]Status, error) {
	org, err := g.Q.GetOrg(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("quota: load org: %w", err)
	}
	usage, err := g.currentUsage(ctx, org)
	if err != nil {
		return nil, err
	}
	plan, err := g.Q.GetPlan(ctx, org.PlanID)
	if err != nil {
		return nil, fmt.Errorf("quota: load plan: %w", err)
	}
	report := make(map[string]Status, len(actionDimensions))
	for _, dim := range []string{store.DimProposals, store.DimAICalls, store.DimEmails, store.DimTeamMembers, store.DimStorageMB} {
		report[dim] = ComputeStatus(planLimit(plan, dim), dimensionValue(usage, dim))
	}
	return report, nil
}

// currentUsage loads the counters and, when the stored period is older than
// the current calendar month, archives and resets them under a distributed
// lock. Storage survives the reset.
func (g *Gate) currentUsage(ctx context.Context, org store.Org) (store.UsageCounters, error) {
	now := g.now()
	period := monthStart(now)
	usage, err := g.Q.GetUsage(ctx, org.ID, period)
	if err != nil {
		return store.UsageCounters{}, fmt.Errorf("quota: load usage: %w", err)
	}
	if !usage.PeriodStart.Before(period) {
		return usage, nil
	}

	rollover := func(ctx context.Context) error {
		current, err := g.Q.GetUsage(ctx, org.ID, period)
		if err != nil {
			return err
		}
		if !current.PeriodStart.Before(period) {
			usage = current
			return nil
		}
		if err := g.Q.ArchiveUsage(ctx, current); err != nil {
			return err
		}
		if err := g.Q.ResetUsage(ctx, org.ID, period); err != nil {
			return err
		}
		usage, err = g.Q.GetUsage(ctx, org.ID, period)
		return err
	}
	if g.Lock != nil {
		key := "quota:rollover:" + org.ID.String()
		if err := g.Lock.WithLock(ctx, key, g.lockTTL(), rollover); err != nil {
			return store.UsageCounters{}, fmt.Errorf("quota: rollover: %w", err)
		}
		return usage, nil
	}
	if err := rollover(ctx); err != nil {
		return store.UsageCounters{}, fmt.Errorf("quota: rollover: %w", err)
	}
	return usage, nil
}

// RolloverStale archives and resets counters still parked in a previous
// month without waiting for the org's next gate check. The worker calls
// this on a schedule; limit bounds one sweep.
func (g *Gate) RolloverStale(ctx context.Context, limit int32) (int, error) {
	if g == nil || g.Q == nil {
		return 0, errors.New("quota gate not configured")
	}
	period := monthStart(g.now())
	ids, err := g.Q.ListStaleUsageOrgs(ctx, period, limit)
	if err != nil {
		return 0, fmt.Errorf("quota: list stale usage: %w", err)
	}
	rolled := 0
	for _, id := range ids {
		org, err := g.Q.GetOrg(ctx, id)
		if err != nil {
			return rolled, fmt.Errorf("quota: load org %s: %w", id, err)
		}
		if _, err := g.currentUsage(ctx, org); err != nil {
			return rolled, err
		}
		rolled++
	}
	return rolled, nil
}

func (g *Gate) now() time.Time {
	if g != nil && g.Now != nil {
		return g.Now()
	}
	return time.Now().UTC()
}

func (g *Gate) lockTTL() time.Duration {
	if g.LockTTL > 0 {
		return g.LockTTL
	}
	return 15 * time.Second
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func planLimit(p store.Plan, dimension string) int64 {
	switch dimension {
	case store.DimProposals:
		return p.ProposalsPerMonth
	case store.DimAICalls:
		return p.AICallsPerMonth
	case store.DimEmails:
		return p.EmailsPerMonth
	case store.DimTeamMembers:
		return p.TeamMembers
	case store.DimStorageMB:
		return p.StorageMB
	default:
		return 0
	}
}

func dimensionValue(u store.UsageCounters, dimension string) int64 {
	switch dimension {
	case store.DimProposals:
		return u.Proposals
	case store.DimAICalls:
		return u.AICalls
	case store.DimEmails:
		return u.Emails
	case store.DimTeamMembers:
		return u.TeamMembers
	case store.DimStorageMB:
		return u.StorageMB
	default:
		return 0
	}
}

func observeDecision(action, result string) {
	if obs.QuotaDecisionTotal == nil {
		return
	}
	obs.QuotaDecisionTotal.WithLabelValues(action, result).Inc()
}
