package abtest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/paveline/backend-pavedeck/internal/events"
	"github.com/paveline/backend-pavedeck/internal/obs"
	"github.com/paveline/backend-pavedeck/internal/store"
)

// Test lifecycle states.
const (
	StatusDraft     = "draft"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// ErrTestNotFound is returned when a test does not exist in the org.
var ErrTestNotFound = errors.New("test not found")

// ErrVariantNotFound is returned when a variant does not belong to the test.
var ErrVariantNotFound = errors.New("variant not found")

// ErrTestNotRunning is returned when a new assignment is requested for a test
// that is not accepting traffic.
var ErrTestNotRunning = errors.New("test is not running")

// ErrInvalidTransition is returned for lifecycle moves the state machine does
// not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrNeedOneControl is returned when a test is not created with exactly one
// control arm.
var ErrNeedOneControl = errors.New("exactly one control variant is required")

// ErrAllocationRange is returned when a traffic allocation is outside [0,100]
// or the combined allocation exceeds 100.
var ErrAllocationRange = errors.New("traffic allocations must lie within [0,100] and sum to at most 100")

// transitions lists the allowed lifecycle moves.
var transitions = map[string][]string{
	StatusDraft:   {StatusRunning},
	StatusRunning: {StatusPaused, StatusCompleted},
	StatusPaused:  {StatusRunning, StatusCompleted},
}

// Querier is the persistence surface the experiment service depends on.
type Querier interface {
	InsertABTest(ctx context.Context, orgID uuid.UUID, name string) (store.ABTest, error)
	GetABTest(ctx context.Context, orgID, id uuid.UUID) (store.ABTest, error)
	ListABTests(ctx context.Context, orgID uuid.UUID, limit, offset int32) ([]store.ABTest, error)
	UpdateABTestStatus(ctx context.Context, orgID, id uuid.UUID, status string) error
	InsertABVariant(ctx context.Context, arg store.InsertABVariantParams) (store.ABVariant, error)
	ListABVariants(ctx context.Context, testID uuid.UUID) ([]store.ABVariant, error)
	GetABVariant(ctx context.Context, id uuid.UUID) (store.ABVariant, error)
	GetABAssignment(ctx context.Context, testID uuid.UUID, userID string) (store.ABAssignment, error)
	InsertABAssignment(ctx context.Context, testID uuid.UUID, userID string, variantID uuid.UUID) error
	IncrementABImpressions(ctx context.Context, variantID uuid.UUID) error
	RecordABConversion(ctx context.Context, variantID uuid.UUID, revenue float64) error
}

// Publisher emits domain events onto the outbox.
type Publisher interface {
	Emit(ctx context.Context, orgID uuid.UUID, topic string, aggregateID uuid.UUID, payload any) (store.DomainEvent, error)
}

// Service runs discount experiments: lifecycle, sticky assignment and results.
// Draw returns a uniform value in [0,100); it defaults to math/rand and is a
// field so tests can pin the dice.
type Service struct {
	Q    Querier
	R    *redis.Client
	Bus  Publisher
	Draw func() float64

	// CacheTTL bounds how long a sticky assignment lives in redis before the
	// next lookup falls through to the database. Zero means 24h.
	CacheTTL time.Duration
}

func (s *Service) draw() float64 {
	if s.Draw != nil {
		return s.Draw()
	}
	return rand.Float64() * 100
}

func (s *Service) cacheTTL() time.Duration {
	if s.CacheTTL > 0 {
		return s.CacheTTL
	}
	return 24 * time.Hour
}

func assignmentCacheKey(testID uuid.UUID, userID string) string {
	return fmt.Sprintf("ab:assign:%s:%s", testID, userID)
}

// VariantParams describes one arm at creation time.
type VariantParams struct {
	Name              string
	IsControl         bool
	TrafficAllocation float64
	DiscountPercent   float64
}

// CreateTestParams describes a new experiment with its arms.
type CreateTestParams struct {
	Name     string
	Variants []VariantParams
}

// TestDetail bundles a test with its variants.
type TestDetail struct {
	Test     store.ABTest
	Variants []store.ABVariant
}

// CreateTest registers a draft experiment. Exactly one control arm is
// required and the combined traffic allocation may not exceed 100.
func (s *Service) CreateTest(ctx context.Context, orgID uuid.UUID, arg CreateTestParams) (TestDetail, error) {
	controls := 0
	total := 0.0
	for _, v := range arg.Variants {
		if v.IsControl {
			controls++
		}
		if v.TrafficAllocation < 0 || v.TrafficAllocation > 100 {
			return TestDetail{}, ErrAllocationRange
		}
		total += v.TrafficAllocation
	}
	if controls != 1 {
		return TestDetail{}, ErrNeedOneControl
	}
	if total > 100+1e-9 {
		return TestDetail{}, ErrAllocationRange
	}

	test, err := s.Q.InsertABTest(ctx, orgID, arg.Name)
	if err != nil {
		return TestDetail{}, fmt.Errorf("abtest: insert test: %w", err)
	}
	variants := make([]store.ABVariant, 0, len(arg.Variants))
	for i, v := range arg.Variants {
		row, err := s.Q.InsertABVariant(ctx, store.InsertABVariantParams{
			TestID:            test.ID,
			Name:              v.Name,
			IsControl:         v.IsControl,
			Position:          int32(i),
			TrafficAllocation: v.TrafficAllocation,
			DiscountPercent:   v.DiscountPercent,
		})
		if err != nil {
			return TestDetail{}, fmt.Errorf("abtest: insert variant: %w", err)
		}
		variants = append(variants, row)
	}
	return TestDetail{Test: test, Variants: variants}, nil
}

// Get loads a test with its variants.
func (s *Service) Get(ctx context.Context, orgID, id uuid.UUID) (TestDetail, error) {
	test, err := s.Q.GetABTest(ctx, orgID, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TestDetail{}, ErrTestNotFound
		}
		return TestDetail{}, fmt.Errorf("abtest: get test: %w", err)
	}
	variants, err := s.Q.ListABVariants(ctx, test.ID)
	if err != nil {
		return TestDetail{}, fmt.Errorf("abtest: list variants: %w", err)
	}
	return TestDetail{Test: test, Variants: variants}, nil
}

// List returns an org's tests.
func (s *Service) List(ctx context.Context, orgID uuid.UUID, limit, offset int32) ([]store.ABTest, error) {
	return s.Q.ListABTests(ctx, orgID, limit, offset)
}

// Transition moves a test between lifecycle states, enforcing
// draft → running ⇄ paused → completed.
func (s *Service) Transition(ctx context.Context, orgID, id uuid.UUID, target string) (store.ABTest, error) {
	test, err := s.Q.GetABTest(ctx, orgID, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ABTest{}, ErrTestNotFound
		}
		return store.ABTest{}, fmt.Errorf("abtest: get test: %w", err)
	}
	allowed := false
	for _, next := range transitions[test.Status] {
		if next == target {
			allowed = true
			break
		}
	}
	if !allowed {
		return store.ABTest{}, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, test.Status, target)
	}
	if err := s.Q.UpdateABTestStatus(ctx, orgID, id, target); err != nil {
		return store.ABTest{}, fmt.Errorf("abtest: update status: %w", err)
	}
	test.Status = target
	return test, nil
}

// VariantForUser returns the user's sticky variant, assigning one on first
// contact. Assignment draws a uniform value in [0,100) and walks the ordered
// arms (control first) accumulating traffic allocation; an under-allocated
// configuration falls back to control. Concurrent first assignments are
// first-write-wins through the (test, user) uniqueness constraint.
func (s *Service) VariantForUser(ctx context.Context, orgID, testID uuid.UUID, userID string) (store.ABVariant, error) {
	if s.R != nil {
		if cached, err := s.R.Get(ctx, assignmentCacheKey(testID, userID)).Result(); err == nil {
			if variantID, err := uuid.Parse(cached); err == nil {
				if v, err := s.Q.GetABVariant(ctx, variantID); err == nil {
					s.observe("cache")
					return v, nil
				}
			}
		}
	}

	test, err := s.Q.GetABTest(ctx, orgID, testID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ABVariant{}, ErrTestNotFound
		}
		return store.ABVariant{}, fmt.Errorf("abtest: get test: %w", err)
	}

	existing, err := s.Q.GetABAssignment(ctx, testID, userID)
	if err == nil {
		s.cacheAssignment(ctx, testID, userID, existing.VariantID)
		v, err := s.Q.GetABVariant(ctx, existing.VariantID)
		if err != nil {
			return store.ABVariant{}, fmt.Errorf("abtest: get variant: %w", err)
		}
		s.observe("store")
		return v, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return store.ABVariant{}, fmt.Errorf("abtest: get assignment: %w", err)
	}

	if test.Status != StatusRunning {
		return store.ABVariant{}, ErrTestNotRunning
	}
	variants, err := s.Q.ListABVariants(ctx, testID)
	if err != nil {
		return store.ABVariant{}, fmt.Errorf("abtest: list variants: %w", err)
	}
	if len(variants) == 0 {
		return store.ABVariant{}, ErrVariantNotFound
	}
	chosen := pickVariant(variants, s.draw())

	if err := s.Q.InsertABAssignment(ctx, testID, userID, chosen.ID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// another request assigned first; their write wins
			winner, err := s.Q.GetABAssignment(ctx, testID, userID)
			if err != nil {
				return store.ABVariant{}, fmt.Errorf("abtest: reread assignment: %w", err)
			}
			s.cacheAssignment(ctx, testID, userID, winner.VariantID)
			v, err := s.Q.GetABVariant(ctx, winner.VariantID)
			if err != nil {
				return store.ABVariant{}, fmt.Errorf("abtest: get variant: %w", err)
			}
			s.observe("conflict")
			return v, nil
		}
		return store.ABVariant{}, fmt.Errorf("abtest: insert assignment: %w", err)
	}
	s.cacheAssignment(ctx, testID, userID, chosen.ID)
	s.observe("new")
	return chosen, nil
}

func (s *Service) cacheAssignment(ctx context.Context, testID uuid.UUID, userID string, variantID uuid.UUID) {
	if s.R == nil {
		return
	}
	// cache is an optimization; a miss just falls through to the store
	s.R.Set(ctx, assignmentCacheKey(testID, userID), variantID.String(), s.cacheTTL())
}

// pickVariant walks arms in listed order accumulating traffic allocation and
// selects the arm whose cumulative range contains the draw. When allocations
// sum below the draw the control arm wins.
func pickVariant(variants []store.ABVariant, draw float64) store.ABVariant {
	cumulative := 0.0
	for _, v := range variants {
		cumulative += v.TrafficAllocation
		if draw < cumulative {
			return v
		}
	}
	for _, v := range variants {
		if v.IsControl {
			return v
		}
	}
	return variants[0]
}

// RecordImpression bumps a variant's impression counter.
func (s *Service) RecordImpression(ctx context.Context, orgID, testID, variantID uuid.UUID) error {
	if err := s.checkVariant(ctx, orgID, testID, variantID); err != nil {
		return err
	}
	if err := s.Q.IncrementABImpressions(ctx, variantID); err != nil {
		return fmt.Errorf("abtest: increment impressions: %w", err)
	}
	return nil
}

// RecordConversion bumps a variant's conversion counter, accumulates revenue
// and emits the conversion event.
func (s *Service) RecordConversion(ctx context.Context, orgID, testID, variantID uuid.UUID, revenue float64) error {
	if err := s.checkVariant(ctx, orgID, testID, variantID); err != nil {
		return err
	}
	if err := s.Q.RecordABConversion(ctx, variantID, revenue); err != nil {
		return fmt.Errorf("abtest: record conversion: %w", err)
	}
	if _, err := s.Bus.Emit(ctx, orgID, events.TopicABTestConverted, testID, map[string]any{
		"testId":    testID,
		"variantId": variantID,
		"revenue":   revenue,
	}); err != nil {
		return fmt.Errorf("abtest: emit converted: %w", err)
	}
	return nil
}

func (s *Service) checkVariant(ctx context.Context, orgID, testID, variantID uuid.UUID) error {
	if _, err := s.Q.GetABTest(ctx, orgID, testID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrTestNotFound
		}
		return fmt.Errorf("abtest: get test: %w", err)
	}
	v, err := s.Q.GetABVariant(ctx, variantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrVariantNotFound
		}
		return fmt.Errorf("abtest: get variant: %w", err)
	}
	if v.TestID != testID {
		return ErrVariantNotFound
	}
	return nil
}

// VariantResult is one arm's aggregate outcome. Significance compares the arm
// against the control and is 0 for the control itself.
type VariantResult struct {
	Variant        store.ABVariant `json:"variant"`
	ConversionRate float64         `json:"conversionRate"`
	Significance   float64         `json:"significance"`
}

// Results reports conversion rates and control-relative significance for
// every arm of a test.
func (s *Service) Results(ctx context.Context, orgID, testID uuid.UUID) ([]VariantResult, error) {
	det, err := s.Get(ctx, orgID, testID)
	if err != nil {
		return nil, err
	}
	var control *store.ABVariant
	for i := range det.Variants {
		if det.Variants[i].IsControl {
			control = &det.Variants[i]
			break
		}
	}
	out := make([]VariantResult, 0, len(det.Variants))
	for _, v := range det.Variants {
		res := VariantResult{
			Variant:        v,
			ConversionRate: ConversionRate(v.Impressions, v.Conversions),
		}
		if control != nil && v.ID != control.ID {
			res.Significance = Significance(control.Impressions, control.Conversions, v.Impressions, v.Conversions)
		}
		out = append(out, res)
	}
	return out, nil
}

func (s *Service) observe(path string) {
	if obs.ABAssignmentTotal != nil {
		obs.ABAssignmentTotal.WithLabelValues(path).Inc()
	}
}
