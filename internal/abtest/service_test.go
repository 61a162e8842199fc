package abtest

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/paveline/backend-pavedeck/internal/events"
	"github.com/paveline/backend-pavedeck/internal/store"
)

type assignmentKey struct {
	testID uuid.UUID
	userID string
}

type stubQueries struct {
	tests       map[uuid.UUID]*store.ABTest
	variants    map[uuid.UUID]*store.ABVariant
	assignments map[assignmentKey]store.ABAssignment

	hideAssignmentOnce bool
	assignCalls        int
}

func newStub() *stubQueries {
	return &stubQueries{
		tests:       map[uuid.UUID]*store.ABTest{},
		variants:    map[uuid.UUID]*store.ABVariant{},
		assignments: map[assignmentKey]store.ABAssignment{},
	}
}

func (s *stubQueries) InsertABTest(_ context.Context, orgID uuid.UUID, name string) (store.ABTest, error) {
	t := store.ABTest{ID: uuid.New(), OrgID: orgID, Name: name, Status: StatusDraft}
	s.tests[t.ID] = &t
	return t, nil
}

func (s *stubQueries) GetABTest(_ context.Context, orgID, id uuid.UUID) (store.ABTest, error) {
	t, ok := s.tests[id]
	if !ok || t.OrgID != orgID {
		return store.ABTest{}, pgx.ErrNoRows
	}
	return *t, nil
}

func (s *stubQueries) ListABTests(_ context.Context, orgID uuid.UUID, _, _ int32) ([]store.ABTest, error) {
	var out []store.ABTest
	for _, t := range s.tests {
		if t.OrgID == orgID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *stubQueries) UpdateABTestStatus(_ context.Context, orgID, id uuid.UUID, status string) error {
	t, ok := s.tests[id]
	if !ok || t.OrgID != orgID {
		return pgx.ErrNoRows
	}
	t.Status = status
	return nil
}

func (s *stubQueries) InsertABVariant(_ context.Context, arg store.InsertABVariantParams) (store.ABVariant, error) {
	v := store.ABVariant{
		ID:                uuid.New(),
		TestID:            arg.TestID,
		Name:              arg.Name,
		IsControl:         arg.IsControl,
		Position:          arg.Position,
		TrafficAllocation: arg.TrafficAllocation,
		DiscountPercent:   arg.DiscountPercent,
	}
	s.variants[v.ID] = &v
	return v, nil
}

func (s *stubQueries) ListABVariants(_ context.Context, testID uuid.UUID) ([]store.ABVariant, error) {
	var control, rest []store.ABVariant
	for order := int32(0); int(order) <= len(s.variants); order++ {
		for _, v := range s.variants {
			if v.TestID != testID || v.Position != order {
				continue
			}
			if v.IsControl {
				control = append(control, *v)
			} else {
				rest = append(rest, *v)
			}
		}
	}
	return append(control, rest...), nil
}

func (s *stubQueries) GetABVariant(_ context.Context, id uuid.UUID) (store.ABVariant, error) {
	v, ok := s.variants[id]
	if !ok {
		return store.ABVariant{}, pgx.ErrNoRows
	}
	return *v, nil
}

func (s *stubQueries) GetABAssignment(_ context.Context, testID uuid.UUID, userID string) (store.ABAssignment, error) {
	if s.hideAssignmentOnce {
		s.hideAssignmentOnce = false
		return store.ABAssignment{}, pgx.ErrNoRows
	}
	a, ok := s.assignments[assignmentKey{testID, userID}]
	if !ok {
		return store.ABAssignment{}, pgx.ErrNoRows
	}
	return a, nil
}

func (s *stubQueries) InsertABAssignment(_ context.Context, testID uuid.UUID, userID string, variantID uuid.UUID) error {
	s.assignCalls++
	key := assignmentKey{testID, userID}
	if _, exists := s.assignments[key]; exists {
		return &pgconn.PgError{Code: "23505"}
	}
	s.assignments[key] = store.ABAssignment{TestID: testID, UserID: userID, VariantID: variantID}
	return nil
}

func (s *stubQueries) IncrementABImpressions(_ context.Context, variantID uuid.UUID) error {
	v, ok := s.variants[variantID]
	if !ok {
		return pgx.ErrNoRows
	}
	v.Impressions++
	return nil
}

func (s *stubQueries) RecordABConversion(_ context.Context, variantID uuid.UUID, revenue float64) error {
	v, ok := s.variants[variantID]
	if !ok {
		return pgx.ErrNoRows
	}
	v.Conversions++
	v.TotalRevenue += revenue
	return nil
}

type stubBus struct {
	topics []string
}

func (b *stubBus) Emit(_ context.Context, orgID uuid.UUID, topic string, aggregateID uuid.UUID, _ any) (store.DomainEvent, error) {
	b.topics = append(b.topics, topic)
	return store.DomainEvent{OrgID: orgID, Topic: topic, AggregateID: aggregateID}, nil
}

func setup(t *testing.T) (*Service, *stubQueries, *stubBus, uuid.UUID, TestDetail) {
	t.Helper()
	stub := newStub()
	bus := &stubBus{}
	svc := &Service{Q: stub, Bus: bus}
	orgID := uuid.New()
	det, err := svc.CreateTest(context.Background(), orgID, CreateTestParams{
		Name: "spring discount depth",
		Variants: []VariantParams{
			{Name: "control", IsControl: true, TrafficAllocation: 50},
			{Name: "deep discount", TrafficAllocation: 30, DiscountPercent: 15},
			{Name: "light discount", TrafficAllocation: 20, DiscountPercent: 5},
		},
	})
	if err != nil {
		t.Fatalf("CreateTest: %v", err)
	}
	return svc, stub, bus, orgID, det
}

func startTest(t *testing.T, svc *Service, orgID, id uuid.UUID) {
	t.Helper()
	if _, err := svc.Transition(context.Background(), orgID, id, StatusRunning); err != nil {
		t.Fatalf("Transition to running: %v", err)
	}
}

func TestCreateTestRequiresSingleControl(t *testing.T) {
	svc := &Service{Q: newStub()}
	_, err := svc.CreateTest(context.Background(), uuid.New(), CreateTestParams{
		Name: "no control",
		Variants: []VariantParams{
			{Name: "a", TrafficAllocation: 50},
			{Name: "b", TrafficAllocation: 50},
		},
	})
	if !errors.Is(err, ErrNeedOneControl) {
		t.Fatalf("err = %v, want ErrNeedOneControl", err)
	}
	_, err = svc.CreateTest(context.Background(), uuid.New(), CreateTestParams{
		Name: "over allocated",
		Variants: []VariantParams{
			{Name: "control", IsControl: true, TrafficAllocation: 70},
			{Name: "b", TrafficAllocation: 50},
		},
	})
	if !errors.Is(err, ErrAllocationRange) {
		t.Fatalf("err = %v, want ErrAllocationRange", err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	svc, _, _, orgID, det := setup(t)
	ctx := context.Background()
	id := det.Test.ID

	if _, err := svc.Transition(ctx, orgID, id, StatusCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("draft to completed err = %v, want ErrInvalidTransition", err)
	}
	for _, target := range []string{StatusRunning, StatusPaused, StatusRunning, StatusCompleted} {
		test, err := svc.Transition(ctx, orgID, id, target)
		if err != nil {
			t.Fatalf("Transition to %s: %v", target, err)
		}
		if test.Status != target {
			t.Fatalf("status = %q, want %q", test.Status, target)
		}
	}
	if _, err := svc.Transition(ctx, orgID, id, StatusRunning); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completed to running err = %v, want ErrInvalidTransition", err)
	}
}

func TestVariantAssignmentFollowsDraw(t *testing.T) {
	svc, _, _, orgID, det := setup(t)
	startTest(t, svc, orgID, det.Test.ID)
	ctx := context.Background()

	// allocations: control 0-50, deep 50-80, light 80-100
	cases := []struct {
		draw float64
		want string
	}{
		{0, "control"},
		{49.9, "control"},
		{50, "deep discount"},
		{79.9, "deep discount"},
		{80, "light discount"},
		{99.9, "light discount"},
	}
	for i, tc := range cases {
		svc.Draw = func() float64 { return tc.draw }
		v, err := svc.VariantForUser(ctx, orgID, det.Test.ID, uuid.NewString())
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if v.Name != tc.want {
			t.Fatalf("draw %v assigned %q, want %q", tc.draw, v.Name, tc.want)
		}
	}
}

func TestAssignmentIsSticky(t *testing.T) {
	svc, stub, _, orgID, det := setup(t)
	startTest(t, svc, orgID, det.Test.ID)
	ctx := context.Background()

	svc.Draw = func() float64 { return 60 } // deep discount
	first, err := svc.VariantForUser(ctx, orgID, det.Test.ID, "user-1")
	if err != nil {
		t.Fatalf("first assignment: %v", err)
	}
	svc.Draw = func() float64 { return 10 } // would pick control if re-drawn
	second, err := svc.VariantForUser(ctx, orgID, det.Test.ID, "user-1")
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("assignment not sticky: %q then %q", first.Name, second.Name)
	}
	if stub.assignCalls != 1 {
		t.Fatalf("assignment writes = %d, want 1", stub.assignCalls)
	}
}

func TestUnderAllocationFallsBackToControl(t *testing.T) {
	stub := newStub()
	svc := &Service{Q: stub, Bus: &stubBus{}}
	orgID := uuid.New()
	det, err := svc.CreateTest(context.Background(), orgID, CreateTestParams{
		Name: "partial rollout",
		Variants: []VariantParams{
			{Name: "control", IsControl: true, TrafficAllocation: 30},
			{Name: "candidate", TrafficAllocation: 30, DiscountPercent: 10},
		},
	})
	if err != nil {
		t.Fatalf("CreateTest: %v", err)
	}
	startTest(t, svc, orgID, det.Test.ID)

	svc.Draw = func() float64 { return 90 } // past every allocation
	v, err := svc.VariantForUser(context.Background(), orgID, det.Test.ID, "user-1")
	if err != nil {
		t.Fatalf("VariantForUser: %v", err)
	}
	if !v.IsControl {
		t.Fatalf("under-allocated draw assigned %q, want control", v.Name)
	}
}

func TestAssignmentConflictReadsBackWinner(t *testing.T) {
	svc, stub, _, orgID, det := setup(t)
	startTest(t, svc, orgID, det.Test.ID)
	ctx := context.Background()

	// a concurrent request wrote the control variant between our read and our
	// insert; the first write must win
	winner := det.Variants[0]
	stub.assignments[assignmentKey{det.Test.ID, "user-2"}] = store.ABAssignment{
		TestID: det.Test.ID, UserID: "user-2", VariantID: winner.ID,
	}
	stub.hideAssignmentOnce = true
	svc.Draw = func() float64 { return 60 } // would pick deep discount

	v, err := svc.VariantForUser(ctx, orgID, det.Test.ID, "user-2")
	if err != nil {
		t.Fatalf("VariantForUser: %v", err)
	}
	if v.ID != winner.ID {
		t.Fatalf("conflict resolved to %q, want the winner %q", v.Name, winner.Name)
	}
}

func TestNewAssignmentRequiresRunningTest(t *testing.T) {
	svc, _, _, orgID, det := setup(t)
	_, err := svc.VariantForUser(context.Background(), orgID, det.Test.ID, "user-1")
	if !errors.Is(err, ErrTestNotRunning) {
		t.Fatalf("err = %v, want ErrTestNotRunning", err)
	}
}

func TestExistingAssignmentSurvivesPause(t *testing.T) {
	svc, _, _, orgID, det := setup(t)
	startTest(t, svc, orgID, det.Test.ID)
	ctx := context.Background()

	svc.Draw = func() float64 { return 60 }
	assigned, err := svc.VariantForUser(ctx, orgID, det.Test.ID, "user-1")
	if err != nil {
		t.Fatalf("assignment: %v", err)
	}
	if _, err := svc.Transition(ctx, orgID, det.Test.ID, StatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	v, err := svc.VariantForUser(ctx, orgID, det.Test.ID, "user-1")
	if err != nil {
		t.Fatalf("lookup on paused test: %v", err)
	}
	if v.ID != assigned.ID {
		t.Fatal("existing assignment must survive a pause")
	}
}

func TestRecordConversionEmitsEvent(t *testing.T) {
	svc, stub, bus, orgID, det := setup(t)
	startTest(t, svc, orgID, det.Test.ID)
	ctx := context.Background()
	variant := det.Variants[1]

	if err := svc.RecordImpression(ctx, orgID, det.Test.ID, variant.ID); err != nil {
		t.Fatalf("RecordImpression: %v", err)
	}
	if err := svc.RecordConversion(ctx, orgID, det.Test.ID, variant.ID, 1450.50); err != nil {
		t.Fatalf("RecordConversion: %v", err)
	}
	v := stub.variants[variant.ID]
	if v.Impressions != 1 || v.Conversions != 1 || v.TotalRevenue != 1450.50 {
		t.Fatalf("counters = %d/%d/%v", v.Impressions, v.Conversions, v.TotalRevenue)
	}
	if len(bus.topics) != 1 || bus.topics[0] != events.TopicABTestConverted {
		t.Fatalf("topics = %v", bus.topics)
	}
}

func TestRecordRejectsForeignVariant(t *testing.T) {
	svc, stub, _, orgID, det := setup(t)
	other := store.ABVariant{ID: uuid.New(), TestID: uuid.New(), Name: "other"}
	stub.variants[other.ID] = &other
	err := svc.RecordImpression(context.Background(), orgID, det.Test.ID, other.ID)
	if !errors.Is(err, ErrVariantNotFound) {
		t.Fatalf("err = %v, want ErrVariantNotFound", err)
	}
}

func TestResultsReportsSignificanceAgainstControl(t *testing.T) {
	svc, stub, _, orgID, det := setup(t)
	control, variant := det.Variants[0], det.Variants[1]
	stub.variants[control.ID].Impressions = 1000
	stub.variants[control.ID].Conversions = 100
	stub.variants[variant.ID].Impressions = 1000
	stub.variants[variant.ID].Conversions = 200

	results, err := svc.Results(context.Background(), orgID, det.Test.ID)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results[0].Variant.ID != control.ID || results[0].Significance != 0 {
		t.Fatalf("control result = %+v", results[0])
	}
	if results[0].ConversionRate != 0.1 {
		t.Fatalf("control rate = %v, want 0.1", results[0].ConversionRate)
	}
	if results[1].Significance != 99 {
		t.Fatalf("variant significance = %v, want 99", results[1].Significance)
	}
	if results[2].Significance != 0 {
		t.Fatalf("empty variant significance = %v, want 0", results[2].Significance)
	}
}
