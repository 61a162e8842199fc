package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/paveline/backend-pavedeck/internal/store"
)

type stubQueries struct {
	org         store.Org
	orgErr      error
	services    []store.ServiceDef
	inserted    *store.InsertProposalParams
	proposal    store.Proposal
	proposalErr error
	statuses    map[string]string
}

func (s *stubQueries) GetOrg(_ context.Context, id uuid.UUID) (store.Org, error) {
	if s.orgErr != nil {
		return store.Org{}, s.orgErr
	}
	return s.org, nil
}

func (s *stubQueries) ListServices(_ context.Context, _ uuid.UUID) ([]store.ServiceDef, error) {
	return s.services, nil
}

func (s *stubQueries) InsertProposal(_ context.Context, arg store.InsertProposalParams) (store.Proposal, error) {
	s.inserted = &arg
	return store.Proposal{
		ID:               uuid.New(),
		OrgID:            arg.OrgID,
		CustomerID:       arg.CustomerID,
		Status:           "draft",
		Tier:             arg.Tier,
		SurfaceCondition: arg.SurfaceCondition,
		Subtotal:         arg.Subtotal,
		AdjustedSubtotal: arg.AdjustedSubtotal,
		DiscountTotal:    arg.DiscountTotal,
		TaxAmount:        arg.TaxAmount,
		Total:            arg.Total,
		DepositAmount:    arg.DepositAmount,
		LineItems:        arg.LineItems,
		AppliedDiscounts: arg.AppliedDiscounts,
	}, nil
}

func (s *stubQueries) GetProposal(_ context.Context, _, _ uuid.UUID) (store.Proposal, error) {
	if s.proposalErr != nil {
		return store.Proposal{}, s.proposalErr
	}
	return s.proposal, nil
}

func (s *stubQueries) ListProposals(_ context.Context, _ uuid.UUID, _, _ int32) ([]store.Proposal, error) {
	return []store.Proposal{s.proposal}, nil
}

func (s *stubQueries) UpdateProposalStatus(_ context.Context, _, id uuid.UUID, status string) error {
	if s.statuses == nil {
		s.statuses = map[string]string{}
	}
	s.statuses[id.String()] = status
	return nil
}

type stubBus struct {
	topics []string
}

func (b *stubBus) Emit(_ context.Context, _ uuid.UUID, topic string, _ uuid.UUID, _ any) (store.DomainEvent, error) {
	b.topics = append(b.topics, topic)
	return store.DomainEvent{ID: uuid.New(), Topic: topic}, nil
}

func f64(v float64) *float64 { return &v }

func defaultStub() *stubQueries {
	return &stubQueries{
		org: store.Org{ID: uuid.New(), TaxRate: f64(0.08), DepositPercent: f64(25)},
		services: []store.ServiceDef{
			{ID: "sealcoating", Name: "Sealcoating", Unit: "sqft", QuantityField: FieldNetSqft, UnitPrice: 0.20, Active: true},
			{ID: "crack_filling", Name: "Crack Filling", Unit: "lf", QuantityField: FieldCrackLinearFeet, UnitPrice: 1.75, Active: true},
		},
	}
}

func TestQuoteUsesOrgSettings(t *testing.T) {
	stub := defaultStub()
	svc := &Service{Q: stub}
	state, err := svc.Quote(context.Background(), stub.org.ID, QuoteInput{
		Measurements:       Measurements{TotalSqft: 5000},
		SelectedServiceIDs: []string{"sealcoating"},
		Tier:               TierStandard,
		Condition:          ConditionGood,
		DiscountAmount:     100,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Total != 972 {
		t.Fatalf("expected total 972 with org tax 8%%, got %v", state.Total)
	}
}

func TestQuoteFallsBackToPlatformDefaults(t *testing.T) {
	stub := defaultStub()
	stub.org.TaxRate = nil
	stub.org.DepositPercent = nil
	svc := &Service{Q: stub, DefaultTaxRate: 0.05, DefaultDepositPercent: 50}
	state, err := svc.Quote(context.Background(), stub.org.ID, QuoteInput{
		Measurements:       Measurements{TotalSqft: 5000},
		SelectedServiceIDs: []string{"sealcoating"},
		Tier:               TierStandard,
		Condition:          ConditionGood,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.Total != 1050 {
		t.Fatalf("expected platform default 5%% tax on 1000, got total %v", state.Total)
	}
	if state.DepositAmount != 525 {
		t.Fatalf("expected platform default 50%% deposit, got %v", state.DepositAmount)
	}
}

func TestQuoteHonoursExplicitZeroTaxRate(t *testing.T) {
	stub := defaultStub()
	stub.org.TaxRate = f64(0)
	svc := &Service{Q: stub, DefaultTaxRate: 0.08, DefaultDepositPercent: 25}
	state, err := svc.Quote(context.Background(), stub.org.ID, QuoteInput{
		Measurements:       Measurements{TotalSqft: 5000},
		SelectedServiceIDs: []string{"sealcoating"},
		Tier:               TierStandard,
		Condition:          ConditionGood,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state.TaxAmount != 0 || state.Total != 1000 {
		t.Fatalf("a tax-exempt org must not inherit the default rate, got tax %v total %v", state.TaxAmount, state.Total)
	}
}

func TestQuoteOrgNotFound(t *testing.T) {
	svc := &Service{Q: &stubQueries{orgErr: pgx.ErrNoRows}}
	_, err := svc.Quote(context.Background(), uuid.New(), QuoteInput{Tier: TierStandard, Condition: ConditionGood})
	if !errors.Is(err, ErrOrgNotFound) {
		t.Fatalf("expected ErrOrgNotFound, got %v", err)
	}
}

func TestQuoteIgnoresUnselectedServices(t *testing.T) {
	stub := defaultStub()
	svc := &Service{Q: stub}
	state, err := svc.Quote(context.Background(), stub.org.ID, QuoteInput{
		Measurements:       Measurements{TotalSqft: 5000, CrackLinearFeet: 100},
		SelectedServiceIDs: []string{"crack_filling"},
		Tier:               TierStandard,
		Condition:          ConditionGood,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(state.LineItems) != 1 || state.LineItems[0].ServiceID != "crack_filling" {
		t.Fatalf("expected only the selected service in line items: %+v", state.LineItems)
	}
}

func TestCreateProposalSnapshotsAndEmits(t *testing.T) {
	stub := defaultStub()
	bus := &stubBus{}
	svc := &Service{Q: stub, Bus: bus}
	proposal, state, err := svc.CreateProposal(context.Background(), stub.org.ID, CreateProposalParams{
		CustomerID: uuid.New(),
		Quote: QuoteInput{
			Measurements:       Measurements{TotalSqft: 5000},
			SelectedServiceIDs: []string{"sealcoating"},
			Tier:               TierPremium,
			Condition:          ConditionPoor,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.inserted == nil {
		t.Fatalf("expected proposal insert")
	}
	if proposal.AdjustedSubtotal != 1755 {
		t.Fatalf("expected snapshot adjusted subtotal 1755, got %v", proposal.AdjustedSubtotal)
	}
	var items []LineItem
	if err := json.Unmarshal(stub.inserted.LineItems, &items); err != nil {
		t.Fatalf("line items snapshot not valid json: %v", err)
	}
	if len(items) != len(state.LineItems) {
		t.Fatalf("snapshot line items mismatch")
	}
	if len(bus.topics) != 1 || bus.topics[0] != "proposal.created" {
		t.Fatalf("expected proposal.created event, got %v", bus.topics)
	}
}

func TestCreateProposalRejectsEmptyQuote(t *testing.T) {
	stub := defaultStub()
	svc := &Service{Q: stub}
	_, _, err := svc.CreateProposal(context.Background(), stub.org.ID, CreateProposalParams{
		CustomerID: uuid.New(),
		Quote: QuoteInput{
			SelectedServiceIDs: []string{"sealcoating"},
			Tier:               TierStandard,
			Condition:          ConditionGood,
		},
	})
	if !errors.Is(err, ErrNoLineItems) {
		t.Fatalf("expected ErrNoLineItems, got %v", err)
	}
}

func TestSendEmitsProposalSent(t *testing.T) {
	stub := defaultStub()
	stub.proposal = store.Proposal{ID: uuid.New(), Status: "draft"}
	bus := &stubBus{}
	svc := &Service{Q: stub, Bus: bus}
	if err := svc.Send(context.Background(), stub.org.ID, stub.proposal.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.statuses[stub.proposal.ID.String()] != "sent" {
		t.Fatalf("expected proposal marked sent")
	}
	if len(bus.topics) != 1 || bus.topics[0] != "proposal.sent" {
		t.Fatalf("expected proposal.sent event, got %v", bus.topics)
	}
}
