package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/paveline/backend-pavedeck/internal/events"
	"github.com/paveline/backend-pavedeck/internal/obs"
	"github.com/paveline/backend-pavedeck/internal/store"
)

var (
	// ErrOrgNotFound is returned when the organisation does not exist.
	ErrOrgNotFound = errors.New("pricing: organisation not found")
	// ErrProposalNotFound is returned when the requested proposal does not exist for the org.
	ErrProposalNotFound = errors.New("pricing: proposal not found")
	// ErrNoLineItems is returned when the quote resolves to an empty proposal.
	ErrNoLineItems = errors.New("pricing: no billable line items")
)

// Querier captures the database methods required by the pricing service.
type Querier interface {
	GetOrg(ctx context.Context, id uuid.UUID) (store.Org, error)
	ListServices(ctx context.Context, orgID uuid.UUID) ([]store.ServiceDef, error)
	InsertProposal(ctx context.Context, arg store.InsertProposalParams) (store.Proposal, error)
	GetProposal(ctx context.Context, orgID, id uuid.UUID) (store.Proposal, error)
	ListProposals(ctx context.Context, orgID uuid.UUID, limit, offset int32) ([]store.Proposal, error)
	UpdateProposalStatus(ctx context.Context, orgID, id uuid.UUID, status string) error
}

// Publisher emits domain events to the outbox bus.
type Publisher interface {
	Emit(ctx context.Context, orgID uuid.UUID, topic string, aggregateID uuid.UUID, payload any) (store.DomainEvent, error)
}

// QuoteInput is the caller-controlled part of a pricing computation. Tax rate
// and deposit percent come from org settings, never from the request.
type QuoteInput struct {
	Measurements       Measurements
	SelectedServiceIDs []string
	CustomItems        []CustomItem
	Tier               Tier
	Condition          Condition
	DiscountAmount     float64
}

// AppliedDiscountSnapshot is the immutable discount record attached to a proposal.
type AppliedDiscountSnapshot struct {
	SourceID       string  `json:"sourceId"`
	SourceType     string  `json:"sourceType"`
	SourceName     string  `json:"sourceName"`
	DiscountType   string  `json:"discountType"`
	DiscountValue  float64 `json:"discountValue"`
	DiscountAmount float64 `json:"discountAmount"`
}

// Service computes quotes and persists proposal snapshots. The default rates
// apply when an org has not configured its own.
type Service struct {
	Q                     Querier
	Bus                   Publisher
	DefaultTaxRate        float64
	DefaultDepositPercent float64
	Now                   func() time.Time
}

// Quote loads org settings and the service catalog, then runs the pure engine.
func (s *Service) Quote(ctx context.Context, orgID uuid.UUID, in QuoteInput) (State, error) {
	if s == nil || s.Q == nil {
		return State{}, errors.New("pricing service not configured")
	}
	org, err := s.Q.GetOrg(ctx, orgID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return State{}, ErrOrgNotFound
		}
		return State{}, fmt.Errorf("pricing: load org: %w", err)
	}
	defs, err := s.Q.ListServices(ctx, orgID)
	if err != nil {
		return State{}, fmt.Errorf("pricing: load services: %w", err)
	}
	selected := make(map[string]bool, len(in.SelectedServiceIDs))
	for _, id := range in.SelectedServiceIDs {
		selected[id] = true
	}
	services := make([]CatalogItem, 0, len(defs))
	for _, d := range defs {
		if !selected[d.ID] {
			continue
		}
		services = append(services, CatalogItem{
			ID:            d.ID,
			Name:          d.Name,
			Unit:          d.Unit,
			QuantityField: d.QuantityField,
			UnitPrice:     d.UnitPrice,
		})
	}
	taxRate := s.DefaultTaxRate
	if org.TaxRate != nil {
		taxRate = *org.TaxRate
	}
	depositPercent := s.DefaultDepositPercent
	if org.DepositPercent != nil {
		depositPercent = *org.DepositPercent
	}
	state, err := Input{
		Measurements:   in.Measurements,
		Services:       services,
		CustomItems:    in.CustomItems,
		Tier:           in.Tier,
		Condition:      in.Condition,
		TaxRate:        taxRate,
		DepositPercent: depositPercent,
		DiscountAmount: in.DiscountAmount,
	}.Compute()
	if err != nil {
		observeCompute(string(in.Tier), "error")
		return State{}, err
	}
	observeCompute(string(in.Tier), "ok")
	return state, nil
}

// CreateProposalParams binds a quote to a customer plus the discounts settled for it.
type CreateProposalParams struct {
	CustomerID       uuid.UUID
	Quote            QuoteInput
	AppliedDiscounts []AppliedDiscountSnapshot
	RequiresApproval bool
}

// CreateProposal computes the quote and persists it as an immutable snapshot.
func (s *Service) CreateProposal(ctx context.Context, orgID uuid.UUID, arg CreateProposalParams) (store.Proposal, State, error) {
	state, err := s.Quote(ctx, orgID, arg.Quote)
	if err != nil {
		return store.Proposal{}, State{}, err
	}
	if len(state.LineItems) == 0 {
		return store.Proposal{}, State{}, ErrNoLineItems
	}
	lineItems, err := json.Marshal(state.LineItems)
	if err != nil {
		return store.Proposal{}, State{}, fmt.Errorf("pricing: encode line items: %w", err)
	}
	applied := arg.AppliedDiscounts
	if applied == nil {
		applied = []AppliedDiscountSnapshot{}
	}
	appliedJSON, err := json.Marshal(applied)
	if err != nil {
		return store.Proposal{}, State{}, fmt.Errorf("pricing: encode discounts: %w", err)
	}
	proposal, err := s.Q.InsertProposal(ctx, store.InsertProposalParams{
		OrgID:            orgID,
		CustomerID:       arg.CustomerID,
		Tier:             string(arg.Quote.Tier),
		SurfaceCondition: string(arg.Quote.Condition),
		Subtotal:         state.Subtotal,
		AdjustedSubtotal: state.AdjustedSubtotal,
		DiscountTotal:    state.DiscountAmount,
		TaxAmount:        state.TaxAmount,
		Total:            state.Total,
		DepositAmount:    state.DepositAmount,
		RequiresApproval: arg.RequiresApproval,
		LineItems:        lineItems,
		AppliedDiscounts: appliedJSON,
	})
	if err != nil {
		return store.Proposal{}, State{}, fmt.Errorf("pricing: insert proposal: %w", err)
	}
	if s.Bus != nil {
		_, _ = s.Bus.Emit(ctx, orgID, events.TopicProposalCreated, proposal.ID, map[string]any{
			"proposalId": proposal.ID.String(),
			"customerId": proposal.CustomerID.String(),
			"total":      proposal.Total,
		})
	}
	return proposal, state, nil
}

// Get loads one proposal scoped to the org.
func (s *Service) Get(ctx context.Context, orgID, id uuid.UUID) (store.Proposal, error) {
	p, err := s.Q.GetProposal(ctx, orgID, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Proposal{}, ErrProposalNotFound
		}
		return store.Proposal{}, err
	}
	return p, nil
}

// List returns recent proposals for the org.
func (s *Service) List(ctx context.Context, orgID uuid.UUID, limit, offset int32) ([]store.Proposal, error) {
	return s.Q.ListProposals(ctx, orgID, limit, offset)
}

// Send marks a draft proposal as sent and emits the corresponding event.
func (s *Service) Send(ctx context.Context, orgID, id uuid.UUID) error {
	p, err := s.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	if err := s.Q.UpdateProposalStatus(ctx, orgID, p.ID, "sent"); err != nil {
		return fmt.Errorf("pricing: mark sent: %w", err)
	}
	if s.Bus != nil {
		_, _ = s.Bus.Emit(ctx, orgID, events.TopicProposalSent, p.ID, map[string]any{
			"proposalId": p.ID.String(),
			"total":      p.Total,
		})
	}
	return nil
}

func observeCompute(tier, result string) {
	if obs.PricingComputeTotal == nil {
		return
	}
	obs.PricingComputeTotal.WithLabelValues(tier, result).Inc()
}
