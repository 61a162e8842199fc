package discount

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/paveline/backend-pavedeck/internal/events"
	"github.com/paveline/backend-pavedeck/internal/obs"
	"github.com/paveline/backend-pavedeck/internal/store"
)

// Querier captures the database methods required by the discount service.
type Querier interface {
	GetOrg(ctx context.Context, id uuid.UUID) (store.Org, error)
	GetPromoByCode(ctx context.Context, orgID uuid.UUID, code string) (store.PromoCode, error)
	GetPromoByCodeForUpdate(ctx context.Context, orgID uuid.UUID, code string) (store.PromoCode, error)
	CountPromoRedemptionsByCustomer(ctx context.Context, promoID, customerID uuid.UUID) (int64, error)
	GetPromoRedemptionByProposal(ctx context.Context, promoID, proposalID uuid.UUID) (uuid.UUID, error)
	InsertPromoRedemption(ctx context.Context, arg store.InsertPromoRedemptionParams) error
	IncrementPromoUses(ctx context.Context, promoID uuid.UUID) error
	ListActiveCampaigns(ctx context.Context, orgID uuid.UUID, now time.Time) ([]store.Campaign, error)
	GetLoyaltyTier(ctx context.Context, orgID uuid.UUID, tier string) (store.LoyaltyTier, error)
	ListVolumeRules(ctx context.Context, orgID uuid.UUID) ([]store.VolumeRule, error)
}

// Publisher emits domain events to the outbox bus.
type Publisher interface {
	Emit(ctx context.Context, orgID uuid.UUID, topic string, aggregateID uuid.UUID, payload any) (store.DomainEvent, error)
}

// ResolveInput is the caller-provided context for one resolution.
type ResolveInput struct {
	Subtotal           float64
	PromoCode          string
	CustomerID         uuid.UUID
	CustomerType       string
	LoyaltyTier        string
	SelectedServiceIDs []string
	TotalQuantity      float64
	Manual             *ManualSource
	StackSourceIDs     []string
}

// Service assembles active discount sources and runs the resolver against
// them. DefaultApprovalPercent applies when an org has no threshold of its own.
type Service struct {
	Q                      Querier
	Bus                    Publisher
	DefaultApprovalPercent float64
	Now                    func() time.Time
}

// Resolve loads every candidate source for the org, then delegates to the pure
// resolver. A promo code that does not exist is surfaced as a rejection in the
// result, not an error, so callers can explain it.
func (s *Service) Resolve(ctx context.Context, orgID uuid.UUID, in ResolveInput) (Resolution, error) {
	if s == nil || s.Q == nil {
		return Resolution{}, errors.New("discount service not configured")
	}
	org, err := s.Q.GetOrg(ctx, orgID)
	if err != nil {
		return Resolution{}, fmt.Errorf("discount: load org: %w", err)
	}
	now := s.now()
	var sources []Source
	var missingPromo *Rejection

	if code := normalizeCode(in.PromoCode); code != "" {
		promo, err := s.Q.GetPromoByCode(ctx, orgID, code)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			missingPromo = &Rejection{
				SourceID:   code,
				SourceType: KindPromoCode,
				SourceName: code,
				Reason:     "code not applicable",
			}
		case err != nil:
			return Resolution{}, fmt.Errorf("discount: load promo: %w", err)
		case !promo.Active:
			missingPromo = &Rejection{
				SourceID:   promo.ID.String(),
				SourceType: KindPromoCode,
				SourceName: promo.Code,
				Reason:     "code not applicable",
			}
		default:
			src := PromoCodeSource{
				ID:                  promo.ID.String(),
				Code:                promo.Code,
				Name:                promo.Name,
				DiscountType:        Type(promo.DiscountType),
				DiscountValue:       promo.DiscountValue,
				MaxDiscountAmount:   promo.MaxDiscountAmount,
				MinOrderAmount:      promo.MinOrderAmount,
				MaxUsesTotal:        promo.MaxUsesTotal,
				UsesTotal:           promo.UsesTotal,
				MaxUsesPerCustomer:  promo.MaxUsesPerCustomer,
				CustomerRestriction: promo.CustomerRestriction,
				StartsAt:            promo.StartsAt,
				ExpiresAt:           promo.ExpiresAt,
			}
			if in.CustomerID != uuid.Nil && promo.MaxUsesPerCustomer != nil {
				used, err := s.Q.CountPromoRedemptionsByCustomer(ctx, promo.ID, in.CustomerID)
				if err != nil {
					return Resolution{}, fmt.Errorf("discount: count redemptions: %w", err)
				}
				src.CustomerUses = int32(used)
			}
			sources = append(sources, src)
		}
	}

	if tier := strings.TrimSpace(in.LoyaltyTier); tier != "" {
		loyalty, err := s.Q.GetLoyaltyTier(ctx, orgID, tier)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return Resolution{}, fmt.Errorf("discount: load loyalty tier: %w", err)
		}
		if err == nil {
			sources = append(sources, LoyaltySource{Tier: loyalty.Tier, DiscountPercent: loyalty.DiscountPercent})
		}
	}

	campaigns, err := s.Q.ListActiveCampaigns(ctx, orgID, now)
	if err != nil {
		return Resolution{}, fmt.Errorf("discount: load campaigns: %w", err)
	}
	for _, c := range campaigns {
		sources = append(sources, SeasonalSource{
			ID:                 c.ID.String(),
			Name:               c.Name,
			DiscountType:       Type(c.DiscountType),
			DiscountValue:      c.DiscountValue,
			MaxDiscountAmount:  c.MaxDiscountAmount,
			StartsAt:           c.StartsAt,
			ExpiresAt:          c.ExpiresAt,
			ApplicableServices: c.ApplicableServices,
		})
	}

	rules, err := s.Q.ListVolumeRules(ctx, orgID)
	if err != nil {
		return Resolution{}, fmt.Errorf("discount: load volume rules: %w", err)
	}
	for _, v := range rules {
		sources = append(sources, VolumeSource{
			ID:                v.ID.String(),
			Name:              v.Name,
			DiscountType:      Type(v.DiscountType),
			DiscountValue:     v.DiscountValue,
			MaxDiscountAmount: v.MaxDiscountAmount,
			MinSubtotal:       v.MinSubtotal,
			MinQuantity:       v.MinQuantity,
		})
	}

	if in.Manual != nil {
		sources = append(sources, *in.Manual)
	}

	approvalPercent := s.DefaultApprovalPercent
	if org.ApprovalPercent != nil {
		approvalPercent = *org.ApprovalPercent
	}
	resolution := Resolve(Context{
		Subtotal:           in.Subtotal,
		Now:                now,
		CustomerType:       in.CustomerType,
		SelectedServiceIDs: in.SelectedServiceIDs,
		TotalQuantity:      in.TotalQuantity,
	}, sources, Options{
		ApprovalPercent: approvalPercent,
		StackSourceIDs:  in.StackSourceIDs,
	})
	if missingPromo != nil {
		resolution.Rejected = append(resolution.Rejected, *missingPromo)
	}
	observeResolution(resolution)
	return resolution, nil
}

// Settle records a promo redemption at proposal acceptance time, idempotent
// per (promo, proposal) pair, and bumps the global usage counter.
func (s *Service) Settle(ctx context.Context, orgID uuid.UUID, code string, proposalID, customerID uuid.UUID, amount float64) error {
	if s == nil || s.Q == nil {
		return errors.New("discount service not configured")
	}
	code = normalizeCode(code)
	if code == "" || proposalID == uuid.Nil || amount < 0 {
		return nil
	}
	promo, err := s.Q.GetPromoByCodeForUpdate(ctx, orgID, code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	}
	_, err = s.Q.GetPromoRedemptionByProposal(ctx, promo.ID, proposalID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if err := s.Q.InsertPromoRedemption(ctx, store.InsertPromoRedemptionParams{
		PromoID:    promo.ID,
		ProposalID: proposalID,
		CustomerID: customerID,
		Amount:     amount,
	}); err != nil {
		return err
	}
	_ = s.Q.IncrementPromoUses(ctx, promo.ID)
	if s.Bus != nil {
		_, _ = s.Bus.Emit(ctx, orgID, events.TopicDiscountApplied, proposalID, map[string]any{
			"proposalId": proposalID.String(),
			"promoCode":  promo.Code,
			"amount":     amount,
		})
	}
	return nil
}

// normalizeCode matches the form CreatePromo persists, so lookups succeed
// regardless of the case a customer typed.
func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func observeResolution(res Resolution) {
	if obs.DiscountResolutionTotal == nil {
		return
	}
	for _, a := range res.Applied {
		obs.DiscountResolutionTotal.WithLabelValues(string(a.SourceType), "applied").Inc()
	}
	for _, r := range res.Rejected {
		obs.DiscountResolutionTotal.WithLabelValues(string(r.SourceType), "rejected").Inc()
	}
}
