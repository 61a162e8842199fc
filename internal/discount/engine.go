package discount

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotEligible is the generic rejection when a source cannot apply to the context.
	ErrNotEligible = errors.New("discount not eligible")
	// ErrPromoNotStarted is returned before a promo code's validity window opens.
	ErrPromoNotStarted = errors.New("promo code not yet active")
	// ErrPromoExpired is returned after a promo code's validity window closes.
	ErrPromoExpired = errors.New("promo code expired")
	// ErrPromoExhausted indicates the promo's global usage cap is spent.
	ErrPromoExhausted = errors.New("promo code usage limit reached")
	// ErrPromoPerCustomerExhausted indicates this customer already used the promo the maximum number of times.
	ErrPromoPerCustomerExhausted = errors.New("promo code per-customer limit reached")
	// ErrMinOrderUnmet indicates the subtotal did not reach the promo's minimum order amount.
	ErrMinOrderUnmet = errors.New("minimum order amount not met")
	// ErrCustomerRestricted indicates the customer type does not satisfy the promo restriction.
	ErrCustomerRestricted = errors.New("promo code restricted to a different customer type")
	// ErrOutsideWindow indicates the current time is outside a seasonal campaign window.
	ErrOutsideWindow = errors.New("campaign not currently running")
	// ErrServiceNotCovered indicates none of the selected services are covered by the campaign.
	ErrServiceNotCovered = errors.New("campaign does not cover the selected services")
	// ErrThresholdUnmet indicates the volume threshold was not crossed.
	ErrThresholdUnmet = errors.New("volume threshold not met")
	// ErrPromoStacking is returned when a second promo code would be stacked.
	ErrPromoStacking = errors.New("only one promo code may be applied")
)

// Type constrains how a discount value is interpreted.
type Type string

const (
	TypePercent Type = "percent"
	TypeFixed   Type = "fixed"
)

// Kind tags the discount source variant.
type Kind string

const (
	KindPromoCode Kind = "promo_code"
	KindLoyalty   Kind = "loyalty"
	KindVolume    Kind = "volume"
	KindSeasonal  Kind = "seasonal"
	KindManual    Kind = "manual"
	KindReferral  Kind = "referral"
)

// Source is the closed set of discount origins. Each variant carries its own
// eligibility constraints; the resolver switches over all of them exhaustively.
type Source interface {
	Kind() Kind
	SourceID() string
	SourceName() string
	Terms() (Type, float64, *float64)
}

// PromoCodeSource is a redeemable code with usage and customer constraints.
type PromoCodeSource struct {
	ID                  string
	Code                string
	Name                string
	DiscountType        Type
	DiscountValue       float64
	MaxDiscountAmount   *float64
	MinOrderAmount      float64
	MaxUsesTotal        *int32
	UsesTotal           int32
	MaxUsesPerCustomer  *int32
	CustomerUses        int32
	CustomerRestriction string
	StartsAt            *time.Time
	ExpiresAt           *time.Time
}

func (s PromoCodeSource) Kind() Kind         { return KindPromoCode }
func (s PromoCodeSource) SourceID() string   { return s.ID }
func (s PromoCodeSource) SourceName() string { return s.Name }
func (s PromoCodeSource) Terms() (Type, float64, *float64) {
	return s.DiscountType, s.DiscountValue, s.MaxDiscountAmount
}

// LoyaltySource grants a recurring percentage based on customer status.
type LoyaltySource struct {
	Tier            string
	DiscountPercent float64
}

func (s LoyaltySource) Kind() Kind         { return KindLoyalty }
func (s LoyaltySource) SourceID() string   { return "loyalty:" + s.Tier }
func (s LoyaltySource) SourceName() string { return s.Tier + " loyalty" }
func (s LoyaltySource) Terms() (Type, float64, *float64) {
	return TypePercent, s.DiscountPercent, nil
}

// VolumeSource applies once a subtotal or quantity threshold is crossed.
type VolumeSource struct {
	ID                string
	Name              string
	DiscountType      Type
	DiscountValue     float64
	MaxDiscountAmount *float64
	MinSubtotal       float64
	MinQuantity       *float64
}

func (s VolumeSource) Kind() Kind         { return KindVolume }
func (s VolumeSource) SourceID() string   { return s.ID }
func (s VolumeSource) SourceName() string { return s.Name }
func (s VolumeSource) Terms() (Type, float64, *float64) {
	return s.DiscountType, s.DiscountValue, s.MaxDiscountAmount
}

// SeasonalSource is a time-windowed campaign, optionally service-restricted.
type SeasonalSource struct {
	ID                 string
	Name               string
	DiscountType       Type
	DiscountValue      float64
	MaxDiscountAmount  *float64
	StartsAt           time.Time
	ExpiresAt          time.Time
	ApplicableServices []string
}

func (s SeasonalSource) Kind() Kind         { return KindSeasonal }
func (s SeasonalSource) SourceID() string   { return s.ID }
func (s SeasonalSource) SourceName() string { return s.Name }
func (s SeasonalSource) Terms() (Type, float64, *float64) {
	return s.DiscountType, s.DiscountValue, s.MaxDiscountAmount
}

// ManualSource is an estimator-entered discount with no automatic constraints.
type ManualSource struct {
	ID            string
	Name          string
	DiscountType  Type
	DiscountValue float64
}

func (s ManualSource) Kind() Kind         { return KindManual }
func (s ManualSource) SourceID() string   { return s.ID }
func (s ManualSource) SourceName() string { return s.Name }
func (s ManualSource) Terms() (Type, float64, *float64) {
	return s.DiscountType, s.DiscountValue, nil
}

// ReferralSource credits a referral with a fixed or percent reward.
type ReferralSource struct {
	ID            string
	Name          string
	DiscountType  Type
	DiscountValue float64
}

func (s ReferralSource) Kind() Kind         { return KindReferral }
func (s ReferralSource) SourceID() string   { return s.ID }
func (s ReferralSource) SourceName() string { return s.Name }
func (s ReferralSource) Terms() (Type, float64, *float64) {
	return s.DiscountType, s.DiscountValue, nil
}

// Context carries the order facts eligibility is judged against.
type Context struct {
	Subtotal           float64
	Now                time.Time
	CustomerType       string
	SelectedServiceIDs []string
	TotalQuantity      float64
}

// Eligible judges one source against the context. A nil return means the
// source may apply; otherwise the sentinel explains the rejection.
func Eligible(src Source, ctx Context) error {
	switch s := src.(type) {
	case PromoCodeSource:
		if s.StartsAt != nil && ctx.Now.Before(*s.StartsAt) {
			return ErrPromoNotStarted
		}
		if s.ExpiresAt != nil && ctx.Now.After(*s.ExpiresAt) {
			return ErrPromoExpired
		}
		if s.MaxUsesTotal != nil && *s.MaxUsesTotal >= 0 && s.UsesTotal >= *s.MaxUsesTotal {
			return ErrPromoExhausted
		}
		if s.MaxUsesPerCustomer != nil && *s.MaxUsesPerCustomer > 0 && s.CustomerUses >= *s.MaxUsesPerCustomer {
			return ErrPromoPerCustomerExhausted
		}
		if ctx.Subtotal < s.MinOrderAmount {
			return ErrMinOrderUnmet
		}
		switch strings.TrimSpace(s.CustomerRestriction) {
		case "", "all":
		case "new_only":
			if ctx.CustomerType != "new" {
				return ErrCustomerRestricted
			}
		case "existing_only":
			if ctx.CustomerType != "existing" {
				return ErrCustomerRestricted
			}
		default:
			return ErrCustomerRestricted
		}
		return nil
	case LoyaltySource:
		if s.DiscountPercent <= 0 {
			return ErrNotEligible
		}
		return nil
	case VolumeSource:
		if ctx.Subtotal >= s.MinSubtotal && s.MinSubtotal > 0 {
			return nil
		}
		if s.MinQuantity != nil && *s.MinQuantity > 0 && ctx.TotalQuantity >= *s.MinQuantity {
			return nil
		}
		return ErrThresholdUnmet
	case SeasonalSource:
		if ctx.Now.Before(s.StartsAt) || ctx.Now.After(s.ExpiresAt) {
			return ErrOutsideWindow
		}
		if len(s.ApplicableServices) > 0 && !intersects(s.ApplicableServices, ctx.SelectedServiceIDs) {
			return ErrServiceNotCovered
		}
		return nil
	case ManualSource:
		if s.DiscountValue <= 0 {
			return ErrNotEligible
		}
		return nil
	case ReferralSource:
		if s.DiscountValue <= 0 {
			return ErrNotEligible
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown source kind", ErrNotEligible)
	}
}

// Amount computes the currency value a source would take off the subtotal.
// Percent values are capped by MaxDiscountAmount when set; fixed values are
// clamped so they never exceed the subtotal.
func Amount(src Source, subtotal float64) float64 {
	if subtotal <= 0 {
		return 0
	}
	kind, value, limit := src.Terms()
	var amount float64
	switch kind {
	case TypePercent:
		amount = subtotal * value / 100
		if limit != nil && amount > *limit {
			amount = *limit
		}
	case TypeFixed:
		amount = value
	default:
		return 0
	}
	if amount > subtotal {
		amount = subtotal
	}
	if amount < 0 {
		return 0
	}
	return round2(amount)
}

// specificity orders tie-broken sources: the more targeted a source, the
// earlier it ranks.
func specificity(k Kind) int {
	switch k {
	case KindPromoCode:
		return 0
	case KindLoyalty:
		return 1
	case KindVolume:
		return 2
	case KindSeasonal:
		return 3
	case KindManual:
		return 4
	case KindReferral:
		return 5
	default:
		return 6
	}
}

// Applied is the immutable record of one accepted discount.
type Applied struct {
	SourceID       string  `json:"sourceId"`
	SourceType     Kind    `json:"sourceType"`
	SourceName     string  `json:"sourceName"`
	DiscountType   Type    `json:"discountType"`
	DiscountValue  float64 `json:"discountValue"`
	DiscountAmount float64 `json:"discountAmount"`
}

// Rejection explains why a source was not applied, for display.
type Rejection struct {
	SourceID   string `json:"sourceId"`
	SourceType Kind   `json:"sourceType"`
	SourceName string `json:"sourceName"`
	Reason     string `json:"reason"`
}

// Resolution is the full outcome of discount resolution.
type Resolution struct {
	Applied             []Applied   `json:"appliedDiscounts"`
	Available           []Applied   `json:"availableDiscounts"`
	Rejected            []Rejection `json:"rejectedDiscounts,omitempty"`
	TotalDiscountAmount float64     `json:"totalDiscountAmount"`
	RequiresApproval    bool        `json:"requiresApproval"`
}

// Options tunes a single resolution run.
type Options struct {
	// ApprovalPercent is the org threshold above which the aggregate discount
	// requires approval. Zero disables the check.
	ApprovalPercent float64
	// StackSourceIDs lists sources the caller explicitly wants applied in
	// addition to the automatic pick. Promo codes never stack with each other.
	StackSourceIDs []string
}

// Resolve evaluates every source against the context, auto-applies the single
// highest-value eligible source, stacks explicitly requested non-conflicting
// sources, and caps the combined amount at the subtotal.
func Resolve(ctx Context, sources []Source, opts Options) Resolution {
	type candidate struct {
		src    Source
		amount float64
	}
	var candidates []candidate
	var rejected []Rejection
	for _, src := range sources {
		if err := Eligible(src, ctx); err != nil {
			rejected = append(rejected, Rejection{
				SourceID:   src.SourceID(),
				SourceType: src.Kind(),
				SourceName: src.SourceName(),
				Reason:     err.Error(),
			})
			continue
		}
		amount := Amount(src, ctx.Subtotal)
		if amount <= 0 {
			rejected = append(rejected, Rejection{
				SourceID:   src.SourceID(),
				SourceType: src.Kind(),
				SourceName: src.SourceName(),
				Reason:     ErrNotEligible.Error(),
			})
			continue
		}
		candidates = append(candidates, candidate{src: src, amount: amount})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].amount != candidates[j].amount {
			return candidates[i].amount > candidates[j].amount
		}
		return specificity(candidates[i].src.Kind()) < specificity(candidates[j].src.Kind())
	})

	stack := make(map[string]bool, len(opts.StackSourceIDs))
	for _, id := range opts.StackSourceIDs {
		stack[id] = true
	}

	var applied []Applied
	var available []Applied
	promoApplied := false
	for i, c := range candidates {
		kind, value, _ := c.src.Terms()
		record := Applied{
			SourceID:       c.src.SourceID(),
			SourceType:     c.src.Kind(),
			SourceName:     c.src.SourceName(),
			DiscountType:   kind,
			DiscountValue:  value,
			DiscountAmount: c.amount,
		}
		apply := i == 0 || stack[c.src.SourceID()]
		if apply && c.src.Kind() == KindPromoCode {
			if promoApplied {
				rejected = append(rejected, Rejection{
					SourceID:   c.src.SourceID(),
					SourceType: c.src.Kind(),
					SourceName: c.src.SourceName(),
					Reason:     ErrPromoStacking.Error(),
				})
				continue
			}
			promoApplied = true
		}
		if apply {
			applied = append(applied, record)
		} else {
			available = append(available, record)
		}
	}

	var total float64
	for i := range applied {
		remaining := ctx.Subtotal - total
		if remaining <= 0 {
			applied[i].DiscountAmount = 0
			continue
		}
		if applied[i].DiscountAmount > remaining {
			applied[i].DiscountAmount = round2(remaining)
		}
		total += applied[i].DiscountAmount
	}
	total = round2(total)

	requiresApproval := false
	if opts.ApprovalPercent > 0 && ctx.Subtotal > 0 {
		requiresApproval = total/ctx.Subtotal*100 > opts.ApprovalPercent
	}

	return Resolution{
		Applied:             applied,
		Available:           available,
		Rejected:            rejected,
		TotalDiscountAmount: total,
		RequiresApproval:    requiresApproval,
	}
}

func intersects(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if set[v] {
			return true
		}
	}
	return false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
