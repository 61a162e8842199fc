package discount

import (
	"errors"
	"testing"
	"time"
)

var testNow = time.Date(2026, time.June, 15, 12, 0, 0, 0, time.UTC)

func i32(v int32) *int32        { return &v }
func f64(v float64) *float64    { return &v }
func ts(t time.Time) *time.Time { return &t }

func TestPromoEligibilityWindow(t *testing.T) {
	ctx := Context{Subtotal: 1000, Now: testNow}
	promo := PromoCodeSource{
		Code: "SAVE10", DiscountType: TypePercent, DiscountValue: 10,
		StartsAt: ts(testNow.Add(time.Hour)),
	}
	if err := Eligible(promo, ctx); !errors.Is(err, ErrPromoNotStarted) {
		t.Fatalf("expected ErrPromoNotStarted, got %v", err)
	}
	promo.StartsAt = nil
	promo.ExpiresAt = ts(testNow.Add(-time.Hour))
	if err := Eligible(promo, ctx); !errors.Is(err, ErrPromoExpired) {
		t.Fatalf("expected ErrPromoExpired, got %v", err)
	}
}

func TestPromoSingleUseRejectedOnSecondResolution(t *testing.T) {
	ctx := Context{Subtotal: 1000, Now: testNow}
	promo := PromoCodeSource{
		Code: "ONCE", DiscountType: TypeFixed, DiscountValue: 50,
		MaxUsesTotal: i32(1), UsesTotal: 1,
	}
	if err := Eligible(promo, ctx); !errors.Is(err, ErrPromoExhausted) {
		t.Fatalf("expected ErrPromoExhausted, got %v", err)
	}
}

func TestPromoPerCustomerLimit(t *testing.T) {
	ctx := Context{Subtotal: 1000, Now: testNow}
	promo := PromoCodeSource{
		Code: "REPEAT", DiscountType: TypeFixed, DiscountValue: 25,
		MaxUsesPerCustomer: i32(2), CustomerUses: 2,
	}
	if err := Eligible(promo, ctx); !errors.Is(err, ErrPromoPerCustomerExhausted) {
		t.Fatalf("expected ErrPromoPerCustomerExhausted, got %v", err)
	}
}

func TestPromoCustomerRestriction(t *testing.T) {
	ctx := Context{Subtotal: 1000, Now: testNow, CustomerType: "existing"}
	promo := PromoCodeSource{
		Code: "NEWBIE", DiscountType: TypePercent, DiscountValue: 15,
		CustomerRestriction: "new_only",
	}
	if err := Eligible(promo, ctx); !errors.Is(err, ErrCustomerRestricted) {
		t.Fatalf("expected ErrCustomerRestricted, got %v", err)
	}
	ctx.CustomerType = "new"
	if err := Eligible(promo, ctx); err != nil {
		t.Fatalf("expected eligible for new customer, got %v", err)
	}
}

func TestPromoMinOrderAmount(t *testing.T) {
	ctx := Context{Subtotal: 400, Now: testNow}
	promo := PromoCodeSource{Code: "BIG", DiscountType: TypePercent, DiscountValue: 10, MinOrderAmount: 500}
	if err := Eligible(promo, ctx); !errors.Is(err, ErrMinOrderUnmet) {
		t.Fatalf("expected ErrMinOrderUnmet, got %v", err)
	}
}

func TestSeasonalServiceIntersection(t *testing.T) {
	ctx := Context{Subtotal: 1000, Now: testNow, SelectedServiceIDs: []string{"crack_filling"}}
	campaign := SeasonalSource{
		Name: "Spring Special", DiscountType: TypePercent, DiscountValue: 10,
		StartsAt: testNow.Add(-24 * time.Hour), ExpiresAt: testNow.Add(24 * time.Hour),
		ApplicableServices: []string{"sealcoating"},
	}
	if err := Eligible(campaign, ctx); !errors.Is(err, ErrServiceNotCovered) {
		t.Fatalf("expected ErrServiceNotCovered, got %v", err)
	}
	ctx.SelectedServiceIDs = []string{"sealcoating", "crack_filling"}
	if err := Eligible(campaign, ctx); err != nil {
		t.Fatalf("expected eligible with covered service, got %v", err)
	}
}

func TestVolumeThreshold(t *testing.T) {
	rule := VolumeSource{Name: "Bulk", DiscountType: TypePercent, DiscountValue: 5, MinSubtotal: 2000}
	if err := Eligible(rule, Context{Subtotal: 1500, Now: testNow}); !errors.Is(err, ErrThresholdUnmet) {
		t.Fatalf("expected ErrThresholdUnmet, got %v", err)
	}
	if err := Eligible(rule, Context{Subtotal: 2500, Now: testNow}); err != nil {
		t.Fatalf("expected eligible above threshold, got %v", err)
	}
	qty := VolumeSource{Name: "Qty", DiscountType: TypeFixed, DiscountValue: 100, MinQuantity: f64(10000)}
	if err := Eligible(qty, Context{Subtotal: 500, TotalQuantity: 12000, Now: testNow}); err != nil {
		t.Fatalf("expected eligible on quantity threshold, got %v", err)
	}
}

func TestAmountPercentCappedAndFixedClamped(t *testing.T) {
	percent := PromoCodeSource{DiscountType: TypePercent, DiscountValue: 20, MaxDiscountAmount: f64(150)}
	if got := Amount(percent, 1000); got != 150 {
		t.Fatalf("expected percent amount capped at 150, got %v", got)
	}
	fixed := ManualSource{DiscountType: TypeFixed, DiscountValue: 500}
	if got := Amount(fixed, 300); got != 300 {
		t.Fatalf("expected fixed amount clamped to subtotal, got %v", got)
	}
}

func TestResolveAppliesHighestValueSource(t *testing.T) {
	// Matches the documented scenario: SAVE10 beats the 5% loyalty discount.
	sources := []Source{
		PromoCodeSource{
			ID: "p1", Code: "SAVE10", Name: "SAVE10",
			DiscountType: TypePercent, DiscountValue: 10,
			MinOrderAmount: 500, MaxUsesTotal: i32(100),
		},
		LoyaltySource{Tier: "gold", DiscountPercent: 5},
	}
	res := Resolve(Context{Subtotal: 1000, Now: testNow}, sources, Options{ApprovalPercent: 15})
	if len(res.Applied) != 1 {
		t.Fatalf("expected exactly one auto-applied source, got %d", len(res.Applied))
	}
	if res.Applied[0].SourceType != KindPromoCode || res.Applied[0].DiscountAmount != 100 {
		t.Fatalf("expected SAVE10 $100 applied, got %+v", res.Applied[0])
	}
	if len(res.Available) != 1 || res.Available[0].SourceType != KindLoyalty || res.Available[0].DiscountAmount != 50 {
		t.Fatalf("expected loyalty $50 available, got %+v", res.Available)
	}
	if res.TotalDiscountAmount != 100 {
		t.Fatalf("expected total discount 100, got %v", res.TotalDiscountAmount)
	}
	if res.RequiresApproval {
		t.Fatalf("10%% discount should not require a 15%% approval")
	}
}

func TestResolveTieBreakPrefersSpecificity(t *testing.T) {
	sources := []Source{
		SeasonalSource{
			ID: "s1", Name: "Summer", DiscountType: TypePercent, DiscountValue: 10,
			StartsAt: testNow.Add(-time.Hour), ExpiresAt: testNow.Add(time.Hour),
		},
		PromoCodeSource{ID: "p1", Code: "TEN", Name: "TEN", DiscountType: TypePercent, DiscountValue: 10},
	}
	res := Resolve(Context{Subtotal: 1000, Now: testNow}, sources, Options{})
	if res.Applied[0].SourceType != KindPromoCode {
		t.Fatalf("expected promo code to win the tie, got %v", res.Applied[0].SourceType)
	}
}

func TestResolveExplicitStackingNeverTwoPromos(t *testing.T) {
	sources := []Source{
		PromoCodeSource{ID: "p1", Code: "BIG", Name: "BIG", DiscountType: TypePercent, DiscountValue: 20},
		PromoCodeSource{ID: "p2", Code: "SMALL", Name: "SMALL", DiscountType: TypePercent, DiscountValue: 5},
		LoyaltySource{Tier: "gold", DiscountPercent: 5},
	}
	res := Resolve(Context{Subtotal: 1000, Now: testNow}, sources, Options{
		StackSourceIDs: []string{"p2", "loyalty:gold"},
	})
	if len(res.Applied) != 2 {
		t.Fatalf("expected promo + loyalty applied, got %d applied", len(res.Applied))
	}
	for _, a := range res.Applied {
		if a.SourceID == "p2" {
			t.Fatalf("second promo code must never stack")
		}
	}
	found := false
	for _, r := range res.Rejected {
		if r.SourceID == "p2" && r.Reason == ErrPromoStacking.Error() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected stacking rejection for second promo, got %+v", res.Rejected)
	}
	if res.TotalDiscountAmount != 250 {
		t.Fatalf("expected 200+50 stacked, got %v", res.TotalDiscountAmount)
	}
}

func TestResolveCapsCombinedAtSubtotal(t *testing.T) {
	sources := []Source{
		ManualSource{ID: "m1", Name: "Comp", DiscountType: TypeFixed, DiscountValue: 900},
		ReferralSource{ID: "r1", Name: "Referral", DiscountType: TypeFixed, DiscountValue: 300},
	}
	res := Resolve(Context{Subtotal: 1000, Now: testNow}, sources, Options{
		StackSourceIDs: []string{"r1"},
	})
	if res.TotalDiscountAmount != 1000 {
		t.Fatalf("expected combined discount capped at subtotal, got %v", res.TotalDiscountAmount)
	}
}

func TestResolveRequiresApprovalAboveThreshold(t *testing.T) {
	sources := []Source{
		ManualSource{ID: "m1", Name: "Deep cut", DiscountType: TypePercent, DiscountValue: 20},
	}
	res := Resolve(Context{Subtotal: 1000, Now: testNow}, sources, Options{ApprovalPercent: 15})
	if !res.RequiresApproval {
		t.Fatalf("expected 20%% manual discount to require approval at 15%% threshold")
	}
}

func TestResolveCollectsRejections(t *testing.T) {
	sources := []Source{
		PromoCodeSource{
			ID: "p1", Code: "GONE", Name: "GONE",
			DiscountType: TypePercent, DiscountValue: 10,
			ExpiresAt: ts(testNow.Add(-time.Hour)),
		},
	}
	res := Resolve(Context{Subtotal: 1000, Now: testNow}, sources, Options{})
	if len(res.Applied) != 0 || len(res.Rejected) != 1 {
		t.Fatalf("expected expired promo rejected, got %+v", res)
	}
	if res.Rejected[0].Reason != ErrPromoExpired.Error() {
		t.Fatalf("expected expiry reason, got %q", res.Rejected[0].Reason)
	}
}
