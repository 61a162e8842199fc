package pricing

import (
	"errors"
	"math"
	"strings"
)

var (
	// ErrUnknownTier is returned when the requested tier is not a known package level.
	ErrUnknownTier = errors.New("pricing: unknown tier")
	// ErrUnknownCondition is returned when the surface condition is not recognised.
	ErrUnknownCondition = errors.New("pricing: unknown surface condition")
	// ErrTaxRateRange is returned when the tax rate is outside [0, 1].
	ErrTaxRateRange = errors.New("pricing: tax rate must be between 0 and 1")
	// ErrDepositPercentRange is returned when the deposit percent is outside [0, 100].
	ErrDepositPercentRange = errors.New("pricing: deposit percent must be between 0 and 100")
)

// Tier is a pricing package level with a fixed multiplier.
type Tier string

const (
	TierEconomy  Tier = "economy"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// Condition describes the surface state driving the condition adjustment.
type Condition string

const (
	ConditionGood Condition = "good"
	ConditionFair Condition = "fair"
	ConditionPoor Condition = "poor"
)

var tierMultipliers = map[Tier]float64{
	TierEconomy:  0.85,
	TierStandard: 1.0,
	TierPremium:  1.35,
}

var conditionMultipliers = map[Condition]float64{
	ConditionGood: 1.0,
	ConditionFair: 1.15,
	ConditionPoor: 1.30,
}

// Tiers lists all package levels in ascending price order.
func Tiers() []Tier {
	return []Tier{TierEconomy, TierStandard, TierPremium}
}

// Measurement field identifiers bound by service definitions.
const (
	FieldNetSqft            = "net_sqft"
	FieldCrackLinearFeet    = "crack_linear_feet"
	FieldOilSpotCount       = "oil_spot_count"
	FieldStripingLinearFeet = "striping_linear_feet"
	FieldParkingStallCount  = "parking_stall_count"
)

// Measurements holds the raw site measurements entered by the estimator.
type Measurements struct {
	TotalSqft          float64 `json:"totalSqft"`
	DeductionSqft      float64 `json:"deductionSqft"`
	CrackLinearFeet    float64 `json:"crackLinearFeet"`
	OilSpotCount       float64 `json:"oilSpotCount"`
	StripingLinearFeet float64 `json:"stripingLinearFeet"`
	ParkingStallCount  float64 `json:"parkingStallCount"`
}

// NetSqft is the billable area after deductions, never negative and never
// larger than the gross area.
func (m Measurements) NetSqft() float64 {
	net := m.TotalSqft - m.DeductionSqft
	if net < 0 {
		return 0
	}
	return net
}

// Quantity resolves a measurement field identifier to its current value.
// Unknown fields and negative entries resolve to 0 so they produce no line item.
func (m Measurements) Quantity(field string) float64 {
	var v float64
	switch strings.TrimSpace(field) {
	case FieldNetSqft:
		v = m.NetSqft()
	case FieldCrackLinearFeet:
		v = m.CrackLinearFeet
	case FieldOilSpotCount:
		v = m.OilSpotCount
	case FieldStripingLinearFeet:
		v = m.StripingLinearFeet
	case FieldParkingStallCount:
		v = m.ParkingStallCount
	default:
		return 0
	}
	if v < 0 {
		return 0
	}
	return v
}

// CatalogItem binds an offerable service to its measurement field and unit price.
type CatalogItem struct {
	ID            string
	Name          string
	Unit          string
	QuantityField string
	UnitPrice     float64
}

// CustomItem is a caller-supplied line outside the service catalog.
type CustomItem struct {
	Name      string  `json:"name"`
	Quantity  float64 `json:"quantity"`
	Unit      string  `json:"unit"`
	UnitPrice float64 `json:"unitPrice"`
}

// LineItem is one priced line of a proposal.
type LineItem struct {
	ServiceID string  `json:"serviceId,omitempty"`
	Name      string  `json:"name"`
	Quantity  float64 `json:"quantity"`
	Unit      string  `json:"unit"`
	UnitPrice float64 `json:"unitPrice"`
	Total     float64 `json:"total"`
	Tier      Tier    `json:"tier"`
}

// Input carries everything Compute needs. Tax rate and deposit percent are
// organisation-level settings supplied by the caller.
type Input struct {
	Measurements   Measurements
	Services       []CatalogItem
	CustomItems    []CustomItem
	Tier           Tier
	Condition      Condition
	TaxRate        float64
	DepositPercent float64
	DiscountAmount float64
}

// TierQuote is the comparison price of one tier under the same condition and
// tax assumptions, before discounts. Display only.
type TierQuote struct {
	Tier             Tier    `json:"tier"`
	AdjustedSubtotal float64 `json:"adjustedSubtotal"`
	TaxAmount        float64 `json:"taxAmount"`
	Total            float64 `json:"total"`
}

// State is the fully derived pricing breakdown.
type State struct {
	LineItems           []LineItem  `json:"lineItems"`
	Subtotal            float64     `json:"subtotal"`
	TieredSubtotal      float64     `json:"tieredSubtotal"`
	ConditionAdjustment float64     `json:"conditionAdjustment"`
	AdjustedSubtotal    float64     `json:"adjustedSubtotal"`
	DiscountAmount      float64     `json:"discountAmount"`
	TaxAmount           float64     `json:"taxAmount"`
	Total               float64     `json:"total"`
	DepositAmount       float64     `json:"depositAmount"`
	TierPricing         []TierQuote `json:"tierPricing"`
}

// Validate checks the parts of the input that are configuration, not data.
func (in Input) Validate() error {
	if _, ok := tierMultipliers[in.Tier]; !ok {
		return ErrUnknownTier
	}
	if _, ok := conditionMultipliers[in.Condition]; !ok {
		return ErrUnknownCondition
	}
	if in.TaxRate < 0 || in.TaxRate > 1 {
		return ErrTaxRateRange
	}
	if in.DepositPercent < 0 || in.DepositPercent > 100 {
		return ErrDepositPercentRange
	}
	return nil
}

// Compute derives the full pricing state from measurements, selected services
// and org settings. Deterministic: same input, same output.
func (in Input) Compute() (State, error) {
	if err := in.Validate(); err != nil {
		return State{}, err
	}

	items := make([]LineItem, 0, len(in.Services)+len(in.CustomItems))
	for _, svc := range in.Services {
		qty := in.Measurements.Quantity(svc.QuantityField)
		if qty <= 0 {
			continue
		}
		items = append(items, LineItem{
			ServiceID: svc.ID,
			Name:      svc.Name,
			Quantity:  qty,
			Unit:      svc.Unit,
			UnitPrice: svc.UnitPrice,
			Total:     round2(qty * svc.UnitPrice),
			Tier:      in.Tier,
		})
	}
	for _, ci := range in.CustomItems {
		if ci.Quantity <= 0 {
			continue
		}
		items = append(items, LineItem{
			Name:      ci.Name,
			Quantity:  ci.Quantity,
			Unit:      ci.Unit,
			UnitPrice: ci.UnitPrice,
			Total:     round2(ci.Quantity * ci.UnitPrice),
			Tier:      in.Tier,
		})
	}

	var subtotal float64
	for _, it := range items {
		subtotal += it.Total
	}

	tierMult := tierMultipliers[in.Tier]
	condMult := conditionMultipliers[in.Condition]

	tiered := subtotal * tierMult
	adjusted := tiered * condMult
	conditionAdjustment := tiered * (condMult - 1)

	discount := in.DiscountAmount
	if discount < 0 {
		discount = 0
	}
	if discount > adjusted {
		discount = adjusted
	}
	afterDiscount := adjusted - discount
	tax := afterDiscount * in.TaxRate
	total := afterDiscount + tax
	deposit := total * in.DepositPercent / 100

	comparison := make([]TierQuote, 0, len(tierMultipliers))
	for _, t := range Tiers() {
		adj := subtotal * tierMultipliers[t] * condMult
		cmpTax := adj * in.TaxRate
		comparison = append(comparison, TierQuote{
			Tier:             t,
			AdjustedSubtotal: round2(adj),
			TaxAmount:        round2(cmpTax),
			Total:            round2(adj + cmpTax),
		})
	}

	return State{
		LineItems:           items,
		Subtotal:            round2(subtotal),
		TieredSubtotal:      round2(tiered),
		ConditionAdjustment: round2(conditionAdjustment),
		AdjustedSubtotal:    round2(adjusted),
		DiscountAmount:      round2(discount),
		TaxAmount:           round2(tax),
		Total:               round2(total),
		DepositAmount:       round2(deposit),
		TierPricing:         comparison,
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
