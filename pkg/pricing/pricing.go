package pricing

// Built-in plan codes.
const (
	PlanBasic      = "basic"
	PlanPro        = "pro"
	PlanEnterprise = "ent"
)

// PlanPrices maps a plan code to its base price in cents.
type PlanPrices map[string]int64

// DefaultPlanPrices returns the built-in price table.
func DefaultPlanPrices() PlanPrices {
	return PlanPrices{
		PlanBasic:      9900,
		PlanPro:        19900,
		PlanEnterprise: 49900,
	}
}

// PriceForPlan returns the base price for code, or 0 if the code is unknown.
func (p PlanPrices) PriceForPlan(code string) int64 {
	return p[code]
}

// PriceForPlan looks code up in the built-in price table.
func PriceForPlan(code string) int64 {
	return DefaultPlanPrices().PriceForPlan(code)
}

// UsageTier describes how usage of one metric turns into an overage charge.
type UsageTier struct {
	Metric          string
	IncludedUnits   int64
	BlockSize       int64
	BlockPriceCents int64
}

// APICallsTier is the tier applied to metered usage.
var APICallsTier = UsageTier{
	Metric:          "api_calls",
	IncludedUnits:   100000,
	BlockSize:       1000,
	BlockPriceCents: 20,
}

// Charge returns the overage for quantity units. Partial blocks round up.
func (t UsageTier) Charge(quantity int64) int64 {
	if quantity <= t.IncludedUnits || t.BlockSize <= 0 {
		return 0
	}
	over := quantity - t.IncludedUnits
	blocks := (over + t.BlockSize - 1) / t.BlockSize
	return blocks * t.BlockPriceCents
}

// UsageCharge returns the overage for quantity units under APICallsTier.
func UsageCharge(quantity int64) int64 {
	return APICallsTier.Charge(quantity)
}

// Charge is the priced breakdown of one invoice.
type Charge struct {
	BaseCents     int64
	UsageCents    int64
	UsageQuantity int64
}

// Total returns the invoice amount.
func (c Charge) Total() int64 {
	return c.BaseCents + c.UsageCents
}
