package pricing

// Params holds the recovery-cost model used to derive flash sale discounts.
// Defaults mirror the merchandising model: a return trip costs a fixed
// handling fee plus a share of the item price, and 75% of the avoided cost is
// passed on as discount, floored so the price never drops below 70% of the
// original.
type Params struct {
	FixedHandlingCost float64 // flat cost of a physical return
	PercentOfPrice    float64 // variable return cost as fraction of price
	ShareOfSavings    float64 // fraction of avoided cost given as discount
	FloorFraction     float64 // minimum price as fraction of original
}

// DefaultParams returns the standard discount model parameters.
func DefaultParams() Params {
	return Params{
		FixedHandlingCost: 0,
		PercentOfPrice:    0.15,
		ShareOfSavings:    0.75,
		FloorFraction:     0.70,
	}
}

// Quote is the result of pricing an offer.
type Quote struct {
	OriginalPrice   float64
	RecoveryCost    float64
	DiscountAmount  float64
	DiscountPercent float64
	DiscountedPrice float64
}

// Calculator derives discounted prices. It is a pure function of its
// parameters and inputs; it holds no state and performs no I/O.
type Calculator struct {
	params Params
}

// NewCalculator creates a calculator with the given parameters.
func NewCalculator(params Params) *Calculator {
	return &Calculator{params: params}
}

// Price computes the discounted price for an item of the given original
// price. The discount is a share of the avoided recovery cost, and the final
// price is floored at FloorFraction of the original.
func (c *Calculator) Price(originalPrice float64) Quote {
	recoveryCost := c.params.FixedHandlingCost + c.params.PercentOfPrice*originalPrice
	discount := c.params.ShareOfSavings * recoveryCost

	discounted := originalPrice - discount
	floor := originalPrice * c.params.FloorFraction
	if discounted < floor {
		discounted = floor
	}

	appliedDiscount := originalPrice - discounted
	percent := 0.0
	if originalPrice > 0 {
		percent = appliedDiscount / originalPrice * 100
	}

	return Quote{
		OriginalPrice:   originalPrice,
		RecoveryCost:    recoveryCost,
		DiscountAmount:  appliedDiscount,
		DiscountPercent: percent,
		DiscountedPrice: discounted,
	}
}
