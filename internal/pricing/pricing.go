// Package pricing implements the bonding curves used for primary issuance.
//
// All arithmetic is integer: square roots are taken on math/big integers, so
// ceil(base/sqrt(n)) is computed as the smallest p with p*p*n >= base*base.
// No floating point value ever reaches a ledger amount.
package pricing

import (
	"math"
	"math/big"

	"github.com/rickgao/tokenmarket/internal/errs"
	"github.com/rickgao/tokenmarket/internal/model"
)

// ExactThreshold is the largest amount quoted by summing spot prices unit by unit.
// Larger amounts use the closed-form branch.
const ExactThreshold = 1000

// LinearDecayScale converts a linear DecayFactor (micro-sats per unit) to sats.
const LinearDecayScale = 1_000_000

// fixedPointBits is the fractional precision used for the integral branch.
const fixedPointBits = 32

// Quote is the cost of buying Amount units at the current supply.
type Quote struct {
	Amount       int64 `json:"amount"`
	TotalSats    int64 `json:"totalSats"`
	AvgPriceSats int64 `json:"avgPrice"`
}

// Curve holds the parameters of a token's pricing model.
type Curve struct {
	Model         model.PricingModel
	BasePriceSats int64
	DecayFactor   int64
}

// Calculator prices primary issuance for one curve.
type Calculator struct {
	curve Curve
	base  *big.Int
	base2 *big.Int // base squared, cached for sqrt_decay
}

// New validates c and returns a Calculator for it.
func New(c Curve) (*Calculator, error) {
	if !c.Model.Valid() {
		return nil, errs.Validation("pricing.new", "unknown pricing model %q", c.Model)
	}
	if c.BasePriceSats <= 0 {
		return nil, errs.Validation("pricing.new", "base_price_sats must be > 0, got %d", c.BasePriceSats)
	}
	if c.DecayFactor < 0 {
		return nil, errs.Validation("pricing.new", "decay_factor must be >= 0, got %d", c.DecayFactor)
	}

	base := big.NewInt(c.BasePriceSats)
	return &Calculator{
		curve: c,
		base:  base,
		base2: new(big.Int).Mul(base, base),
	}, nil
}

// ForToken returns a Calculator for a registered token's curve.
func ForToken(t model.Token) (*Calculator, error) {
	return New(Curve{
		Model:         t.PricingModel,
		BasePriceSats: t.BasePriceSats,
		DecayFactor:   t.DecayFactor,
	})
}

// Curve returns the calculator's parameters.
func (c *Calculator) Curve() Curve {
	return c.curve
}

// SpotPrice returns the price of the next unit after supplySold units were sold.
// The result is never below 1 sat.
func (c *Calculator) SpotPrice(supplySold int64) (int64, error) {
	if supplySold < 0 || supplySold == math.MaxInt64 {
		return 0, errs.Validation("pricing.spot", "supply_sold out of range, got %d", supplySold)
	}
	return c.spot(supplySold), nil
}

// Quote returns the cost of amount units starting at supplySold, choosing the
// exact branch for amount <= ExactThreshold and the closed form otherwise.
func (c *Calculator) Quote(supplySold, amount int64) (Quote, error) {
	var (
		total int64
		err   error
	)
	if amount <= ExactThreshold {
		total, err = c.ExactCost(supplySold, amount)
	} else {
		total, err = c.IntegralCost(supplySold, amount)
	}
	if err != nil {
		return Quote{}, err
	}

	avg := total / amount
	if avg < 1 {
		avg = 1
	}
	return Quote{Amount: amount, TotalSats: total, AvgPriceSats: avg}, nil
}

// ExactCost sums SpotPrice(supplySold+i) for i in [0, amount).
func (c *Calculator) ExactCost(supplySold, amount int64) (int64, error) {
	if err := validateRange(supplySold, amount); err != nil {
		return 0, err
	}

	if c.curve.Model == model.PricingFixed {
		return mulChecked(c.curve.BasePriceSats, amount)
	}

	total := new(big.Int)
	for i := int64(0); i < amount; i++ {
		total.Add(total, big.NewInt(c.spot(supplySold+i)))
	}
	return toInt64(total)
}

// IntegralCost returns the closed-form cost of amount units starting at supplySold.
// For sqrt_decay this is ceil(2·base·√(s+amount+1) − 2·base·√(s+1)), the integral of
// base/√(x+1) over [s, s+amount]. The result is floored at 1 sat per unit.
func (c *Calculator) IntegralCost(supplySold, amount int64) (int64, error) {
	if err := validateRange(supplySold, amount); err != nil {
		return 0, err
	}

	var (
		total int64
		err   error
	)
	switch c.curve.Model {
	case model.PricingFixed:
		total, err = mulChecked(c.curve.BasePriceSats, amount)
	case model.PricingLinear:
		total, err = c.linearClosedForm(supplySold, amount)
	default:
		total, err = c.sqrtIntegral(supplySold, amount)
	}
	if err != nil {
		return 0, err
	}

	if total < amount {
		total = amount
	}
	return total, nil
}

func validateRange(supplySold, amount int64) error {
	if amount <= 0 {
		return errs.Validation("pricing.quote", "amount must be > 0, got %d", amount)
	}
	if supplySold < 0 {
		return errs.Validation("pricing.quote", "supply_sold must be >= 0, got %d", supplySold)
	}
	// s+amount+1 must stay representable.
	if amount > math.MaxInt64-supplySold-1 {
		return errs.Validation("pricing.quote", "amount %d out of range at supply %d", amount, supplySold)
	}
	return nil
}

// spot computes the unit price at supply s (s >= 0).
func (c *Calculator) spot(s int64) int64 {
	var p int64
	switch c.curve.Model {
	case model.PricingFixed:
		p = c.curve.BasePriceSats
	case model.PricingLinear:
		p = c.linearSpot(s)
	default:
		p = c.sqrtSpot(s)
	}
	if p < 1 {
		return 1
	}
	return p
}

// sqrtSpot returns ceil(base / sqrt(s+1)).
func (c *Calculator) sqrtSpot(s int64) int64 {
	n := big.NewInt(s + 1)
	q := ceilDiv(c.base2, n)
	return ceilSqrt(q).Int64()
}

// sqrtIntegral returns ceil(2·base·(√(s+amount+1) − √(s+1))) in fixed point.
func (c *Calculator) sqrtIntegral(s, amount int64) (int64, error) {
	upper := scaledSqrtTerm(c.base2, s+amount+1)
	lower := scaledSqrtTerm(c.base2, s+1)

	diff := new(big.Int).Sub(upper, lower)
	unit := new(big.Int).Lsh(big.NewInt(1), fixedPointBits)
	return toInt64(ceilDiv(diff, unit))
}

// scaledSqrtTerm returns floor(2·base·√n · 2^fixedPointBits).
func scaledSqrtTerm(base2 *big.Int, n int64) *big.Int {
	// (2·base·√n·2^k)² = 4·base²·n·2^(2k)
	x := new(big.Int).Mul(base2, big.NewInt(n))
	x.Lsh(x, 2+2*fixedPointBits)
	return x.Sqrt(x)
}

// linearSpot returns base − floor(s·decay / LinearDecayScale), unclamped.
func (c *Calculator) linearSpot(s int64) int64 {
	drop := new(big.Int).Mul(big.NewInt(s), big.NewInt(c.curve.DecayFactor))
	drop.Quo(drop, big.NewInt(LinearDecayScale))
	if drop.Cmp(c.base) >= 0 {
		return 0
	}
	return c.curve.BasePriceSats - drop.Int64()
}

// linearClosedForm sums the linear curve as an arithmetic series, split at the
// supply where the price reaches the 1-sat floor.
func (c *Calculator) linearClosedForm(s, amount int64) (int64, error) {
	if c.curve.DecayFactor == 0 {
		return mulChecked(c.curve.BasePriceSats, amount)
	}

	// floorAt is the first supply whose price is clamped to 1 sat:
	// ceil((base−1)·scale / decay).
	floorAt := ceilDiv(
		new(big.Int).Mul(big.NewInt(c.curve.BasePriceSats-1), big.NewInt(LinearDecayScale)),
		big.NewInt(c.curve.DecayFactor),
	)

	end := big.NewInt(s + amount)
	sloped := new(big.Int)
	if floorAt.Cmp(big.NewInt(s)) > 0 {
		stop := end
		if floorAt.Cmp(end) < 0 {
			stop = floorAt
		}
		n := new(big.Int).Sub(stop, big.NewInt(s))

		// Σ i for i in [s, s+n) = n·s + n(n−1)/2
		sumIdx := new(big.Int).Mul(n, big.NewInt(s))
		tri := new(big.Int).Mul(n, new(big.Int).Sub(n, big.NewInt(1)))
		tri.Rsh(tri, 1)
		sumIdx.Add(sumIdx, tri)

		drop := new(big.Int).Mul(sumIdx, big.NewInt(c.curve.DecayFactor))
		drop.Quo(drop, big.NewInt(LinearDecayScale))

		sloped.Mul(n, c.base)
		sloped.Sub(sloped, drop)
		amount -= n.Int64()
	}

	// Remaining units sit on the 1-sat floor.
	sloped.Add(sloped, big.NewInt(amount))
	return toInt64(sloped)
}

func ceilDiv(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func ceilSqrt(x *big.Int) *big.Int {
	r := new(big.Int).Sqrt(x)
	if new(big.Int).Mul(r, r).Cmp(x) < 0 {
		r.Add(r, big.NewInt(1))
	}
	return r
}

func mulChecked(a, b int64) (int64, error) {
	return toInt64(new(big.Int).Mul(big.NewInt(a), big.NewInt(b)))
}

func toInt64(x *big.Int) (int64, error) {
	if !x.IsInt64() {
		return 0, errs.Validation("pricing.quote", "cost overflows int64 sats")
	}
	return x.Int64(), nil
}
