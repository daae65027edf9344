package calculation

import (
	"errors"
	"slices"

	"github.com/shopspring/decimal"
)

// Formula computes the outputs of a calculation from validated inputs. It
// must be pure: identical inputs always yield identical outputs.
type Formula func(in Values) (map[string]any, error)

// Values gives formulas typed access to normalized inputs. Absent optional
// inputs read as zero values.
type Values map[string]any

// Int returns an integer input.
func (v Values) Int(name string) int64 {
	n, _ := v[name].(int64)
	return n
}

// Money returns a currency input.
func (v Values) Money(name string) decimal.Decimal {
	d, _ := v[name].(decimal.Decimal)
	return d
}

// Count returns an integer input as a decimal multiplier.
func (v Values) Count(name string) decimal.Decimal {
	return decimal.NewFromInt(v.Int(name))
}

// Choice returns a select input.
func (v Values) Choice(name string) string {
	s, _ := v[name].(string)
	return s
}

// Choices returns a multi_select input.
func (v Values) Choices(name string) []string {
	s, _ := v[name].([]string)
	return s
}

// formulas is the closed catalog of calculations, keyed by slug.
var formulas = map[string]Formula{
	"count_doubler": countDoubler,
	"deal_value":    dealValue,
	"commission":    commission,
	"service_tier":  serviceTier,
}

// Known reports whether a formula exists for slug.
func Known(slug string) bool {
	_, ok := formulas[slug]
	return ok
}

// Slugs returns the slugs of all known formulas.
func Slugs() []string {
	out := make([]string, 0, len(formulas))
	for slug := range formulas {
		out = append(out, slug)
	}
	slices.Sort(out)
	return out
}

func countDoubler(in Values) (map[string]any, error) {
	return map[string]any{"total": in.Int("count") * 2}, nil
}

var hundred = decimal.NewFromInt(100)

// Currency outputs are decimal.Decimal values rounded to cents.
func dealValue(in Values) (map[string]any, error) {
	subtotal := RoundMoney(in.Money("unit_price").Mul(in.Count("quantity")))
	discount := RoundMoney(subtotal.Mul(in.Count("discount_percent")).Div(hundred))
	return map[string]any{
		"subtotal": subtotal,
		"discount": discount,
		"total":    RoundMoney(subtotal.Sub(discount)),
	}, nil
}

// Payment modes of the commission calculation.
const (
	PaymentUpfront      = "upfront"
	PaymentSplit        = "split"
	PaymentInstallments = "installments"
)

func commission(in Values) (map[string]any, error) {
	term := in.Int("term_months")
	total := RoundMoney(in.Money("fee").Mul(decimal.NewFromInt(term)))

	var count int64
	switch in.Choice("payment_mode") {
	case PaymentUpfront:
		count = 1
	case PaymentSplit:
		count = 2
	case PaymentInstallments:
		count = in.Int("installments")
		if count == 0 {
			count = term
		}
	default:
		return nil, errors.New("Payment mode is not supported")
	}
	if count <= 0 {
		return nil, errors.New("Installment count must be positive")
	}

	return map[string]any{
		"total_commission":   total,
		"installment_count":  count,
		"installment_amount": RoundMoney(total.Div(decimal.NewFromInt(count))),
	}, nil
}

// Service tiers in priority order: the first tier implied by any selected
// service wins.
var (
	tierPriority = []string{"enterprise", "professional", "starter"}
	serviceTiers = map[string]string{
		"crm":               "starter",
		"email":             "starter",
		"analytics":         "professional",
		"automation":        "professional",
		"sso":               "enterprise",
		"dedicated_support": "enterprise",
	}
	tierRates = map[string]decimal.Decimal{
		"starter":      decimal.NewFromInt(25),
		"professional": decimal.NewFromInt(60),
		"enterprise":   decimal.NewFromInt(120),
	}
)

func serviceTier(in Values) (map[string]any, error) {
	services := in.Choices("services")
	implied := make(map[string]bool, len(services))
	for _, s := range services {
		tier, ok := serviceTiers[s]
		if !ok {
			tier = "starter"
		}
		implied[tier] = true
	}

	tier := "starter"
	for _, candidate := range tierPriority {
		if implied[candidate] {
			tier = candidate
			break
		}
	}

	return map[string]any{
		"tier":          tier,
		"service_count": int64(len(services)),
		"monthly_fee":   RoundMoney(tierRates[tier].Mul(in.Count("seats"))),
	}, nil
}
