package calculation

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pitabwire/dealflow/model"
)

// Field error codes reported in model.FieldError.Code.
const (
	CodeRequired      = "REQUIRED"
	CodeInvalidType   = "INVALID_TYPE"
	CodeMin           = "MIN"
	CodeMax           = "MAX"
	CodeNegative      = "NEGATIVE"
	CodeInvalidOption = "INVALID_OPTION"
	CodeFormula       = "FORMULA"
)

// field validates and normalizes one declared input. There is one
// implementation per model.FieldType.
type field interface {
	input() model.InputField
	// parse returns the normalized value or a field error.
	parse(raw any) (any, *model.FieldError)
	// canonical renders a normalized value for equality comparison.
	canonical(v any) string
}

// compile builds the typed validators for a definition's input schema.
func compile(def model.CalculationDefinition) ([]field, error) {
	fields := make([]field, 0, len(def.InputSchema))
	for _, in := range def.InputSchema {
		f, err := fieldFor(in)
		if err != nil {
			return nil, model.NewCatalogMisconfiguredError(
				fmt.Sprintf("calculation %q: %v", def.Slug, err),
			)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// CheckDefinition reports whether def can be evaluated: its slug names a
// known formula and every input field has a supported type.
func CheckDefinition(def model.CalculationDefinition) error {
	if !Known(def.Slug) {
		return fmt.Errorf("no formula for slug %q", def.Slug)
	}
	for _, in := range def.InputSchema {
		if _, err := fieldFor(in); err != nil {
			return err
		}
	}
	return nil
}

func fieldFor(in model.InputField) (field, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("input field without name")
	}
	switch in.Type {
	case model.FieldInteger:
		return integerField{in}, nil
	case model.FieldCurrency:
		return currencyField{in}, nil
	case model.FieldSelect:
		return selectField{in}, nil
	case model.FieldMultiSelect:
		return multiSelectField{in}, nil
	case model.FieldText:
		return textField{in}, nil
	default:
		return nil, fmt.Errorf("field %q has unsupported type %q", in.Name, in.Type)
	}
}

// Label returns the display label of an input, deriving one from the name
// when none is configured ("unit_price" becomes "Unit price").
func Label(in model.InputField) string {
	if in.Label != "" {
		return in.Label
	}
	name := strings.ReplaceAll(in.Name, "_", " ")
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

func fieldError(in model.InputField, code, format string, args ...any) *model.FieldError {
	return &model.FieldError{
		Field:   in.Name,
		Code:    code,
		Message: Label(in) + " " + fmt.Sprintf(format, args...),
	}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// toFloat accepts JSON numbers, Go numeric types and numeric strings.
func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, !math.IsNaN(v) && !math.IsInf(v, 0)
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func checkBounds(in model.InputField, v float64) *model.FieldError {
	if in.Min != nil && v < *in.Min {
		return fieldError(in, CodeMin, "must be at least %s", formatNumber(*in.Min))
	}
	if in.Max != nil && v > *in.Max {
		return fieldError(in, CodeMax, "must be at most %s", formatNumber(*in.Max))
	}
	return nil
}

type integerField struct{ in model.InputField }

func (f integerField) input() model.InputField { return f.in }

func (f integerField) parse(raw any) (any, *model.FieldError) {
	var n int64
	switch v := raw.(type) {
	case int:
		n = int64(v)
	case int64:
		n = v
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fieldError(f.in, CodeInvalidType, "must be a whole number")
		}
		n = parsed
	default:
		fv, ok := toFloat(raw)
		if !ok || fv != math.Trunc(fv) || math.Abs(fv) > 1<<53 {
			return nil, fieldError(f.in, CodeInvalidType, "must be a whole number")
		}
		n = int64(fv)
	}
	if ferr := checkBounds(f.in, float64(n)); ferr != nil {
		return nil, ferr
	}
	return n, nil
}

func (f integerField) canonical(v any) string {
	if n, ok := v.(int64); ok {
		return strconv.FormatInt(n, 10)
	}
	return fmt.Sprint(v)
}

type currencyField struct{ in model.InputField }

func (f currencyField) input() model.InputField { return f.in }

// parse returns the amount as a decimal.Decimal rounded to cents. Bounds are
// checked against the amount as entered.
func (f currencyField) parse(raw any) (any, *model.FieldError) {
	d, ok := toDecimal(raw)
	if !ok {
		return nil, fieldError(f.in, CodeInvalidType, "must be a valid amount")
	}
	if f.in.Min == nil && d.IsNegative() {
		return nil, fieldError(f.in, CodeNegative, "cannot be negative")
	}
	if f.in.Min != nil && d.LessThan(decimal.NewFromFloat(*f.in.Min)) {
		return nil, fieldError(f.in, CodeMin, "must be at least %s", formatNumber(*f.in.Min))
	}
	if f.in.Max != nil && d.GreaterThan(decimal.NewFromFloat(*f.in.Max)) {
		return nil, fieldError(f.in, CodeMax, "must be at most %s", formatNumber(*f.in.Max))
	}
	return RoundMoney(d), nil
}

func (f currencyField) canonical(v any) string {
	if d, ok := v.(decimal.Decimal); ok {
		return d.StringFixed(2)
	}
	return fmt.Sprint(v)
}

// toDecimal accepts decimals, JSON numbers, Go integers and amount strings
// such as "$1,250.45". Floats go through their shortest decimal form, so
// 1.005 is read as exactly 1.005.
func toDecimal(raw any) (decimal.Decimal, bool) {
	switch v := raw.(type) {
	case decimal.Decimal:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(v), true
	case float32:
		if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat32(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int32:
		return decimal.NewFromInt32(v), true
	case int64:
		return decimal.NewFromInt(v), true
	case string:
		s := strings.NewReplacer("$", "", ",", "").Replace(strings.TrimSpace(v))
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	}
	return decimal.Decimal{}, false
}

type selectField struct{ in model.InputField }

func (f selectField) input() model.InputField { return f.in }

func (f selectField) parse(raw any) (any, *model.FieldError) {
	s, ok := scalarString(raw)
	if !ok {
		return nil, fieldError(f.in, CodeInvalidType, "must be a single option")
	}
	if len(f.in.Options) > 0 && !slices.Contains(f.in.Options, s) {
		return nil, fieldError(f.in, CodeInvalidOption, "has an invalid option: %s", s)
	}
	return s, nil
}

func (f selectField) canonical(v any) string { return fmt.Sprint(v) }

type multiSelectField struct{ in model.InputField }

func (f multiSelectField) input() model.InputField { return f.in }

func (f multiSelectField) parse(raw any) (any, *model.FieldError) {
	var items []string
	switch v := raw.(type) {
	case []string:
		items = v
	case []any:
		for _, item := range v {
			s, ok := scalarString(item)
			if !ok {
				return nil, fieldError(f.in, CodeInvalidType, "must be a list of options")
			}
			items = append(items, s)
		}
	default:
		return nil, fieldError(f.in, CodeInvalidType, "must be a list")
	}

	out := make([]string, 0, len(items))
	var invalid []string
	for _, s := range items {
		if slices.Contains(out, s) {
			continue
		}
		if len(f.in.Options) > 0 && !slices.Contains(f.in.Options, s) {
			invalid = append(invalid, s)
			continue
		}
		out = append(out, s)
	}
	if len(invalid) > 0 {
		return nil, fieldError(f.in, CodeInvalidOption, "has invalid options: %s", strings.Join(invalid, ", "))
	}
	if lo := f.in.Min; lo != nil && float64(len(out)) < *lo {
		return nil, fieldError(f.in, CodeMin, "needs at least %s selections", formatNumber(*lo))
	}
	if hi := f.in.Max; hi != nil && float64(len(out)) > *hi {
		return nil, fieldError(f.in, CodeMax, "allows at most %s selections", formatNumber(*hi))
	}
	return out, nil
}

// canonical ignores selection order.
func (f multiSelectField) canonical(v any) string {
	items, ok := v.([]string)
	if !ok {
		return fmt.Sprint(v)
	}
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)
	return strings.Join(sorted, "\x1f")
}

type textField struct{ in model.InputField }

func (f textField) input() model.InputField { return f.in }

func (f textField) parse(raw any) (any, *model.FieldError) {
	s, ok := scalarString(raw)
	if !ok {
		return nil, fieldError(f.in, CodeInvalidType, "must be text")
	}
	n := float64(len([]rune(s)))
	if f.in.Min != nil && n < *f.in.Min {
		return nil, fieldError(f.in, CodeMin, "must be at least %s characters", formatNumber(*f.in.Min))
	}
	if f.in.Max != nil && n > *f.in.Max {
		return nil, fieldError(f.in, CodeMax, "must be at most %s characters", formatNumber(*f.in.Max))
	}
	return s, nil
}

func (f textField) canonical(v any) string { return fmt.Sprint(v) }

func scalarString(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case float64:
		return formatNumber(v), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case bool:
		return strconv.FormatBool(v), true
	}
	return "", false
}

// RoundMoney rounds an amount half away from zero to cents.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// RoundAmount rounds a float amount to cents through its shortest decimal
// form, so 1.005 becomes 1.01.
func RoundAmount(v float64) float64 {
	return RoundMoney(decimal.NewFromFloat(v)).InexactFloat64()
}
