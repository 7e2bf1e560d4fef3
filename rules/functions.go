package rules

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

const dateLayout = "2006-01-02"

// d2Library declares the d2_ functions that d2: calls are rewritten to.
type d2Library struct{}

func (d2Library) CompileOptions() []cel.EnvOption {
	str, dbl, dyn := cel.StringType, cel.DoubleType, cel.DynType
	return []cel.EnvOption{
		cel.Function("d2_daysBetween",
			cel.Overload("d2_daysBetween_string_string", []*cel.Type{str, str}, dbl,
				cel.BinaryBinding(daysBetween))),
		cel.Function("d2_yearsBetween",
			cel.Overload("d2_yearsBetween_string_string", []*cel.Type{str, str}, dbl,
				cel.BinaryBinding(yearsBetween))),
		cel.Function("d2_addDays",
			cel.Overload("d2_addDays_string_double", []*cel.Type{str, dbl}, str,
				cel.BinaryBinding(addDays))),
		cel.Function("d2_floor",
			cel.Overload("d2_floor_double", []*cel.Type{dbl}, dbl,
				cel.UnaryBinding(doubleFunc(math.Floor)))),
		cel.Function("d2_ceil",
			cel.Overload("d2_ceil_double", []*cel.Type{dbl}, dbl,
				cel.UnaryBinding(doubleFunc(math.Ceil)))),
		cel.Function("d2_round",
			cel.Overload("d2_round_double", []*cel.Type{dbl}, dbl,
				cel.UnaryBinding(doubleFunc(math.Round)))),
		cel.Function("d2_zing",
			cel.Overload("d2_zing_double", []*cel.Type{dbl}, dbl,
				cel.UnaryBinding(doubleFunc(func(x float64) float64 { return math.Max(x, 0) })))),
		cel.Function("d2_oizp",
			cel.Overload("d2_oizp_double", []*cel.Type{dbl}, dbl,
				cel.UnaryBinding(doubleFunc(func(x float64) float64 {
					if x >= 0 {
						return 1
					}
					return 0
				})))),
		cel.Function("d2_length",
			cel.Overload("d2_length_string", []*cel.Type{str}, dbl,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					s, ok := v.(types.String)
					if !ok {
						return types.MaybeNoSuchOverloadErr(v)
					}
					return types.Double(utf8.RuneCountInString(string(s)))
				}))),
		cel.Function("d2_left",
			cel.Overload("d2_left_string_double", []*cel.Type{str, dbl}, str,
				cel.BinaryBinding(substring(true)))),
		cel.Function("d2_right",
			cel.Overload("d2_right_string_double", []*cel.Type{str, dbl}, str,
				cel.BinaryBinding(substring(false)))),
		cel.Function("d2_concatenate",
			cel.Overload("d2_concatenate_dyn_dyn", []*cel.Type{dyn, dyn}, str,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val { return concatenate(lhs, rhs) })),
			cel.Overload("d2_concatenate_dyn_dyn_dyn", []*cel.Type{dyn, dyn, dyn}, str,
				cel.FunctionBinding(concatenate)),
			cel.Overload("d2_concatenate_dyn_dyn_dyn_dyn", []*cel.Type{dyn, dyn, dyn, dyn}, str,
				cel.FunctionBinding(concatenate))),
	}
}

func (d2Library) ProgramOptions() []cel.ProgramOption {
	return nil
}

func doubleFunc(fn func(float64) float64) func(ref.Val) ref.Val {
	return func(v ref.Val) ref.Val {
		d, ok := v.(types.Double)
		if !ok {
			return types.MaybeNoSuchOverloadErr(v)
		}
		return types.Double(fn(float64(d)))
	}
}

func daysBetween(lhs, rhs ref.Val) ref.Val {
	from, to, err := datePair(lhs, rhs)
	if err != nil {
		return types.NewErr("d2:daysBetween: %v", err)
	}
	return types.Double(math.Round(to.Sub(from).Hours() / 24))
}

func yearsBetween(lhs, rhs ref.Val) ref.Val {
	from, to, err := datePair(lhs, rhs)
	if err != nil {
		return types.NewErr("d2:yearsBetween: %v", err)
	}
	sign := 1.0
	if to.Before(from) {
		from, to = to, from
		sign = -1
	}
	years := to.Year() - from.Year()
	if to.Before(from.AddDate(years, 0, 0)) {
		years--
	}
	return types.Double(sign * float64(years))
}

func addDays(lhs, rhs ref.Val) ref.Val {
	s, ok := lhs.(types.String)
	if !ok {
		return types.MaybeNoSuchOverloadErr(lhs)
	}
	n, ok := rhs.(types.Double)
	if !ok {
		return types.MaybeNoSuchOverloadErr(rhs)
	}
	date, err := ParseDate(string(s))
	if err != nil {
		return types.NewErr("d2:addDays: %v", err)
	}
	return types.String(date.AddDate(0, 0, int(n)).Format(dateLayout))
}

func substring(left bool) func(lhs, rhs ref.Val) ref.Val {
	return func(lhs, rhs ref.Val) ref.Val {
		s, ok := lhs.(types.String)
		if !ok {
			return types.MaybeNoSuchOverloadErr(lhs)
		}
		n, ok := rhs.(types.Double)
		if !ok {
			return types.MaybeNoSuchOverloadErr(rhs)
		}
		runes := []rune(string(s))
		count := min(max(int(n), 0), len(runes))
		if left {
			return types.String(string(runes[:count]))
		}
		return types.String(string(runes[len(runes)-count:]))
	}
}

func concatenate(args ...ref.Val) ref.Val {
	var b strings.Builder
	for _, arg := range args {
		if types.IsError(arg) {
			return arg
		}
		b.WriteString(FormatValue(arg.Value()))
	}
	return types.String(b.String())
}

func datePair(lhs, rhs ref.Val) (time.Time, time.Time, error) {
	a, ok := lhs.(types.String)
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("expected a date, got %v", lhs.Type())
	}
	b, ok := rhs.(types.String)
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("expected a date, got %v", rhs.Type())
	}
	from, err := ParseDate(string(a))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := ParseDate(string(b))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}

// ParseDate accepts yyyy-MM-dd dates and RFC 3339 timestamps, truncated to
// the UTC calendar day.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
}

// FormatValue renders an evaluated value the way effect data carries it.
// Whole numbers lose their fractional part.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}
