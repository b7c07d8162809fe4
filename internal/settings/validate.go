package settings

import (
	"math"
	"slices"

	domain "github.com/oshokin/microscope/internal/domain/device"
)

// Normalize validates value against the descriptor and converts it into the
// canonical Go representation of the declared type: bool, int64, float64,
// string or []float64.
func (d *Descriptor) Normalize(value any) (any, error) {
	switch d.Type {
	case TypeBool:
		b, ok := value.(bool)
		if !ok {
			return nil, mismatch(d, value)
		}

		return b, nil
	case TypeInt:
		i, ok := toInt64(value)
		if !ok {
			return nil, mismatch(d, value)
		}

		if err := d.checkRange(float64(i)); err != nil {
			return nil, err
		}

		return i, nil
	case TypeFloat:
		f, ok := toFloat64(value)
		if !ok {
			return nil, mismatch(d, value)
		}

		if err := d.checkRange(f); err != nil {
			return nil, err
		}

		return f, nil
	case TypeEnum:
		s, ok := value.(string)
		if !ok {
			return nil, mismatch(d, value)
		}

		if !slices.Contains(d.Constraints.Choices, s) {
			return nil, domain.Errorf(domain.KindOutOfRange, "%s: %q is not one of %v", d.Name, s, d.Constraints.Choices)
		}

		return s, nil
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, mismatch(d, value)
		}

		if d.Constraints.MaxLength > 0 && len(s) > d.Constraints.MaxLength {
			return nil, domain.Errorf(domain.KindOutOfRange, "%s: length %d exceeds %d", d.Name, len(s), d.Constraints.MaxLength)
		}

		return s, nil
	case TypeTuple:
		return d.normalizeTuple(value)
	default:
		return nil, mismatch(d, value)
	}
}

// normalizeTuple validates a numeric tuple of the declared length.
func (d *Descriptor) normalizeTuple(value any) (any, error) {
	elems, ok := toFloatSlice(value)
	if !ok {
		return nil, mismatch(d, value)
	}

	if len(elems) != d.Constraints.Length {
		return nil, domain.Errorf(domain.KindTypeMismatch, "%s: expected %d elements, got %d",
			d.Name, d.Constraints.Length, len(elems))
	}

	for _, e := range elems {
		if err := d.checkRange(e); err != nil {
			return nil, err
		}
	}

	return elems, nil
}

// checkRange enforces finite values inside [Min, Max].
func (d *Descriptor) checkRange(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return domain.Errorf(domain.KindOutOfRange, "%s: %v is not a finite number", d.Name, v)
	}

	if c := d.Constraints; c.Min != nil && v < *c.Min {
		return domain.Errorf(domain.KindOutOfRange, "%s: %v is below minimum %v", d.Name, v, *c.Min)
	}

	if c := d.Constraints; c.Max != nil && v > *c.Max {
		return domain.Errorf(domain.KindOutOfRange, "%s: %v is above maximum %v", d.Name, v, *c.Max)
	}

	return nil
}

func mismatch(d *Descriptor, value any) error {
	return domain.Errorf(domain.KindTypeMismatch, "%s: expected %s, got %T", d.Name, d.Type, value)
}

// toInt64 accepts every integer kind and integral floats.
func toInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return uintToInt64(uint64(v))
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return uintToInt64(v)
	case float32:
		return floatToInt64(float64(v))
	case float64:
		return floatToInt64(v)
	default:
		return 0, false
	}
}

func uintToInt64(v uint64) (int64, bool) {
	if v > math.MaxInt64 {
		return 0, false
	}

	return int64(v), true
}

func floatToInt64(v float64) (int64, bool) {
	if v != math.Trunc(v) || v < math.MinInt64 || v >= math.MaxInt64 {
		return 0, false
	}

	return int64(v), true
}

// toFloat64 accepts every numeric kind.
func toFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	default:
		i, ok := toInt64(value)

		return float64(i), ok
	}
}

// toFloatSlice accepts the slice shapes produced by Go callers and by the CBOR decoder.
func toFloatSlice(value any) ([]float64, bool) {
	switch v := value.(type) {
	case []float64:
		return slices.Clone(v), true
	case []int:
		out := make([]float64, len(v))
		for i, e := range v {
			out[i] = float64(e)
		}

		return out, true
	case []int64:
		out := make([]float64, len(v))
		for i, e := range v {
			out[i] = float64(e)
		}

		return out, true
	case []any:
		out := make([]float64, len(v))
		for i, e := range v {
			f, ok := toFloat64(e)
			if !ok {
				return nil, false
			}

			out[i] = f
		}

		return out, true
	default:
		return nil, false
	}
}

// cloneValue copies mutable canonical values before they leave the registry.
func cloneValue(value any) any {
	if t, ok := value.([]float64); ok {
		return slices.Clone(t)
	}

	return value
}

// equalValues compares canonical values.
func equalValues(a, b any) bool {
	ta, okA := a.([]float64)
	tb, okB := b.([]float64)

	if okA || okB {
		return okA && okB && slices.Equal(ta, tb)
	}

	return a == b
}
