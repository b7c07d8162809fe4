package settings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

// Type is the declared value type of a setting.
type Type uint8

const (
	// TypeBool holds a bool.
	TypeBool Type = iota + 1
	// TypeInt holds an int64.
	TypeInt
	// TypeFloat holds a float64.
	TypeFloat
	// TypeEnum holds one string out of a fixed choice set.
	TypeEnum
	// TypeTuple holds a fixed-length []float64.
	TypeTuple
	// TypeString holds a free-form string of bounded length.
	TypeString
)

// String returns the wire name of the type.
func (t Type) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeEnum:
		return "enum"
	case TypeTuple:
		return "tuple"
	case TypeString:
		return "str"
	default:
		return "unknown"
	}
}

// ParseType converts a wire or config type name into a Type.
func ParseType(s string) (Type, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bool":
		return TypeBool, true
	case "int":
		return TypeInt, true
	case "float":
		return TypeFloat, true
	case "enum":
		return TypeEnum, true
	case "tuple":
		return TypeTuple, true
	case "str", "string":
		return TypeString, true
	default:
		return 0, false
	}
}

// Constraints bound the values a setting accepts.
type Constraints struct {
	// Min is the inclusive lower bound for int, float and tuple elements.
	Min *float64
	// Max is the inclusive upper bound for int, float and tuple elements.
	Max *float64
	// Choices is the allowed set for enum settings, in display order.
	Choices []string
	// Length is the exact element count of tuple settings.
	Length int
	// MaxLength bounds string settings; zero means unbounded.
	MaxLength int
}

// Range returns numeric constraints with inclusive bounds.
func Range(lower, upper float64) Constraints {
	return Constraints{Min: &lower, Max: &upper}
}

// AtLeast returns numeric constraints with only a lower bound.
func AtLeast(lower float64) Constraints {
	return Constraints{Min: &lower}
}

// OneOf returns enum constraints.
func OneOf(choices ...string) Constraints {
	return Constraints{Choices: choices}
}

// TupleOf returns tuple constraints with per-element bounds.
func TupleOf(length int, lower, upper float64) Constraints {
	return Constraints{Length: length, Min: &lower, Max: &upper}
}

// ApplyFunc pushes a validated value to hardware.
type ApplyFunc func(ctx context.Context, value any) error

// ReadFunc queries the current value from hardware.
type ReadFunc func(ctx context.Context) (any, error)

// Descriptor declares a setting.
type Descriptor struct {
	// Name is unique per device.
	Name string
	// Type is the declared value type.
	Type Type
	// Constraints bound accepted values.
	Constraints Constraints
	// ReadOnly forbids client writes.
	ReadOnly bool
	// RequiresIdle marks settings that cannot change while an acquisition is in flight.
	RequiresIdle bool
	// Unit is the physical unit, informational only.
	Unit string
	// Description is a human-readable explanation.
	Description string
	// Default is the initial value; the zero value of the type (clamped into range) when nil.
	Default any
	// Apply pushes a new value to hardware; nil means the setting is software-only.
	Apply ApplyFunc
	// Read queries hardware for the current value; nil means the stored value is authoritative.
	Read ReadFunc
}

// Info is a read-only view of a descriptor together with its committed value.
type Info struct {
	Name         string
	Type         Type
	ReadOnly     bool
	RequiresIdle bool
	Unit         string
	Description  string
	Min          *float64
	Max          *float64
	Choices      []string
	Length       int
	MaxLength    int
	Value        any
}

var (
	errEmptyName        = errors.New("setting name is required")
	errUnknownType      = errors.New("unknown setting type")
	errNoChoices        = errors.New("enum setting requires at least one choice")
	errBadTupleLength   = errors.New("tuple setting requires a positive length")
	errInvertedBounds   = errors.New("minimum exceeds maximum")
	errDuplicateSetting = errors.New("setting already declared")
)

// check validates the descriptor itself.
func (d *Descriptor) check() error {
	if strings.TrimSpace(d.Name) == "" {
		return errEmptyName
	}

	c := d.Constraints
	if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
		return fmt.Errorf("%s: %w", d.Name, errInvertedBounds)
	}

	switch d.Type {
	case TypeBool, TypeInt, TypeFloat, TypeString:
		return nil
	case TypeEnum:
		if len(c.Choices) == 0 {
			return fmt.Errorf("%s: %w", d.Name, errNoChoices)
		}

		return nil
	case TypeTuple:
		if c.Length <= 0 {
			return fmt.Errorf("%s: %w", d.Name, errBadTupleLength)
		}

		return nil
	default:
		return fmt.Errorf("%s: %w", d.Name, errUnknownType)
	}
}

// zeroValue returns the type's zero value moved into the allowed range.
func (d *Descriptor) zeroValue() any {
	c := d.Constraints

	switch d.Type {
	case TypeBool:
		return false
	case TypeInt:
		return int64(clampZero(c, true))
	case TypeFloat:
		return clampZero(c, false)
	case TypeEnum:
		return c.Choices[0]
	case TypeTuple:
		out := make([]float64, c.Length)
		for i := range out {
			out[i] = clampZero(c, false)
		}

		return out
	default:
		return ""
	}
}

// clampZero moves zero into [Min, Max], rounding inwards for integral types.
func clampZero(c Constraints, integral bool) float64 {
	v := 0.0
	if c.Min != nil && v < *c.Min {
		v = *c.Min
		if integral {
			v = math.Ceil(v)
		}
	}

	if c.Max != nil && v > *c.Max {
		v = *c.Max
		if integral {
			v = math.Floor(v)
		}
	}

	return v
}

// info builds the read-only view.
func (d *Descriptor) info(value any) Info {
	return Info{
		Name:         d.Name,
		Type:         d.Type,
		ReadOnly:     d.ReadOnly,
		RequiresIdle: d.RequiresIdle,
		Unit:         d.Unit,
		Description:  d.Description,
		Min:          d.Constraints.Min,
		Max:          d.Constraints.Max,
		Choices:      slices.Clone(d.Constraints.Choices),
		Length:       d.Constraints.Length,
		MaxLength:    d.Constraints.MaxLength,
		Value:        cloneValue(value),
	}
}
