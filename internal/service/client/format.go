package client

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	domain "github.com/oshokin/microscope/internal/domain/device"
	wire "github.com/oshokin/microscope/internal/wire/v1"
)

// ParseValue converts a command-line token into a setting value. Tokens are
// read as YAML scalars or flow sequences, so "50" is an int, "2.5" a float,
// "true" a bool and "[1, 2]" a tuple. Anything else stays a string.
func ParseValue(token string) any {
	var value any

	if err := yaml.Unmarshal([]byte(token), &value); err != nil || value == nil {
		return token
	}

	switch value.(type) {
	case map[string]any:
		return token
	default:
		return value
	}
}

// ParsePosition reads axis=value pairs.
func ParsePosition(tokens []string) (domain.Position, error) {
	position := make(domain.Position, len(tokens))

	for _, token := range tokens {
		axis, raw, ok := strings.Cut(token, "=")
		if !ok || axis == "" {
			return nil, fmt.Errorf("%w: %q is not axis=value", errBadArgument, token)
		}

		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: axis %s: %w", errBadArgument, axis, err)
		}

		position[axis] = v
	}

	return position, nil
}

// ParseFloats reads a list of numbers.
func ParseFloats(tokens []string) ([]float64, error) {
	out := make([]float64, 0, len(tokens))

	for _, token := range tokens {
		v, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errBadArgument, err)
		}

		out = append(out, v)
	}

	return out, nil
}

// parseDuration reads an optional duration argument, accepting bare
// numbers as milliseconds.
func parseDuration(args []string, index int, fallback time.Duration) (time.Duration, error) {
	if len(args) <= index {
		return fallback, nil
	}

	if ms, err := strconv.ParseInt(args[index], 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}

	d, err := time.ParseDuration(args[index])
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errBadArgument, err)
	}

	return d, nil
}

// FormatValue renders a setting value.
func FormatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "-"
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, e := range v {
			parts = append(parts, FormatValue(e))
		}

		return "[" + strings.Join(parts, ", ") + "]"
	case []float64:
		parts := make([]string, 0, len(v))
		for _, e := range v {
			parts = append(parts, FormatValue(e))
		}

		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprint(v)
	}
}

// formatPosition renders axes in name order.
func formatPosition(position map[string]float64) string {
	parts := make([]string, 0, len(position))
	for _, axis := range slices.Sorted(maps.Keys(position)) {
		parts = append(parts, axis+"="+FormatValue(position[axis]))
	}

	return strings.Join(parts, " ")
}

// formatConstraints renders the accepted values of a setting.
func formatConstraints(info *wire.SettingInfo) string {
	var parts []string

	switch {
	case len(info.Choices) > 0:
		parts = append(parts, "{"+strings.Join(info.Choices, ", ")+"}")
	case info.Min != nil || info.Max != nil:
		lower, upper := "-inf", "+inf"
		if info.Min != nil {
			lower = FormatValue(*info.Min)
		}

		if info.Max != nil {
			upper = FormatValue(*info.Max)
		}

		parts = append(parts, "["+lower+", "+upper+"]")
	}

	if info.Length > 0 {
		parts = append(parts, fmt.Sprintf("len=%d", info.Length))
	}

	if info.MaxLength > 0 {
		parts = append(parts, fmt.Sprintf("max_len=%d", info.MaxLength))
	}

	return strings.Join(parts, " ")
}

// formatFlags renders the access flags of a setting.
func formatFlags(info *wire.SettingInfo) string {
	var flags []string

	if info.ReadOnly {
		flags = append(flags, "ro")
	}

	if info.RequiresIdle {
		flags = append(flags, "idle")
	}

	if len(flags) == 0 {
		return "-"
	}

	return strings.Join(flags, ",")
}
