package models

import "fmt"

// OptionType tags the concrete type carried by an OptionValue.
type OptionType int

const (
	OptionBool OptionType = iota
	OptionInt
	OptionFixed
	OptionString
)

// String returns the human-readable name of the option type.
func (t OptionType) String() string {
	switch t {
	case OptionBool:
		return "bool"
	case OptionInt:
		return "int"
	case OptionFixed:
		return "fixed"
	case OptionString:
		return "string"
	default:
		return "invalid"
	}
}

// OptionValue is a tagged union over the value types a scan option may carry.
// The zero value is a false boolean. Collaborators exchange option values in
// this shape instead of inspecting dynamic types at runtime.
type OptionValue struct {
	kind OptionType
	b    bool
	i    int
	f    float64
	s    string
}

// BoolValue wraps a boolean option value.
func BoolValue(v bool) OptionValue { return OptionValue{kind: OptionBool, b: v} }

// IntValue wraps an integer option value.
func IntValue(v int) OptionValue { return OptionValue{kind: OptionInt, i: v} }

// FixedValue wraps a fixed-point (resolution, threshold) option value.
func FixedValue(v float64) OptionValue { return OptionValue{kind: OptionFixed, f: v} }

// StringValue wraps a string option value.
func StringValue(v string) OptionValue { return OptionValue{kind: OptionString, s: v} }

// Type returns the tag of the carried value.
func (v OptionValue) Type() OptionType { return v.kind }

// Bool returns the boolean payload; ok is false when the value is not a bool.
func (v OptionValue) Bool() (value, ok bool) { return v.b, v.kind == OptionBool }

// Int returns the integer payload; ok is false when the value is not an int.
func (v OptionValue) Int() (int, bool) { return v.i, v.kind == OptionInt }

// Fixed returns the fixed-point payload; ok is false for other types.
func (v OptionValue) Fixed() (float64, bool) { return v.f, v.kind == OptionFixed }

// String returns the string payload; ok is false for other types.
func (v OptionValue) String() (string, bool) { return v.s, v.kind == OptionString }

// Constraint restricts the values an option accepts. A zero Constraint
// accepts any value of the matching type.
type Constraint struct {
	Type OptionType

	// Range bounds for int/fixed values. Step 0 means any value in range.
	Min, Max, Step float64
	HasRange       bool

	// Enumerated string values.
	Allowed []string
}

// Validate checks a value against the constraint. Type mismatches and
// out-of-range or non-enumerated values are rejected at the boundary so no
// downstream consumer needs runtime type inspection.
func (c Constraint) Validate(v OptionValue) error {
	if v.kind != c.Type {
		return fmt.Errorf("option value type %s, want %s", v.kind, c.Type)
	}

	switch v.kind {
	case OptionInt, OptionFixed:
		if !c.HasRange {
			return nil
		}
		n := v.f
		if v.kind == OptionInt {
			n = float64(v.i)
		}
		if n < c.Min || n > c.Max {
			return fmt.Errorf("value %v out of range [%v, %v]", n, c.Min, c.Max)
		}
		if c.Step > 0 {
			offset := n - c.Min
			steps := offset / c.Step
			if steps != float64(int64(steps)) {
				return fmt.Errorf("value %v not aligned to step %v from %v", n, c.Step, c.Min)
			}
		}
	case OptionString:
		if len(c.Allowed) == 0 {
			return nil
		}
		for _, a := range c.Allowed {
			if a == v.s {
				return nil
			}
		}
		return fmt.Errorf("value %q not in allowed set", v.s)
	}
	return nil
}
