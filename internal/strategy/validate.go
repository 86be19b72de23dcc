package strategy

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Leverage bounds: reject outside [1,10], warn above 3.
const (
	MinLeverage  = 1.0
	MaxLeverage  = 10.0
	WarnLeverage = 3.0
)

// VariantCatalog is the slice of the indicator catalog the validator
// needs: existence and output shape.
type VariantCatalog interface {
	Has(variantID string) bool
	FieldNames(variantID string) []string
}

// ValidationError carries per-section validation failures.
type ValidationError struct {
	Sections map[string][]string
}

// Error implements error.
func (e *ValidationError) Error() string {
	var parts []string
	for section, errs := range e.Sections {
		parts = append(parts, fmt.Sprintf("%s: %s", section, strings.Join(errs, "; ")))
	}
	return "strategy validation failed: " + strings.Join(parts, " | ")
}

func (e *ValidationError) add(section, msg string) {
	if e.Sections == nil {
		e.Sections = make(map[string][]string)
	}
	e.Sections[section] = append(e.Sections[section], msg)
}

func (e *ValidationError) empty() bool { return len(e.Sections) == 0 }

// Validator checks strategy definitions against the schema and the
// variant catalog.
type Validator struct {
	validate *validator.Validate
	catalog  VariantCatalog
}

// NewValidator creates a validator bound to a variant catalog.
func NewValidator(catalog VariantCatalog) *Validator {
	return &Validator{
		validate: validator.New(),
		catalog:  catalog,
	}
}

// Validate checks a definition. It returns a *ValidationError when the
// definition is rejected, and a list of non-fatal warnings otherwise.
func (v *Validator) Validate(def *Definition) ([]string, error) {
	verr := &ValidationError{}

	// Structural tags first.
	if err := v.validate.Struct(def); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range errs {
				verr.add(sectionOf(fe.Namespace()), fmt.Sprintf("%s fails %q", fe.Field(), fe.Tag()))
			}
		} else {
			return nil, err
		}
	}

	var warnings []string

	v.checkConditions(verr, "s1_signal", def.S1Signal.Conditions)
	v.checkConditions(verr, "o1_cancel", def.O1Cancel.Conditions)
	v.checkConditions(verr, "z1_entry", def.Z1Entry.Conditions)
	v.checkConditions(verr, "ze1_close", def.ZE1Close.Conditions)
	v.checkConditions(verr, "emergency_exit", def.EmergencyExit.Conditions)

	// Leverage bounds; warn above 3, reject outside [1,10].
	lev := def.Z1Entry.Leverage
	switch {
	case lev < MinLeverage || lev > MaxLeverage:
		verr.add("z1_entry", fmt.Sprintf("leverage %g outside [%g,%g]", lev, MinLeverage, MaxLeverage))
	case lev > WarnLeverage:
		warnings = append(warnings, fmt.Sprintf("z1_entry: leverage %g above %g", lev, WarnLeverage))
	}
	if max := def.GlobalLimits.MaxLeverage; max > 0 && lev > max {
		verr.add("z1_entry", fmt.Sprintf("leverage %g above global limit %g", lev, max))
	}

	// Bracket offsets: SL below 100%, TP positive.
	if sl := def.Z1Entry.StopLoss; sl.Enabled && (sl.OffsetPercent <= 0 || sl.OffsetPercent >= 100) {
		verr.add("z1_entry", fmt.Sprintf("stop loss offset %g%% outside (0,100)", sl.OffsetPercent))
	}
	if tp := def.Z1Entry.TakeProfit; tp.Enabled && tp.OffsetPercent <= 0 {
		verr.add("z1_entry", fmt.Sprintf("take profit offset %g%% not positive", tp.OffsetPercent))
	}

	// The section graph is the fixed chain S1 -> {O1, Z1} -> {ZE1, E1};
	// the one way to close a cycle is an entry-side condition reading
	// position state, which only exists after entry.
	for _, section := range []struct {
		name  string
		conds []Condition
	}{
		{"s1_signal", def.S1Signal.Conditions},
		{"o1_cancel", def.O1Cancel.Conditions},
		{"z1_entry", def.Z1Entry.Conditions},
	} {
		for _, c := range section.conds {
			if c.VariantID == "pnl_pct" {
				verr.add(section.name, "pnl_pct depends on an open position and cannot gate entry")
			}
		}
	}

	// The strategy must be able to exit.
	if len(def.ZE1Close.Conditions) == 0 && len(def.EmergencyExit.Conditions) == 0 {
		verr.add("ze1_close", "no close or emergency condition; the strategy can never exit")
	}

	if !verr.empty() {
		return nil, verr
	}
	return warnings, nil
}

// checkConditions validates a section's conditions against the catalog.
func (v *Validator) checkConditions(verr *ValidationError, section string, conds []Condition) {
	for i, c := range conds {
		at := func(msg string, args ...any) {
			verr.add(section, fmt.Sprintf("condition %d: %s", i, fmt.Sprintf(msg, args...)))
		}

		if !KnownOperator(c.Operator) {
			at("unknown operator %q", c.Operator)
			continue
		}
		if c.VariantID == "" {
			continue // already reported by the struct tags
		}
		if !v.catalog.Has(c.VariantID) {
			at("unknown variant %q", c.VariantID)
			continue
		}

		// Operator/value-type fit: composites must name a field, scalars
		// must not name one.
		fields := v.catalog.FieldNames(c.VariantID)
		if len(fields) > 0 {
			if c.Field == "" {
				at("variant %q is composite; a field is required", c.VariantID)
			} else if !contains(fields, c.Field) {
				at("variant %q has no field %q", c.VariantID, c.Field)
			}
		} else if c.Field != "" {
			at("variant %q is scalar; field %q is invalid", c.VariantID, c.Field)
		}

		switch c.Operator {
		case OpBetween:
			if len(c.Range) != 2 || c.Range[0] > c.Range[1] {
				at("between requires an ordered [lo, hi] range")
			}
		case OpInSet:
			if len(c.Set) == 0 {
				at("in_set requires a non-empty set")
			}
		default:
			if len(c.Range) != 0 || len(c.Set) != 0 {
				at("scalar operator %q takes a single value", c.Operator)
			}
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// sectionOf maps a struct namespace to its schema section name.
func sectionOf(namespace string) string {
	switch {
	case strings.Contains(namespace, "S1Signal"):
		return "s1_signal"
	case strings.Contains(namespace, "O1Cancel"):
		return "o1_cancel"
	case strings.Contains(namespace, "Z1Entry"):
		return "z1_entry"
	case strings.Contains(namespace, "ZE1Close"):
		return "ze1_close"
	case strings.Contains(namespace, "EmergencyExit"):
		return "emergency_exit"
	case strings.Contains(namespace, "GlobalLimits"):
		return "global_limits"
	default:
		return "strategy"
	}
}
