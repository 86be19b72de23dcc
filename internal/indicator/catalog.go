// Package indicator computes variant-parameterized technical indicators
// incrementally over sliding windows and publishes them on the bus.
package indicator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quantpulse/tradepulse/internal/models"
)

// Common errors
var (
	ErrVariantExists   = errors.New("variant already registered")
	ErrVariantNotFound = errors.New("variant not found")
)

// InputKind selects what feeds a variant.
type InputKind int

// Input kinds
const (
	// KindTick variants compute from the tick window.
	KindTick InputKind = iota

	// KindBook variants compute from orderbook snapshots.
	KindBook

	// KindExternal variants are fed by another component (e.g. pnl_pct
	// from the order manager); the engine never computes them.
	KindExternal
)

// Value is a computed indicator output. Composite variants set Fields and
// mirror the primary component in Scalar.
type Value struct {
	Scalar float64
	Fields map[string]float64
}

// Input carries the state a compute function may read.
type Input struct {
	Window *Window
	Tick   models.Tick
	Book   *models.OrderbookSnapshot
	Stats  *RollingStats
}

// Compute derives a value from the input. ok=false means no value for
// this observation (insufficient data, degenerate input).
type Compute func(in Input) (Value, bool)

// Spec describes one registered variant: its identity, input kind,
// window retention, and update function.
type Spec struct {
	ID       string
	BaseType string
	Params   map[string]float64

	Kind   InputKind
	Window time.Duration

	// OutputFields names the components of a composite output; nil for
	// scalar variants.
	OutputFields []string

	Compute Compute
}

// Variant returns the spec's identity as a model.
func (s Spec) Variant() models.IndicatorVariant {
	return models.IndicatorVariant{
		VariantID: s.ID,
		BaseType:  s.BaseType,
		Params:    s.Params,
	}
}

// Catalog maps variant IDs to their computation specs. Registration is by
// identity: a second registration for the same ID is an error, never a
// silent overwrite.
type Catalog struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{specs: make(map[string]Spec)}
}

// Register adds a variant spec.
func (c *Catalog) Register(spec Spec) error {
	if spec.ID == "" {
		return fmt.Errorf("variant id is empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.specs[spec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrVariantExists, spec.ID)
	}
	c.specs[spec.ID] = spec
	return nil
}

// Lookup returns the spec for a variant ID.
func (c *Catalog) Lookup(id string) (Spec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	spec, ok := c.specs[id]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrVariantNotFound, id)
	}
	return spec, nil
}

// Has reports whether a variant ID is registered.
func (c *Catalog) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.specs[id]
	return ok
}

// FieldNames returns the composite output field names of a variant, or
// nil for scalar (and unknown) variants.
func (c *Catalog) FieldNames(id string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.specs[id].OutputFields
}

// List returns all specs.
func (c *Catalog) List() []Spec {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Spec, 0, len(c.specs))
	for _, spec := range c.specs {
		out = append(out, spec)
	}
	return out
}
