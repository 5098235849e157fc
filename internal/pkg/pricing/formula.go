package pricing

import (
	"fmt"
	"sort"
)

// Formula prices a single product's usage value. Implementations are pure;
// all state comes from the tier parameters they were constructed with.
type Formula interface {
	Price(usage int64) int64
}

// Constructor builds a formula from tier parameters.
type Constructor func(params map[string]interface{}) (Formula, error)

// Registry maps stable formula names to constructors. It is built once at
// startup; an unresolvable formula reference is a configuration error.
type Registry struct {
	constructors map[string]Constructor
}

// NewRegistry returns a registry preloaded with the built-in formulas.
func NewRegistry() *Registry {
	r := &Registry{constructors: make(map[string]Constructor)}
	r.Register("linear", newLinear)
	r.Register("fixed", newFixed)
	r.Register("step", newStep)
	return r
}

// Register adds or replaces a formula constructor.
func (r *Registry) Register(name string, c Constructor) {
	r.constructors[name] = c
}

// New instantiates a formula by name.
func (r *Registry) New(name string, params map[string]interface{}) (Formula, error) {
	c, ok := r.constructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown price formula %q", name)
	}
	return c(params)
}

// Names lists the registered formula names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// linear charges base + unit per usage unit.
type linear struct {
	unit int64
	base int64
}

func newLinear(params map[string]interface{}) (Formula, error) {
	unit, err := paramInt64(params, "unit")
	if err != nil {
		return nil, err
	}
	base, _ := paramInt64(params, "base")
	return &linear{unit: unit, base: base}, nil
}

func (f *linear) Price(usage int64) int64 {
	return f.base + f.unit*usage
}

// fixed charges a flat price regardless of usage.
type fixed struct {
	price int64
}

func newFixed(params map[string]interface{}) (Formula, error) {
	price, err := paramInt64(params, "price")
	if err != nil {
		return nil, err
	}
	return &fixed{price: price}, nil
}

func (f *fixed) Price(usage int64) int64 {
	return f.price
}

// step charges unit per started block of size usage units.
type step struct {
	unit int64
	size int64
}

func newStep(params map[string]interface{}) (Formula, error) {
	unit, err := paramInt64(params, "unit")
	if err != nil {
		return nil, err
	}
	size, err := paramInt64(params, "size")
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("step formula requires size > 0, got %d", size)
	}
	return &step{unit: unit, size: size}, nil
}

func (f *step) Price(usage int64) int64 {
	if usage <= 0 {
		return 0
	}
	blocks := (usage + f.size - 1) / f.size
	return blocks * f.unit
}

func paramInt64(params map[string]interface{}, key string) (int64, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("formula parameter %q missing", key)
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("formula parameter %q is not numeric (%T)", key, v)
	}
}
