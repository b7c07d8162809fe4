package settings

import (
	"context"
	"fmt"
	"sync"

	domain "github.com/oshokin/microscope/internal/domain/device"
)

// entry couples a descriptor with its committed value.
type entry struct {
	// desc is the immutable declaration.
	desc Descriptor
	// value is the committed canonical value.
	value any
}

// Registry is a per-device settings table. Reads may run concurrently with
// a write: they observe the last committed value until the write's Apply
// binding returns, then the new value.
type Registry struct {
	// order holds setting names in declaration order.
	order []string
	// entries maps names to declarations and values.
	entries map[string]*entry
	// mu protects order, entries and committed values.
	mu sync.RWMutex
	// writeMu serializes writers so apply-then-commit is atomic among them.
	writeMu sync.Mutex
}

// Result reports the outcome of one key in a batch update.
type Result struct {
	// Name is the setting name.
	Name string
	// Value is the committed value after the update.
	Value any
	// Changed is false when the incoming value equalled the committed one.
	Changed bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// Declare adds a setting. Declaration order is the enumeration order of List.
func (r *Registry) Declare(d Descriptor) error {
	if err := d.check(); err != nil {
		return fmt.Errorf("declare setting: %w", err)
	}

	value := d.zeroValue()

	if d.Default != nil {
		normalized, err := d.Normalize(d.Default)
		if err != nil {
			return fmt.Errorf("declare setting %s: invalid default: %w", d.Name, err)
		}

		value = normalized
	}

	d.Constraints.Choices = append([]string(nil), d.Constraints.Choices...)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[d.Name]; exists {
		return fmt.Errorf("declare setting %s: %w", d.Name, errDuplicateSetting)
	}

	r.entries[d.Name] = &entry{desc: d, value: value}
	r.order = append(r.order, d.Name)

	return nil
}

// Lookup returns the descriptor of a setting.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, false
	}

	return e.desc, true
}

// Get returns the committed value of a setting.
func (r *Registry) Get(name string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, unknown(name)
	}

	return cloneValue(e.value), nil
}

// Describe returns the descriptor view and committed value of one setting.
func (r *Registry) Describe(name string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return Info{}, unknown(name)
	}

	return e.desc.info(e.value), nil
}

// List returns every setting in declaration order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		out = append(out, e.desc.info(e.value))
	}

	return out
}

// Values returns every committed value keyed by name.
func (r *Registry) Values() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]any, len(r.entries))
	for name, e := range r.entries {
		out[name] = cloneValue(e.value)
	}

	return out
}

// Len returns the number of declared settings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.order)
}

// Validate runs every pre-hardware check of a client write and returns the
// canonical value. It never mutates the registry.
func (r *Registry) Validate(name string, value any) (any, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return nil, unknown(name)
	}

	if e.desc.ReadOnly {
		return nil, domain.Errorf(domain.KindReadOnly, "%s is read-only", name)
	}

	return e.desc.Normalize(value)
}

// Set validates, applies and commits a client write. The stored value only
// changes when the Apply binding succeeded.
func (r *Registry) Set(ctx context.Context, name string, value any) (any, error) {
	normalized, err := r.Validate(name, value)
	if err != nil {
		return nil, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.apply(ctx, name, normalized); err != nil {
		return nil, err
	}

	return cloneValue(normalized), nil
}

// Update applies a batch. Every entry is validated before any hardware call;
// a single invalid entry rejects the whole batch. Values equal to the
// committed ones are skipped. Application follows declaration order and
// stops at the first hardware failure, returning the results so far.
func (r *Registry) Update(ctx context.Context, incoming map[string]any) ([]Result, error) {
	normalized := make(map[string]any, len(incoming))

	for name, value := range incoming {
		v, err := r.Validate(name, value)
		if err != nil {
			return nil, err
		}

		normalized[name] = v
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	order := append([]string(nil), r.order...)
	r.mu.RUnlock()

	results := make([]Result, 0, len(normalized))

	for _, name := range order {
		v, ok := normalized[name]
		if !ok {
			continue
		}

		current, _ := r.Get(name)
		if equalValues(current, v) {
			results = append(results, Result{Name: name, Value: current})

			continue
		}

		if err := r.apply(ctx, name, v); err != nil {
			return results, err
		}

		results = append(results, Result{Name: name, Value: cloneValue(v), Changed: true})
	}

	return results, nil
}

// Restore applies a previously committed value, bypassing the read-only
// flag. It is used to re-push snapshots at startup.
func (r *Registry) Restore(ctx context.Context, name string, value any) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return unknown(name)
	}

	normalized, err := e.desc.Normalize(value)
	if err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	return r.apply(ctx, name, normalized)
}

// Sync re-reads every setting that has a Read binding and commits the
// hardware value. Values that fail validation are reported, not stored.
func (r *Registry) Sync(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	order := append([]string(nil), r.order...)
	r.mu.RUnlock()

	for _, name := range order {
		r.mu.RLock()
		desc := r.entries[name].desc
		r.mu.RUnlock()

		if desc.Read == nil {
			continue
		}

		raw, err := desc.Read(ctx)
		if err != nil {
			return domain.Wrap(domain.KindHardwareError, "read "+name, err)
		}

		normalized, err := desc.Normalize(raw)
		if err != nil {
			return fmt.Errorf("hardware reported invalid %s: %w", name, err)
		}

		r.commit(name, normalized)
	}

	return nil
}

// apply pushes the value through the Apply binding and commits on success.
// Callers hold writeMu.
func (r *Registry) apply(ctx context.Context, name string, value any) error {
	r.mu.RLock()
	desc := r.entries[name].desc
	r.mu.RUnlock()

	if desc.Apply != nil {
		if err := desc.Apply(ctx, cloneValue(value)); err != nil {
			return domain.Wrap(domain.KindHardwareError, "apply "+name, err)
		}
	}

	r.commit(name, value)

	return nil
}

// commit stores a canonical value.
func (r *Registry) commit(name string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[name].value = value
}

func unknown(name string) error {
	return domain.Errorf(domain.KindInvalidSetting, "unknown setting %q", name)
}
