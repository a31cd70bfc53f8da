// Package bindings supplies the capability values injected into a script's
// global environment. Values are produced fresh for every execution.
package bindings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"go.starlark.net/starlark"

	"github.com/jkaninda/scriptbox/internal/guard"
	"github.com/jkaninda/scriptbox/internal/host"
)

var (
	// ErrDuplicateBinding is returned when two contributions declare the same name.
	ErrDuplicateBinding = errors.New("duplicate binding name")
	// ErrProviderUsed is returned when a Provider or Set is used a second time.
	ErrProviderUsed = errors.New("binding provider already used")
	// ErrUndeclaredBinding is returned when a contribution provides a name it did not declare.
	ErrUndeclaredBinding = errors.New("undeclared binding")
	// ErrBindingMismatch is returned when a provided value does not match its declaration.
	ErrBindingMismatch = errors.New("binding does not match its declaration")
)

// Declaration announces a binding and its host type before any value exists,
// so that scripts can be checked at compile time.
type Declaration struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Contribution produces a group of related bindings.
type Contribution interface {
	Declarations() []Declaration
	// Provide returns fresh values for one execution.
	Provide(ctx context.Context) (starlark.StringDict, error)
}

// Manager holds the contributions configured for the engine.
type Manager struct {
	contributions []Contribution
	decls         []Declaration
	index         map[string]string
}

// NewManager validates and orders contributions. Declaring the same name twice
// or a reserved name is a configuration error.
func NewManager(contributions ...Contribution) (*Manager, error) {
	m := &Manager{index: make(map[string]string)}
	if err := m.add(contributions...); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) add(contributions ...Contribution) error {
	for _, c := range contributions {
		for _, d := range c.Declarations() {
			if d.Name == "" {
				return fmt.Errorf("binding with empty name")
			}
			if guard.IsReserved(d.Name) {
				return fmt.Errorf("binding name %s is reserved", d.Name)
			}
			if _, ok := m.index[d.Name]; ok {
				return fmt.Errorf("%w: %s", ErrDuplicateBinding, d.Name)
			}
			m.index[d.Name] = d.Type
			m.decls = append(m.decls, d)
		}
		m.contributions = append(m.contributions, c)
	}
	return nil
}

// Declarations returns every declared binding in contribution order.
func (m *Manager) Declarations() []Declaration {
	return append([]Declaration(nil), m.decls...)
}

// Types maps each declared binding name to its host type.
func (m *Manager) Types() map[string]string {
	out := make(map[string]string, len(m.index))
	for k, v := range m.index {
		out[k] = v
	}
	return out
}

// NewProvider returns a single-use provider for one execution. Extra
// contributions are scoped to that execution and must not clash with the
// configured ones.
func (m *Manager) NewProvider(extra ...Contribution) (*Provider, error) {
	scoped := &Manager{
		contributions: append([]Contribution(nil), m.contributions...),
		decls:         m.Declarations(),
		index:         m.Types(),
	}
	if err := scoped.add(extra...); err != nil {
		return nil, err
	}
	return &Provider{manager: scoped}, nil
}

// Provider produces the binding set of exactly one execution.
type Provider struct {
	manager *Manager
	used    atomic.Bool
}

// Declarations returns the bindings this provider will supply.
func (p *Provider) Declarations() []Declaration { return p.manager.Declarations() }

// Types maps each binding name to its declared host type.
func (p *Provider) Types() map[string]string { return p.manager.Types() }

// Bind asks every contribution for fresh values. Each value must match its
// declared host type exactly, since compile-time checks relied on it.
func (p *Provider) Bind(ctx context.Context) (*Set, error) {
	if !p.used.CompareAndSwap(false, true) {
		return nil, ErrProviderUsed
	}
	values := make(starlark.StringDict, len(p.manager.index))
	for _, c := range p.manager.contributions {
		provided, err := c.Provide(ctx)
		if err != nil {
			return nil, fmt.Errorf("provide bindings: %w", err)
		}
		declared := make(map[string]string)
		for _, d := range c.Declarations() {
			declared[d.Name] = d.Type
		}
		for name, v := range provided {
			typ, ok := declared[name]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUndeclaredBinding, name)
			}
			if typ != "" && host.TypeOf(v) != typ {
				return nil, fmt.Errorf("%w: %s is %s, declared %s", ErrBindingMismatch, name, host.TypeOf(v), typ)
			}
			values[name] = v
		}
		for name := range declared {
			if _, ok := provided[name]; !ok {
				return nil, fmt.Errorf("%w: %s was declared but not provided", ErrBindingMismatch, name)
			}
		}
	}
	return &Set{values: values}, nil
}

// Set is the binding map of one execution. It is handed off once.
type Set struct {
	values starlark.StringDict
	used   atomic.Bool
}

// Names returns the sorted binding names.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Take hands the values off. The returned dictionary is a copy; the values are
// frozen so that scripts in a chain cannot mutate shared state through them.
func (s *Set) Take() (starlark.StringDict, error) {
	if !s.used.CompareAndSwap(false, true) {
		return nil, ErrProviderUsed
	}
	out := make(starlark.StringDict, len(s.values))
	for name, v := range s.values {
		v.Freeze()
		out[name] = v
	}
	s.values = nil
	return out, nil
}

// Static is a contribution whose values are built by a constructor on every
// Provide call.
type Static struct {
	decls []Declaration
	build func(ctx context.Context) (starlark.StringDict, error)
}

// NewStatic returns a contribution declaring decls and producing values with build.
func NewStatic(build func(ctx context.Context) (starlark.StringDict, error), decls ...Declaration) *Static {
	return &Static{decls: decls, build: build}
}

// Values declares each value under its runtime type. Immutable values only:
// the same instances are handed to every execution.
func Values(values starlark.StringDict) *Static {
	decls := make([]Declaration, 0, len(values))
	for _, name := range values.Keys() {
		decls = append(decls, Declaration{Name: name, Type: host.TypeOf(values[name])})
	}
	return NewStatic(func(context.Context) (starlark.StringDict, error) {
		out := make(starlark.StringDict, len(values))
		for k, v := range values {
			out[k] = v
		}
		return out, nil
	}, decls...)
}

func (s *Static) Declarations() []Declaration { return append([]Declaration(nil), s.decls...) }

func (s *Static) Provide(ctx context.Context) (starlark.StringDict, error) { return s.build(ctx) }
