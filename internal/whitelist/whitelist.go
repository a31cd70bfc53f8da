// Package whitelist holds the rules that decide which host methods a script
// may invoke and how many times.
//
// Rules are keyed by host type name and match the type itself and every
// declared supertype. Invocation counts live in a Ledger, never in the rules,
// so one immutable rule set can serve any number of concurrent executions.
package whitelist

import (
	"sort"
	"sync"

	"github.com/jkaninda/scriptbox/internal/config"
)

// MethodRule grants one method and optionally caps its invocations.
type MethodRule struct {
	Name           string
	MaxInvocations int64 // 0 = no ceiling.
	NotInherited   bool  // Granted on the rule's own type only, not on its subtypes.
}

// ClassRule grants access to a host type.
type ClassRule struct {
	Type           string
	MaxInvocations int64 // 0 = no ceiling.
	AllMethods     bool

	methods map[string]*MethodRule
}

// NewClassRule creates a rule for typeName. With no methods the rule grants every method.
func NewClassRule(typeName string, maxInvocations int64, methods ...MethodRule) *ClassRule {
	r := &ClassRule{
		Type:           typeName,
		MaxInvocations: maxInvocations,
		AllMethods:     len(methods) == 0,
		methods:        make(map[string]*MethodRule, len(methods)),
	}
	for i := range methods {
		m := methods[i]
		r.methods[m.Name] = &m
	}
	return r
}

// Method returns the method rule for name, if the rule lists one.
func (r *ClassRule) Method(name string) (*MethodRule, bool) {
	m, ok := r.methods[name]
	return m, ok
}

// Methods returns the listed method rules sorted by name.
func (r *ClassRule) Methods() []*MethodRule {
	out := make([]*MethodRule, 0, len(r.methods))
	for _, m := range r.methods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MethodFor returns the method rule for name as it applies to typeName,
// which is the rule's type or one of its subtypes.
func (r *ClassRule) MethodFor(typeName, name string) (*MethodRule, bool) {
	m, ok := r.methods[name]
	if !ok || (m.NotInherited && typeName != r.Type) {
		return nil, false
	}
	return m, true
}

// Permits reports whether the rule grants method on typeName.
func (r *ClassRule) Permits(typeName, method string) bool {
	if r.AllMethods {
		return true
	}
	_, ok := r.MethodFor(typeName, method)
	return ok
}

// Hierarchy exposes the supertypes of host types.
type Hierarchy interface {
	Ancestors(typeName string) []string
}

// Registry is the immutable set of class rules.
type Registry struct {
	rules     []*ClassRule
	byType    map[string][]*ClassRule
	hierarchy Hierarchy
	scope     string

	sharedOnce sync.Once
	shared     *Ledger
}

// NewRegistry creates a registry over rules. A nil hierarchy matches exact type names only.
func NewRegistry(h Hierarchy, rules ...*ClassRule) *Registry {
	reg := &Registry{
		rules:     rules,
		byType:    make(map[string][]*ClassRule),
		hierarchy: h,
		scope:     config.ScopeExecution,
	}
	for _, r := range rules {
		reg.byType[r.Type] = append(reg.byType[r.Type], r)
	}
	return reg
}

// WithScope selects per-execution ("execution") or cumulative ("process") counters.
func (reg *Registry) WithScope(scope string) *Registry {
	reg.scope = scope
	return reg
}

// Rules returns every rule in registration order.
func (reg *Registry) Rules() []*ClassRule {
	return append([]*ClassRule(nil), reg.rules...)
}

// FindRules returns every rule whose type is typeName or one of its supertypes,
// exact matches first.
func (reg *Registry) FindRules(typeName string) []*ClassRule {
	out := append([]*ClassRule(nil), reg.byType[typeName]...)
	if reg.hierarchy == nil {
		return out
	}
	for _, super := range reg.hierarchy.Ancestors(typeName) {
		out = append(out, reg.byType[super]...)
	}
	return out
}

// IsPermitted reports whether any matching rule grants method on typeName.
// It does not count.
func (reg *Registry) IsPermitted(typeName, method string) bool {
	for _, r := range reg.FindRules(typeName) {
		if r.Permits(typeName, method) {
			return true
		}
	}
	return false
}

// HasCeiling reports whether invoking method on typeName is throttled by any
// matching rule, either at class or at method granularity.
func (reg *Registry) HasCeiling(typeName, method string) bool {
	for _, r := range reg.FindRules(typeName) {
		if r.MaxInvocations > 0 {
			return true
		}
		if m, ok := r.MethodFor(typeName, method); ok && m.MaxInvocations > 0 {
			return true
		}
	}
	return false
}

// Ledger returns the counters for a new execution: a fresh ledger for the
// execution scope, or the registry's shared ledger for the process scope.
func (reg *Registry) Ledger() *Ledger {
	if reg.scope != config.ScopeProcess {
		return NewLedger(reg)
	}
	reg.sharedOnce.Do(func() {
		reg.shared = NewLedger(reg)
	})
	return reg.shared
}
