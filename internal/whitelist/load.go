package whitelist

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jkaninda/scriptbox/internal/config"
)

var validate = validator.New()

// ErrInvalidRule is returned when a rule configuration fails validation.
var ErrInvalidRule = errors.New("invalid whitelist rule")

// builtinTypes are the Starlark value pseudo-types granted in full by default.
var builtinTypes = []string{
	"builtin", "string", "bytes", "int", "float", "bool", "NoneType",
	"list", "tuple", "dict", "set", "range",
}

// BuiltinRules returns full-access rules for Starlark universe functions and
// builtin value methods.
func BuiltinRules() []*ClassRule {
	rules := make([]*ClassRule, 0, len(builtinTypes))
	for _, t := range builtinTypes {
		rules = append(rules, NewClassRule(t, 0))
	}
	return rules
}

// BuildRules validates rule configurations and converts them to class rules.
func BuildRules(cfgs []config.RuleConfig) ([]*ClassRule, error) {
	rules := make([]*ClassRule, 0, len(cfgs))
	for i := range cfgs {
		rc := cfgs[i]
		if err := validate.Struct(rc); err != nil {
			return nil, fmt.Errorf("%w: rules[%d] (%s): %s", ErrInvalidRule, i, rc.Type, describe(err))
		}
		methods := make([]MethodRule, len(rc.Methods))
		for j, m := range rc.Methods {
			methods[j] = MethodRule{
				Name:           m.Name,
				MaxInvocations: m.MaxInvocations,
				NotInherited:   m.Inheritable != nil && !*m.Inheritable,
			}
		}
		r := NewClassRule(rc.Type, rc.MaxInvocations, methods...)
		if rc.AllMethods {
			r.AllMethods = true
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// FromConfig builds a registry from configuration, prepending the builtin
// rules unless they are disabled.
func FromConfig(cfg *config.WhitelistConfig, h Hierarchy) (*Registry, error) {
	if cfg == nil {
		cfg = &config.WhitelistConfig{}
	}
	if err := validate.Var(cfg.CounterScope, "omitempty,oneof=execution process"); err != nil {
		return nil, fmt.Errorf("%w: counter_scope %q", ErrInvalidRule, cfg.CounterScope)
	}
	rules, err := BuildRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	if !cfg.DisableBuiltinRules {
		rules = append(BuiltinRules(), rules...)
	}
	return NewRegistry(h, rules...).WithScope(cfg.Scope()), nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
