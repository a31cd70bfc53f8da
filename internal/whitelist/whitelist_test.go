package whitelist

import (
	"errors"
	"sync"
	"testing"

	"github.com/jkaninda/scriptbox/internal/config"
	"github.com/jkaninda/scriptbox/internal/host"
)

func testHierarchy() *host.Catalog {
	return host.NewCatalog(
		host.NewType("MemoryFileStore", []string{"FileStore"}),
		host.NewType("FileStore", []string{"Storage"}),
		host.NewType("AudioQueue", nil),
	)
}

func TestFindRules_MatchesSupertypes(t *testing.T) {
	storage := NewClassRule("Storage", 0)
	files := NewClassRule("FileStore", 2, MethodRule{Name: "delete", MaxInvocations: 1})
	queue := NewClassRule("AudioQueue", 0)
	reg := NewRegistry(testHierarchy(), storage, files, queue)

	got := reg.FindRules("MemoryFileStore")
	if len(got) != 2 {
		t.Fatalf("FindRules returned %d rules, want 2", len(got))
	}
	if got[0] != files || got[1] != storage {
		t.Errorf("FindRules order = [%s %s], want nearest first", got[0].Type, got[1].Type)
	}

	if rules := reg.FindRules("Unknown"); len(rules) != 0 {
		t.Errorf("FindRules(Unknown) = %d rules, want 0", len(rules))
	}
}

func TestIsPermitted(t *testing.T) {
	reg := NewRegistry(testHierarchy(),
		NewClassRule("FileStore", 0, MethodRule{Name: "read"}, MethodRule{Name: "delete", MaxInvocations: 2}),
		NewClassRule("AudioQueue", 0),
	)

	tests := []struct {
		typ, method string
		want        bool
	}{
		{"FileStore", "read", true},
		{"FileStore", "delete", true},
		{"FileStore", "format", false},
		{"MemoryFileStore", "delete", true},
		{"MemoryFileStore", "format", false},
		{"AudioQueue", "anything", true},
		{"Unknown", "read", false},
	}
	for _, tt := range tests {
		if got := reg.IsPermitted(tt.typ, tt.method); got != tt.want {
			t.Errorf("IsPermitted(%s, %s) = %v, want %v", tt.typ, tt.method, got, tt.want)
		}
	}
}

func TestIsPermitted_NotInherited(t *testing.T) {
	reg := NewRegistry(testHierarchy(),
		NewClassRule("FileStore", 0,
			MethodRule{Name: "read"},
			MethodRule{Name: "format", MaxInvocations: 1, NotInherited: true},
		),
	)

	tests := []struct {
		typ, method string
		permitted   bool
		ceiling     bool
	}{
		{"FileStore", "format", true, true},
		{"MemoryFileStore", "format", false, false},
		{"MemoryFileStore", "read", true, false},
	}
	for _, tt := range tests {
		if got := reg.IsPermitted(tt.typ, tt.method); got != tt.permitted {
			t.Errorf("IsPermitted(%s, %s) = %v, want %v", tt.typ, tt.method, got, tt.permitted)
		}
		if got := reg.HasCeiling(tt.typ, tt.method); got != tt.ceiling {
			t.Errorf("HasCeiling(%s, %s) = %v, want %v", tt.typ, tt.method, got, tt.ceiling)
		}
	}
}

func TestHasCeiling(t *testing.T) {
	reg := NewRegistry(nil,
		NewClassRule("FileStore", 0, MethodRule{Name: "read"}, MethodRule{Name: "delete", MaxInvocations: 2}),
		NewClassRule("AudioQueue", 10),
	)
	if reg.HasCeiling("FileStore", "read") {
		t.Error("FileStore#read should not be throttled")
	}
	if !reg.HasCeiling("FileStore", "delete") {
		t.Error("FileStore#delete should be throttled")
	}
	if !reg.HasCeiling("AudioQueue", "add") {
		t.Error("class ceiling should throttle every AudioQueue method")
	}
}

func TestLedger_ExecutionScopeIsFresh(t *testing.T) {
	rule := NewClassRule("FileStore", 2)
	reg := NewRegistry(nil, rule)

	first := reg.Ledger()
	first.IncrementClass(rule)
	first.IncrementClass(rule)

	second := reg.Ledger()
	if got := second.ClassCount(rule); got != 0 {
		t.Errorf("fresh ledger count = %d, want 0", got)
	}
	if got := first.ClassCount(rule); got != 2 {
		t.Errorf("first ledger count = %d, want 2", got)
	}
}

func TestLedger_ProcessScopeIsShared(t *testing.T) {
	rule := NewClassRule("FileStore", 2)
	reg := NewRegistry(nil, rule).WithScope(config.ScopeProcess)

	reg.Ledger().IncrementClass(rule)
	if got := reg.Ledger().IncrementClass(rule); got != 2 {
		t.Errorf("shared ledger count = %d, want 2", got)
	}
}

func TestLedger_ConcurrentIncrements(t *testing.T) {
	rule := NewClassRule("FileStore", 0, MethodRule{Name: "read"})
	m, _ := rule.Method("read")
	l := NewLedger(NewRegistry(nil, rule))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.IncrementClass(rule)
				l.IncrementMethod(m)
			}
		}()
	}
	wg.Wait()

	if got := l.ClassCount(rule); got != 5000 {
		t.Errorf("class count = %d, want 5000", got)
	}
	if got := l.MethodCount(m); got != 5000 {
		t.Errorf("method count = %d, want 5000", got)
	}
}

func TestBuildRules(t *testing.T) {
	rules, err := BuildRules([]config.RuleConfig{
		{Type: "FileStore", Methods: []config.MethodConfig{{Name: "read"}, {Name: "delete", MaxInvocations: 2}}},
		{Type: "AudioQueue", MaxInvocations: 5},
		{Type: "Settings", AllMethods: true, Methods: []config.MethodConfig{{Name: "set", MaxInvocations: 1}}},
	})
	if err != nil {
		t.Fatalf("BuildRules: %v", err)
	}
	if rules[0].AllMethods {
		t.Error("FileStore rule lists methods and should not grant all")
	}
	if !rules[1].AllMethods {
		t.Error("AudioQueue rule lists no methods and should grant all")
	}
	if !rules[2].AllMethods || !rules[2].Permits("Settings", "get") {
		t.Error("all_methods should grant unlisted methods")
	}
	if m, ok := rules[0].Method("delete"); !ok || m.MaxInvocations != 2 || m.NotInherited {
		t.Errorf("delete rule = %+v, want inherited with ceiling 2", m)
	}
}

func TestBuildRules_Inheritable(t *testing.T) {
	no, yes := false, true
	rules, err := BuildRules([]config.RuleConfig{{Type: "FileStore", Methods: []config.MethodConfig{
		{Name: "format", Inheritable: &no},
		{Name: "read", Inheritable: &yes},
	}}})
	if err != nil {
		t.Fatalf("BuildRules: %v", err)
	}
	if rules[0].Permits("MemoryFileStore", "format") || !rules[0].Permits("FileStore", "format") {
		t.Error("format should be granted on FileStore only")
	}
	if !rules[0].Permits("MemoryFileStore", "read") {
		t.Error("read should be granted on subtypes")
	}
}

func TestBuildRules_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.RuleConfig
	}{
		{"missing type", config.RuleConfig{}},
		{"negative ceiling", config.RuleConfig{Type: "A", MaxInvocations: -1}},
		{"missing method name", config.RuleConfig{Type: "A", Methods: []config.MethodConfig{{}}}},
		{"duplicate method", config.RuleConfig{Type: "A", Methods: []config.MethodConfig{{Name: "x"}, {Name: "x"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildRules([]config.RuleConfig{tt.cfg})
			if !errors.Is(err, ErrInvalidRule) {
				t.Fatalf("BuildRules error = %v, want ErrInvalidRule", err)
			}
		})
	}
}

func TestFromConfig_BuiltinRules(t *testing.T) {
	reg, err := FromConfig(&config.WhitelistConfig{}, nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if !reg.IsPermitted("builtin", "len") || !reg.IsPermitted("string", "upper") {
		t.Error("builtin rules should be present by default")
	}

	reg, err = FromConfig(&config.WhitelistConfig{DisableBuiltinRules: true}, nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if reg.IsPermitted("builtin", "len") {
		t.Error("builtin rules should be dropped when disabled")
	}

	if _, err := FromConfig(&config.WhitelistConfig{CounterScope: "forever"}, nil); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("unknown counter scope error = %v, want ErrInvalidRule", err)
	}
}
