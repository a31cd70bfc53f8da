package guard

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.starlark.net/starlark"

	"github.com/jkaninda/scriptbox/internal/host"
	"github.com/jkaninda/scriptbox/internal/whitelist"
)

// fileStore counts the side effects performed through its methods.
type fileStore struct {
	deleted []string
	formats int
}

func fileStoreType() *host.Type {
	return host.NewType("FileStore", nil,
		host.Method{Name: "delete", Fn: func(_ *starlark.Thread, self *host.Object, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var path string
			if err := starlark.UnpackPositionalArgs("delete", args, kwargs, 1, &path); err != nil {
				return nil, err
			}
			fs := self.State().(*fileStore)
			fs.deleted = append(fs.deleted, path)
			return starlark.None, nil
		}},
		host.Method{Name: "format", Fn: func(_ *starlark.Thread, self *host.Object, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
			self.State().(*fileStore).formats++
			return starlark.None, nil
		}},
	)
}

func newGuard(t *testing.T, limit int64, rules ...*whitelist.ClassRule) *Guard {
	t.Helper()
	reg := whitelist.NewRegistry(nil, append(whitelist.BuiltinRules(), rules...)...)
	return New(context.Background(), reg, reg.Ledger(), limit)
}

func noop() (starlark.Value, error) { return starlark.None, nil }

func TestCountedInvocation_ClassCeiling(t *testing.T) {
	g := newGuard(t, 0, whitelist.NewClassRule("FileStore", 2))

	calls := 0
	thunk := func() (starlark.Value, error) { calls++; return starlark.None, nil }
	for i := 0; i < 2; i++ {
		if _, err := g.CountedInvocation(thunk, "FileStore", "delete"); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i+1, err)
		}
	}
	_, err := g.CountedInvocation(thunk, "FileStore", "delete")

	var v *SecurityViolation
	if !errors.As(err, &v) {
		t.Fatalf("third call error = %v, want SecurityViolation", err)
	}
	if v.Error() != "ceiling exceeded for class FileStore, limit 2" {
		t.Errorf("message = %q", v.Error())
	}
	if calls != 2 {
		t.Errorf("thunk ran %d times, want 2", calls)
	}
}

func TestCountedInvocation_MethodCeiling(t *testing.T) {
	g := newGuard(t, 0, whitelist.NewClassRule("FileStore", 0,
		whitelist.MethodRule{Name: "delete", MaxInvocations: 1},
		whitelist.MethodRule{Name: "read"},
	))

	if _, err := g.CountedInvocation(noop, "FileStore", "delete"); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := g.CountedInvocation(noop, "FileStore", "read"); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
	}
	_, err := g.CountedInvocation(noop, "FileStore", "delete")
	var v *SecurityViolation
	if !errors.As(err, &v) || v.Method != "delete" || v.Limit != 1 {
		t.Fatalf("second delete error = %v, want method ceiling violation", err)
	}
	if v.Error() != "ceiling exceeded for method FileStore#delete, limit 1" {
		t.Errorf("message = %q", v.Error())
	}
}

func TestCountedInvocation_ClassCheckedBeforeMethod(t *testing.T) {
	g := newGuard(t, 0, whitelist.NewClassRule("FileStore", 1, whitelist.MethodRule{Name: "delete", MaxInvocations: 1}))

	if _, err := g.CountedInvocation(noop, "FileStore", "delete"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, err := g.CountedInvocation(noop, "FileStore", "delete")
	var v *SecurityViolation
	if !errors.As(err, &v) || v.Method != "" {
		t.Fatalf("error = %v, want class ceiling violation", err)
	}
}

func TestCheckMethodCall(t *testing.T) {
	g := newGuard(t, 0, whitelist.NewClassRule("FileStore", 0, whitelist.MethodRule{Name: "delete"}))

	if err := g.CheckMethodCall("FileStore", "delete"); err != nil {
		t.Errorf("delete should be permitted: %v", err)
	}
	err := g.CheckMethodCall("FileStore", "format")
	if err == nil || err.Error() != "invocation not allowed: FileStore#format" {
		t.Errorf("format error = %v", err)
	}
}

func TestIncrementGlobalCounter(t *testing.T) {
	g := newGuard(t, 3)
	for i := 0; i < 3; i++ {
		if err := g.IncrementGlobalCounter(); err != nil {
			t.Fatalf("step %d: %v", i+1, err)
		}
	}
	err := g.IncrementGlobalCounter()
	var v *SecurityViolation
	if !errors.As(err, &v) || v.Kind != KindGlobal {
		t.Fatalf("error = %v, want global violation", err)
	}
	if v.Error() != "global step limit exceeded" {
		t.Errorf("message = %q", v.Error())
	}
}

func TestGuard_Interrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reg := whitelist.NewRegistry(nil, whitelist.NewClassRule("FileStore", 0))
	g := New(ctx, reg, reg.Ledger(), 0)

	if err := g.IncrementGlobalCounter(); !errors.Is(err, ErrInterrupted) {
		t.Errorf("IncrementGlobalCounter error = %v, want ErrInterrupted", err)
	}
	if _, err := g.CountedInvocation(noop, "FileStore", "x"); !errors.Is(err, ErrInterrupted) {
		t.Errorf("CountedInvocation error = %v, want ErrInterrupted", err)
	}
}

// exec runs src with the guard builtins and a FileStore bound to fs.
func exec(t *testing.T, g *Guard, fs *fileStore, src string) error {
	t.Helper()
	predeclared := g.Builtins()
	predeclared["fs"] = host.NewObject(fileStoreType(), fs)
	thread := &starlark.Thread{Name: t.Name()}
	_, err := starlark.ExecFile(thread, "test.star", src, predeclared)
	return err
}

func TestBuiltins_DynamicCall(t *testing.T) {
	g := newGuard(t, 0, whitelist.NewClassRule("FileStore", 0, whitelist.MethodRule{Name: "delete", MaxInvocations: 2}))
	fs := &fileStore{}

	err := exec(t, g, fs, `
def run():
    for p in ["a", "b", "c"]:
        __sandbox_call__(fs.delete, p)
run()
`)
	var v *SecurityViolation
	if !errors.As(err, &v) {
		t.Fatalf("error = %v, want SecurityViolation", err)
	}
	if len(fs.deleted) != 2 {
		t.Errorf("deleted %v, want exactly 2 deletions", fs.deleted)
	}
}

func TestBuiltins_DynamicCallNotPermitted(t *testing.T) {
	g := newGuard(t, 0, whitelist.NewClassRule("FileStore", 0, whitelist.MethodRule{Name: "delete"}))
	fs := &fileStore{}

	err := exec(t, g, fs, `__sandbox_call__(fs.format)`)
	var v *SecurityViolation
	if !errors.As(err, &v) || v.Kind != KindAccess {
		t.Fatalf("error = %v, want access violation", err)
	}
	if fs.formats != 0 {
		t.Error("format ran despite the violation")
	}
}

func TestBuiltins_TrustedFunction(t *testing.T) {
	g := newGuard(t, 0)
	err := exec(t, g, &fileStore{}, `
def double(x):
    return x * 2
def check():
    r = __sandbox_call__(double, 21)
    if r != 42:
        fail("unexpected result %s" % r)
check()
`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := g.Steps(); got != 1 {
		t.Errorf("steps = %d, want 1", got)
	}
}

func TestBuiltins_MethodRef(t *testing.T) {
	g := newGuard(t, 0, whitelist.NewClassRule("FileStore", 0,
		whitelist.MethodRule{Name: "delete", MaxInvocations: 1},
	))
	fs := &fileStore{}

	if err := exec(t, g, fs, `
name = "del" + "ete"
d = __sandbox_method_ref__(fs, "", name)
d("x")
`); err != nil {
		t.Fatalf("permitted reference: %v", err)
	}
	if len(fs.deleted) != 1 {
		t.Fatalf("deleted = %v, want one deletion", fs.deleted)
	}

	err := exec(t, g, fs, `__sandbox_method_ref__(fs, "FileStore", "delete")("y")`)
	var v *SecurityViolation
	if !errors.As(err, &v) || v.Kind != KindCeiling {
		t.Fatalf("error = %v, want ceiling violation", err)
	}
	if len(fs.deleted) != 1 {
		t.Errorf("deleted = %v after ceiling, want one deletion", fs.deleted)
	}
}

func TestBuiltins_MethodRefRejections(t *testing.T) {
	g := newGuard(t, 0, whitelist.NewClassRule("FileStore", 0, whitelist.MethodRule{Name: "delete"}))
	fs := &fileStore{}

	tests := []struct {
		name string
		src  string
		kind ViolationKind
	}{
		{"not a name", `__sandbox_method_ref__(fs, "FileStore", 42)`, KindMethodPointer},
		{"not permitted", `__sandbox_method_ref__(fs, "FileStore", "form" + "at")()`, KindAccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := exec(t, g, fs, tt.src)
			var v *SecurityViolation
			if !errors.As(err, &v) || v.Kind != tt.kind {
				t.Fatalf("error = %v, want %s violation", err, tt.kind)
			}
		})
	}
	if fs.formats != 0 {
		t.Error("format ran despite the violation")
	}
}

func TestBuiltins_MethodRefDefault(t *testing.T) {
	g := newGuard(t, 0, whitelist.NewClassRule("FileStore", 0))
	fs := &fileStore{}

	if err := exec(t, g, fs, `
def run():
    if __sandbox_method_ref__(fs, "", "shred", 7) != 7:
        fail("default not returned for a missing method")
    if getattr("abc", "shred", None) != None:
        fail("default not returned for a missing string method")
    if getattr("abc", "upper")() != "ABC":
        fail("string method not returned")
run()
`); err != nil {
		t.Fatalf("exec: %v", err)
	}

	err := exec(t, g, fs, `__sandbox_method_ref__(fs, "", "shred")`)
	if err == nil || !strings.Contains(err.Error(), "FileStore has no .shred field or method") {
		t.Errorf("error = %v, want missing attribute", err)
	}
}

func TestBuiltins_Getattr(t *testing.T) {
	tests := []struct {
		name      string
		src       string
		kind      ViolationKind
		deletions int
	}{
		{
			name:      "callback counted",
			src:       "def run():\n    return sorted([\"a\", \"b\", \"c\"], key=getattr(fs, \"delete\"))\nrun()\n",
			kind:      KindCeiling,
			deletions: 2,
		},
		{
			name:      "alias counted",
			src:       "def run():\n    g = getattr\n    return sorted([\"a\", \"b\", \"c\"], key=g(fs, \"delete\"))\nrun()\n",
			kind:      KindCeiling,
			deletions: 2,
		},
		{
			name: "unpacked name checked",
			src:  "def run():\n    return sorted([1], key=getattr(fs, *[\"format\"]))\nrun()\n",
			kind: KindAccess,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGuard(t, 0, whitelist.NewClassRule("FileStore", 0, whitelist.MethodRule{Name: "delete", MaxInvocations: 2}))
			fs := &fileStore{}
			err := exec(t, g, fs, tt.src)
			var v *SecurityViolation
			if !errors.As(err, &v) || v.Kind != tt.kind {
				t.Fatalf("error = %v, want %s violation", err, tt.kind)
			}
			if len(fs.deleted) != tt.deletions || fs.formats != 0 {
				t.Errorf("deleted = %v, formats = %d", fs.deleted, fs.formats)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	obj := host.NewObject(fileStoreType(), &fileStore{})
	attr, err := obj.Attr("delete")
	if err != nil {
		t.Fatal(err)
	}
	if typ, m := Resolve(attr); typ != "FileStore" || m != "delete" {
		t.Errorf("Resolve(bound method) = %s#%s", typ, m)
	}
	if typ, m := Resolve(starlark.Universe["len"]); typ != host.BuiltinType || m != "len" {
		t.Errorf("Resolve(len) = %s#%s", typ, m)
	}
	upper, _ := starlark.String("a").Attr("upper")
	if typ, m := Resolve(upper); typ != "string" || m != "upper" {
		t.Errorf("Resolve(str.upper) = %s#%s", typ, m)
	}
}
