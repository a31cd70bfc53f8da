package instrument

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/jkaninda/scriptbox/internal/guard"
	"github.com/jkaninda/scriptbox/internal/host"
	"github.com/jkaninda/scriptbox/internal/whitelist"
)

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

// fixture wires an instrumenter to a FileStore binding named fs whose
// delete method may run twice per execution.
type fixture struct {
	registry *whitelist.Registry
	in       *Instrumenter
}

func newFixture(rules ...*whitelist.ClassRule) *fixture {
	catalog := host.NewCatalog(fileStoreType())
	if len(rules) == 0 {
		rules = []*whitelist.ClassRule{
			whitelist.NewClassRule("FileStore", 0, whitelist.MethodRule{Name: "delete", MaxInvocations: 2}),
		}
	}
	reg := whitelist.NewRegistry(catalog, append(whitelist.BuiltinRules(), rules...)...)
	return &fixture{
		registry: reg,
		in:       New(reg, catalog, map[string]string{"fs": "FileStore"}),
	}
}

func parse(t *testing.T, src string) *syntax.File {
	t.Helper()
	f, err := syntax.Parse("test.star", src, 0)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return f
}

// exec instruments src, then runs it with the guard builtins and fs bound.
func (fx *fixture) exec(t *testing.T, fs *fileStore, src string) (*Report, error) {
	t.Helper()
	f := parse(t, src)
	report, err := fx.in.Instrument(f)
	if err != nil {
		return nil, err
	}
	g := guard.New(context.Background(), fx.registry, fx.registry.Ledger(), 0)
	predeclared := g.Builtins()
	predeclared["fs"] = host.NewObject(fileStoreType(), fs)
	prog, err := starlark.FileProgram(f, predeclared.Has)
	if err != nil {
		t.Fatalf("compile instrumented script: %v", err)
	}
	_, err = prog.Init(&starlark.Thread{Name: t.Name()}, predeclared)
	return report, err
}

func TestInstrument_TrustedCallsUntouched(t *testing.T) {
	fx := newFixture()
	f := parse(t, `
def twice(x):
    return x * 2
twice(21)
`)
	report, err := fx.in.Instrument(f)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	if report.Trusted != 1 || len(report.Rewrites) != 0 {
		t.Errorf("report = %+v, want one trusted call and no rewrites", report)
	}
	call := f.Stmts[1].(*syntax.ExprStmt).X.(*syntax.CallExpr)
	if id, ok := call.Fn.(*syntax.Ident); !ok || id.Name != "twice" {
		t.Errorf("trusted call was rewritten to %T", call.Fn)
	}
}

func TestInstrument_CountedCall(t *testing.T) {
	fx := newFixture()
	f := parse(t, `
def purge(path):
    fs.delete(path)
`)
	report, err := fx.in.Instrument(f)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	if len(report.Rewrites) != 1 {
		t.Fatalf("rewrites = %+v, want one", report.Rewrites)
	}
	rw := report.Rewrites[0]
	if rw.Kind != RewriteCounted || rw.Type != "FileStore" || rw.Method != "delete" {
		t.Errorf("rewrite = %+v", rw)
	}
	if len(rw.Captures) != 1 || rw.Captures[0] != (Capture{Name: "path", Kind: CaptureLocal}) {
		t.Errorf("captures = %+v, want the local path", rw.Captures)
	}
	if rw.Pos != "test.star:3:5" {
		t.Errorf("pos = %q", rw.Pos)
	}

	body := f.Stmts[0].(*syntax.DefStmt).Body
	call := body[len(body)-1].(*syntax.ExprStmt).X.(*syntax.CallExpr)
	if id, ok := call.Fn.(*syntax.Ident); !ok || id.Name != guard.CountedName {
		t.Errorf("call was not wrapped in %s", guard.CountedName)
	}
}

func TestInstrument_CountedCallCapturesGlobals(t *testing.T) {
	fx := newFixture()
	report, err := fx.in.Instrument(parse(t, `
target = "a.txt"
fs.delete(target)
`))
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	got := report.Rewrites[0].Captures
	if len(got) != 1 || got[0] != (Capture{Name: "target", Kind: CaptureGlobal}) {
		t.Errorf("captures = %+v, want the global target", got)
	}
}

func TestInstrument_CeilingEnforcedAtRuntime(t *testing.T) {
	fx := newFixture()
	fs := &fileStore{}
	_, err := fx.exec(t, fs, `
def purge(paths):
    for p in paths:
        fs.delete(p)
purge(["a", "b", "c"])
`)
	var v *guard.SecurityViolation
	if !errors.As(err, &v) || v.Kind != guard.KindCeiling {
		t.Fatalf("error = %v, want ceiling violation", err)
	}
	if len(fs.deleted) != 2 {
		t.Errorf("deleted = %v, want exactly 2", fs.deleted)
	}
}

func TestInstrument_DynamicCall(t *testing.T) {
	fx := newFixture()
	fs := &fileStore{}
	_, err := fx.exec(t, fs, `
def purge(store, paths):
    for p in paths:
        store.delete(p)
purge(fs, ["a", "b", "c"])
`)
	var v *guard.SecurityViolation
	if !errors.As(err, &v) || v.Kind != guard.KindCeiling {
		t.Fatalf("error = %v, want ceiling violation", err)
	}
	if len(fs.deleted) != 2 {
		t.Errorf("deleted = %v, want exactly 2", fs.deleted)
	}

	report, err := fx.in.Instrument(parse(t, `
def purge(store):
    store.delete("a")
`))
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	if report.Count(RewriteDynamic) != 1 {
		t.Errorf("rewrites = %+v, want one dynamic", report.Rewrites)
	}
}

func TestInstrument_CallbackReference(t *testing.T) {
	fx := newFixture()
	fs := &fileStore{}
	_, err := fx.exec(t, fs, `
def purge(paths):
    return sorted(paths, key=fs.delete)
purge(["a", "b", "c"])
`)
	var v *guard.SecurityViolation
	if !errors.As(err, &v) || v.Kind != guard.KindCeiling {
		t.Fatalf("error = %v, want ceiling violation", err)
	}
	if len(fs.deleted) != 2 {
		t.Errorf("deleted = %v, want exactly 2", fs.deleted)
	}
}

func TestInstrument_GetattrMethodRef(t *testing.T) {
	fx := newFixture()
	fs := &fileStore{}
	report, err := fx.exec(t, fs, `
name = "del" + "ete"
getattr(fs, name)("a")
`)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if report.Count(RewriteMethodRef) != 1 {
		t.Errorf("rewrites = %+v, want one method reference", report.Rewrites)
	}
	if len(fs.deleted) != 1 {
		t.Errorf("deleted = %v, want one", fs.deleted)
	}

	_, err = fx.exec(t, &fileStore{}, `getattr(fs, 42)`)
	var v *guard.SecurityViolation
	if !errors.As(err, &v) || v.Kind != guard.KindMethodPointer {
		t.Fatalf("error = %v, want method-pointer violation", err)
	}
}

func TestInstrument_GetattrCallbackCounted(t *testing.T) {
	tests := []struct {
		name       string
		src        string
		methodRefs int
	}{
		{"constant name", `sorted(["a", "b", "c"], key=getattr(fs, "delete"))`, 1},
		{"unpacked name", `sorted(["a", "b", "c"], key=getattr(fs, *["delete"]))`, 0},
		{"alias", "g = getattr\n" + `sorted(["a", "b", "c"], key=g(fs, "delete"))`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &fileStore{}
			report, err := newFixture().exec(t, fs, tt.src+"\n")
			var v *guard.SecurityViolation
			if !errors.As(err, &v) || v.Kind != guard.KindCeiling {
				t.Fatalf("error = %v, want ceiling violation", err)
			}
			if len(fs.deleted) != 2 {
				t.Errorf("deleted = %v, want exactly 2", fs.deleted)
			}
			if report != nil && report.Count(RewriteMethodRef) != tt.methodRefs {
				t.Errorf("rewrites = %+v, want %d method references", report.Rewrites, tt.methodRefs)
			}
		})
	}
}

func TestInstrument_GetattrRuntimeNameChecked(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unpacked name", `sorted([1], key=getattr(fs, *["format"]))`},
		{"alias", "g = getattr\nn = \"for\" + \"mat\"\n" + `sorted([1], key=g(fs, n))`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(whitelist.NewClassRule("FileStore", 0, whitelist.MethodRule{Name: "delete"}))
			fs := &fileStore{}
			_, err := fx.exec(t, fs, tt.src+"\n")
			var v *guard.SecurityViolation
			if !errors.As(err, &v) || v.Kind != guard.KindAccess {
				t.Fatalf("error = %v, want access violation", err)
			}
			if fs.formats != 0 {
				t.Error("format ran despite the violation")
			}
		})
	}
}

func TestInstrument_PolicyErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"forbidden method", "fs.format()\n", "invocation not allowed: FileStore#format"},
		{"forbidden reference", "f = fs.format\n", "invocation not allowed: FileStore#format"},
		{"forbidden getattr", `getattr(fs, "format")` + "\n", "invocation not allowed: FileStore#format"},
		{"reserved identifier", "__sandbox_call__ = 1\n", "identifier __sandbox_call__ is reserved"},
		{"load", `load("lib.star", "x")` + "\n", "load statements are not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newFixture().in.Instrument(parse(t, tt.src))
			var perrs PolicyErrors
			if !errors.As(err, &perrs) {
				t.Fatalf("error = %v, want PolicyErrors", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want %q", err.Error(), tt.want)
			}
		})
	}
}

func TestInstrument_UnknownMethod(t *testing.T) {
	fx := newFixture(whitelist.NewClassRule("FileStore", 0))
	_, err := fx.in.Instrument(parse(t, "fs.shred()\n"))
	if err == nil || !strings.Contains(err.Error(), "FileStore has no method shred") {
		t.Errorf("error = %v", err)
	}
}

func TestInstrument_PolicyErrorsAreCollected(t *testing.T) {
	_, err := newFixture().in.Instrument(parse(t, "fs.format()\nfs.format()\n"))
	var perrs PolicyErrors
	if !errors.As(err, &perrs) || len(perrs) != 2 {
		t.Fatalf("error = %v, want two policy errors", err)
	}
	if perrs[1].Pos.Line != 2 {
		t.Errorf("second error at line %d, want 2", perrs[1].Pos.Line)
	}
}

func TestInstrument_StepChecks(t *testing.T) {
	f := parse(t, `
def walk(n):
    total = 0
    for i in range(n):
        total += i
    return [x for x in range(n) if x > 1]
inc = lambda x: x + 1
`)
	report, err := newFixture().in.Instrument(f)
	if err != nil {
		t.Fatalf("Instrument: %v", err)
	}
	// def entry, for body, comprehension clause, lambda body
	if report.StepChecks != 4 {
		t.Errorf("step checks = %d, want 4", report.StepChecks)
	}
	first := f.Stmts[0].(*syntax.DefStmt).Body[0].(*syntax.ExprStmt).X.(*syntax.CallExpr)
	if first.Fn.(*syntax.Ident).Name != guard.StepName {
		t.Errorf("function body does not start with %s", guard.StepName)
	}
}

func TestInstrument_UnresolvedCallSite(t *testing.T) {
	res := newResolution(newFixture().in)
	w := &rewriter{res: res, report: &Report{}}
	call := &syntax.CallExpr{Fn: &syntax.Ident{Name: "f"}}

	_, err := w.call(call, res.module)
	if !errors.Is(err, ErrUnresolvedCallSite) || !errors.Is(err, ErrInternal) {
		t.Errorf("error = %v, want ErrUnresolvedCallSite", err)
	}
}
