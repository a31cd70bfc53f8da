package instrument

import (
	"go.starlark.net/syntax"

	"github.com/jkaninda/scriptbox/internal/guard"
)

// RewriteKind names what the rewrite phase did to a call site.
type RewriteKind string

const (
	RewriteCounted   RewriteKind = "counted"
	RewriteDynamic   RewriteKind = "dynamic"
	RewriteMethodRef RewriteKind = "method_ref"
)

// CaptureKind tells how a thunk reaches a captured variable.
type CaptureKind string

const (
	// CaptureLocal variables are function locals the compiler promotes to shared cells.
	CaptureLocal CaptureKind = "local"
	// CaptureGlobal variables are module globals read through the module.
	CaptureGlobal CaptureKind = "global"
)

// Capture is one variable referenced by a synthesized thunk.
type Capture struct {
	Name string      `json:"name"`
	Kind CaptureKind `json:"kind"`
}

// Rewrite records one rewritten call site.
type Rewrite struct {
	Kind     RewriteKind     `json:"kind"`
	Position syntax.Position `json:"-"`
	Pos      string          `json:"pos"`
	Type     string          `json:"type,omitempty"`
	Method   string          `json:"method,omitempty"`
	Captures []Capture       `json:"captures,omitempty"`
}

// Report summarizes the instrumentation of one script.
type Report struct {
	Rewrites   []Rewrite `json:"rewrites"`
	Trusted    int       `json:"trusted"`     // script-local calls left untouched
	Static     int       `json:"static"`      // unthrottled host calls left untouched
	StepChecks int       `json:"step_checks"` // step calls inserted
}

func (r *Report) add(rw Rewrite) {
	rw.Pos = rw.Position.String()
	r.Rewrites = append(r.Rewrites, rw)
}

// Count returns the number of rewrites of the given kind.
func (r *Report) Count(kind RewriteKind) int {
	n := 0
	for _, rw := range r.Rewrites {
		if rw.Kind == kind {
			n++
		}
	}
	return n
}

// captures lists the variables a thunk around e references from scope sc or
// its enclosing scopes, in order of first reference.
func (w *rewriter) captures(e syntax.Expr, sc *scope) []Capture {
	var out []Capture
	seen := make(map[string]bool)
	w.visitNames(e, sc, func(id *syntax.Ident, at *scope) {
		if seen[id.Name] || guard.IsReserved(id.Name) {
			return
		}
		owner := at.lookupOwner(id.Name)
		if owner == nil || !owner.encloses(sc) {
			return
		}
		seen[id.Name] = true
		kind := CaptureLocal
		if owner.kind == moduleScope {
			kind = CaptureGlobal
		}
		out = append(out, Capture{Name: id.Name, Kind: kind})
	})
	return out
}

// lookupOwner returns the scope that binds name.
func (s *scope) lookupOwner(name string) *scope {
	for sc := s; sc != nil; sc = sc.parent {
		if _, ok := sc.names[name]; ok {
			return sc
		}
	}
	return nil
}

// visitNames calls fn for every identifier that e reads, with the scope it is read in.
func (w *rewriter) visitNames(e syntax.Expr, sc *scope, fn func(*syntax.Ident, *scope)) {
	if e == nil {
		return
	}
	visit := func(x syntax.Expr) { w.visitNames(x, sc, fn) }

	switch e := e.(type) {
	case *syntax.Ident:
		fn(e, sc)
	case *syntax.BinaryExpr:
		visit(e.X)
		visit(e.Y)
	case *syntax.CallExpr:
		visit(e.Fn)
		for _, a := range e.Args {
			if kw, ok := a.(*syntax.BinaryExpr); ok && kw.Op == syntax.EQ {
				visit(kw.Y)
				continue
			}
			visit(a)
		}
	case *syntax.Comprehension:
		inner := w.res.scopes[e]
		if inner == nil {
			inner = sc
		}
		for i, cl := range e.Clauses {
			switch cl := cl.(type) {
			case *syntax.ForClause:
				if i == 0 {
					visit(cl.X)
				} else {
					w.visitNames(cl.X, inner, fn)
				}
			case *syntax.IfClause:
				w.visitNames(cl.Cond, inner, fn)
			}
		}
		w.visitNames(e.Body, inner, fn)
	case *syntax.CondExpr:
		visit(e.Cond)
		visit(e.True)
		visit(e.False)
	case *syntax.DictEntry:
		visit(e.Key)
		visit(e.Value)
	case *syntax.DictExpr:
		for _, x := range e.List {
			visit(x)
		}
	case *syntax.DotExpr:
		visit(e.X)
	case *syntax.IndexExpr:
		visit(e.X)
		visit(e.Y)
	case *syntax.LambdaExpr:
		for _, p := range e.Params {
			if def, ok := p.(*syntax.BinaryExpr); ok {
				visit(def.Y)
			}
		}
		// Synthesized thunks have no parameters and share the enclosing scope.
		inner := w.res.scopes[e]
		if inner == nil {
			inner = sc
		}
		w.visitNames(e.Body, inner, fn)
	case *syntax.ListExpr:
		for _, x := range e.List {
			visit(x)
		}
	case *syntax.ParenExpr:
		visit(e.X)
	case *syntax.SliceExpr:
		visit(e.X)
		visit(e.Lo)
		visit(e.Hi)
		visit(e.Step)
	case *syntax.TupleExpr:
		for _, x := range e.List {
			visit(x)
		}
	case *syntax.UnaryExpr:
		visit(e.X)
	}
}
