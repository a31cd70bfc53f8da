package instrument

import (
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/jkaninda/scriptbox/internal/guard"
	"github.com/jkaninda/scriptbox/internal/host"
)

// SiteKind classifies a call site.
type SiteKind int

const (
	SiteTrusted   SiteKind = iota + 1 // callee is a script-defined function
	SiteStatic                        // declaring type resolved at compile time
	SiteDynamic                       // declaring type resolved from the runtime callee
	SiteMethodRef                     // getattr whose target is validated and counted at runtime
)

// CallSite is the resolution record of one call expression.
type CallSite struct {
	Kind   SiteKind
	Type   string
	Method string
}

type scopeKind int

const (
	moduleScope scopeKind = iota
	functionScope
	comprehensionScope
)

const (
	pending = iota
	resolving
	resolved
)

// binding collects every occurrence that binds one name in one scope.
// Resolution is flow-insensitive: a name has a static type only when every
// assignment to it yields that same type.
type binding struct {
	scope  *scope
	defs   int
	opaque int
	values []syntax.Expr
	state  int
	typ    string
}

func (b *binding) trusted() bool {
	return b.defs > 0 && b.opaque == 0 && len(b.values) == 0
}

type scope struct {
	kind   scopeKind
	parent *scope
	names  map[string]*binding
}

func newScope(kind scopeKind, parent *scope) *scope {
	return &scope{kind: kind, parent: parent, names: make(map[string]*binding)}
}

func (s *scope) bind(name string) *binding {
	b, ok := s.names[name]
	if !ok {
		b = &binding{scope: s}
		s.names[name] = b
	}
	return b
}

// lookup finds the innermost binding of name.
func (s *scope) lookup(name string) *binding {
	for sc := s; sc != nil; sc = sc.parent {
		if b, ok := sc.names[name]; ok {
			return b
		}
	}
	return nil
}

// encloses reports whether s is other or one of its ancestors.
func (s *scope) encloses(other *scope) bool {
	for sc := other; sc != nil; sc = sc.parent {
		if sc == s {
			return true
		}
	}
	return false
}

// collect records the bindings made by stmts without entering nested functions.
func (s *scope) collect(stmts []syntax.Stmt) {
	for _, stmt := range stmts {
		switch stmt := stmt.(type) {
		case *syntax.AssignStmt:
			id, isIdent := stmt.LHS.(*syntax.Ident)
			switch {
			case isIdent && stmt.Op == syntax.EQ:
				b := s.bind(id.Name)
				b.values = append(b.values, stmt.RHS)
			case isIdent:
				s.bind(id.Name).opaque++
			case stmt.Op == syntax.EQ:
				s.collectTargets(stmt.LHS)
			}
		case *syntax.DefStmt:
			s.bind(stmt.Name.Name).defs++
		case *syntax.ForStmt:
			s.collectTargets(stmt.Vars)
			s.collect(stmt.Body)
		case *syntax.WhileStmt:
			s.collect(stmt.Body)
		case *syntax.IfStmt:
			s.collect(stmt.True)
			s.collect(stmt.False)
		case *syntax.LoadStmt:
			for _, id := range stmt.To {
				s.bind(id.Name).opaque++
			}
		}
	}
}

func (s *scope) collectTargets(e syntax.Expr) {
	switch e := e.(type) {
	case *syntax.Ident:
		s.bind(e.Name).opaque++
	case *syntax.TupleExpr:
		for _, x := range e.List {
			s.collectTargets(x)
		}
	case *syntax.ListExpr:
		for _, x := range e.List {
			s.collectTargets(x)
		}
	case *syntax.ParenExpr:
		s.collectTargets(e.X)
	}
}

func (s *scope) collectParams(params []syntax.Expr) {
	for _, p := range params {
		switch p := p.(type) {
		case *syntax.Ident:
			s.bind(p.Name).opaque++
		case *syntax.BinaryExpr:
			if id, ok := p.X.(*syntax.Ident); ok {
				s.bind(id.Name).opaque++
			}
		case *syntax.UnaryExpr:
			if id, ok := p.X.(*syntax.Ident); ok {
				s.bind(id.Name).opaque++
			}
		}
	}
}

// resolution is the result of the first phase.
type resolution struct {
	in       *Instrumenter
	module   *scope
	scopes   map[syntax.Node]*scope
	sites    map[*syntax.CallExpr]*CallSite
	refs     map[*syntax.DotExpr]string
	errs     PolicyErrors
	internal error
}

func newResolution(in *Instrumenter) *resolution {
	return &resolution{
		in:     in,
		module: newScope(moduleScope, nil),
		scopes: make(map[syntax.Node]*scope),
		sites:  make(map[*syntax.CallExpr]*CallSite),
		refs:   make(map[*syntax.DotExpr]string),
	}
}

func (r *resolution) errorf(pos syntax.Position, format string, args ...any) {
	r.errs = append(r.errs, PolicyError{Pos: pos, Msg: fmt.Sprintf(format, args...)})
}

func (r *resolution) unsupported(n syntax.Node) {
	if r.internal == nil {
		r.internal = fmt.Errorf("%w: %T", ErrUnsupportedNode, n)
	}
}

func (r *resolution) stmts(list []syntax.Stmt, sc *scope) {
	for _, s := range list {
		r.stmt(s, sc)
	}
}

func (r *resolution) stmt(s syntax.Stmt, sc *scope) {
	switch s := s.(type) {
	case *syntax.AssignStmt:
		r.target(s.LHS, sc)
		r.expr(s.RHS, sc)
	case *syntax.BranchStmt:
	case *syntax.DefStmt:
		r.ident(s.Name)
		r.params(s.Params, sc)
		fn := newScope(functionScope, sc)
		fn.collectParams(s.Params)
		fn.collect(s.Body)
		r.scopes[s] = fn
		r.stmts(s.Body, fn)
	case *syntax.ExprStmt:
		r.expr(s.X, sc)
	case *syntax.ForStmt:
		r.expr(s.X, sc)
		r.target(s.Vars, sc)
		r.stmts(s.Body, sc)
	case *syntax.WhileStmt:
		r.expr(s.Cond, sc)
		r.stmts(s.Body, sc)
	case *syntax.IfStmt:
		r.expr(s.Cond, sc)
		r.stmts(s.True, sc)
		r.stmts(s.False, sc)
	case *syntax.LoadStmt:
		r.errorf(s.Load, "load statements are not allowed")
	case *syntax.ReturnStmt:
		if s.Result != nil {
			r.expr(s.Result, sc)
		}
	default:
		r.unsupported(s)
	}
}

// target resolves the evaluated parts of an assignment target.
func (r *resolution) target(e syntax.Expr, sc *scope) {
	switch e := e.(type) {
	case *syntax.Ident:
		r.ident(e)
	case *syntax.IndexExpr:
		r.expr(e.X, sc)
		r.expr(e.Y, sc)
	case *syntax.DotExpr:
		r.expr(e.X, sc)
	case *syntax.TupleExpr:
		for _, x := range e.List {
			r.target(x, sc)
		}
	case *syntax.ListExpr:
		for _, x := range e.List {
			r.target(x, sc)
		}
	case *syntax.ParenExpr:
		r.target(e.X, sc)
	default:
		r.unsupported(e)
	}
}

// params resolves parameter defaults, which evaluate in the enclosing scope.
func (r *resolution) params(params []syntax.Expr, sc *scope) {
	for _, p := range params {
		switch p := p.(type) {
		case *syntax.Ident:
			r.ident(p)
		case *syntax.BinaryExpr:
			if id, ok := p.X.(*syntax.Ident); ok {
				r.ident(id)
			}
			r.expr(p.Y, sc)
		case *syntax.UnaryExpr:
			if id, ok := p.X.(*syntax.Ident); ok {
				r.ident(id)
			}
		}
	}
}

func (r *resolution) ident(id *syntax.Ident) {
	if guard.IsReserved(id.Name) {
		r.errorf(id.NamePos, "identifier %s is reserved", id.Name)
	}
}

func (r *resolution) exprs(list []syntax.Expr, sc *scope) {
	for _, x := range list {
		r.expr(x, sc)
	}
}

func (r *resolution) expr(e syntax.Expr, sc *scope) {
	switch e := e.(type) {
	case *syntax.BinaryExpr:
		r.expr(e.X, sc)
		r.expr(e.Y, sc)
	case *syntax.CallExpr:
		r.call(e, sc)
	case *syntax.Comprehension:
		r.comprehension(e, sc)
	case *syntax.CondExpr:
		r.expr(e.Cond, sc)
		r.expr(e.True, sc)
		r.expr(e.False, sc)
	case *syntax.DictEntry:
		r.expr(e.Key, sc)
		r.expr(e.Value, sc)
	case *syntax.DictExpr:
		r.exprs(e.List, sc)
	case *syntax.DotExpr:
		r.expr(e.X, sc)
		r.reference(e, sc)
	case *syntax.Ident:
		r.ident(e)
	case *syntax.IndexExpr:
		r.expr(e.X, sc)
		r.expr(e.Y, sc)
	case *syntax.LambdaExpr:
		r.params(e.Params, sc)
		fn := newScope(functionScope, sc)
		fn.collectParams(e.Params)
		r.scopes[e] = fn
		r.expr(e.Body, fn)
	case *syntax.ListExpr:
		r.exprs(e.List, sc)
	case *syntax.Literal:
	case *syntax.ParenExpr:
		r.expr(e.X, sc)
	case *syntax.SliceExpr:
		r.expr(e.X, sc)
		for _, x := range []syntax.Expr{e.Lo, e.Hi, e.Step} {
			if x != nil {
				r.expr(x, sc)
			}
		}
	case *syntax.TupleExpr:
		r.exprs(e.List, sc)
	case *syntax.UnaryExpr:
		if e.X != nil {
			r.expr(e.X, sc)
		}
	default:
		r.unsupported(e)
	}
}

func (r *resolution) comprehension(c *syntax.Comprehension, sc *scope) {
	inner := newScope(comprehensionScope, sc)
	for _, cl := range c.Clauses {
		if fc, ok := cl.(*syntax.ForClause); ok {
			inner.collectTargets(fc.Vars)
		}
	}
	r.scopes[c] = inner

	for i, cl := range c.Clauses {
		switch cl := cl.(type) {
		case *syntax.ForClause:
			// The first iterable is evaluated outside the comprehension.
			if i == 0 {
				r.expr(cl.X, sc)
			} else {
				r.expr(cl.X, inner)
			}
			r.target(cl.Vars, inner)
		case *syntax.IfClause:
			r.expr(cl.Cond, inner)
		default:
			r.unsupported(cl)
		}
	}
	r.expr(c.Body, inner)
}

// reference checks a method reference taken without calling it and records
// the receiver type for the rewrite phase.
func (r *resolution) reference(dot *syntax.DotExpr, sc *scope) {
	t := r.typeOf(dot.X, sc)
	r.refs[dot] = t
	if t == "" {
		return
	}
	if !r.in.policy.IsPermitted(t, dot.Name.Name) {
		r.errorf(dot.NamePos, "invocation not allowed: %s#%s", t, dot.Name.Name)
	}
}

func (r *resolution) call(c *syntax.CallExpr, sc *scope) {
	if dot, ok := c.Fn.(*syntax.DotExpr); ok {
		r.expr(dot.X, sc)
	} else {
		r.expr(c.Fn, sc)
	}
	r.exprs(c.Args, sc)

	site := r.classify(c, sc)
	r.sites[c] = site
	if site.Kind != SiteStatic {
		return
	}

	start, _ := c.Span()
	if !r.in.policy.IsPermitted(site.Type, site.Method) {
		r.errorf(start, "invocation not allowed: %s#%s", site.Type, site.Method)
		return
	}
	if t, ok := r.in.lookupType(site.Type); ok {
		if _, ok := t.Method(site.Method); !ok {
			r.errorf(start, "%s has no method %s", site.Type, site.Method)
		}
	}
}

func (r *resolution) classify(c *syntax.CallExpr, sc *scope) *CallSite {
	dynamic := &CallSite{Kind: SiteDynamic}

	switch fn := c.Fn.(type) {
	case *syntax.Ident:
		if b := sc.lookup(fn.Name); b != nil {
			if b.trusted() {
				return &CallSite{Kind: SiteTrusted}
			}
			return dynamic
		}
		if _, ok := r.in.bindings[fn.Name]; ok {
			return dynamic
		}
		if _, ok := starlark.Universe[fn.Name]; ok {
			if fn.Name == guard.GetattrName {
				return r.getattr(c, sc)
			}
			return &CallSite{Kind: SiteStatic, Type: host.BuiltinType, Method: fn.Name}
		}
	case *syntax.DotExpr:
		if t := r.typeOf(fn.X, sc); t != "" {
			return &CallSite{Kind: SiteStatic, Type: t, Method: fn.Name.Name}
		}
	}
	return dynamic
}

// getattr classifies getattr(recv, name[, default]). A constant name on a
// receiver of known type is checked now and, when that method has a ceiling,
// still becomes a counted reference. Anything else is validated at runtime.
// Unpacked arguments leave the call to the guard's own getattr.
func (r *resolution) getattr(c *syntax.CallExpr, sc *scope) *CallSite {
	site := &CallSite{Kind: SiteStatic, Type: host.BuiltinType, Method: "getattr"}
	if len(c.Args) < 2 {
		return site
	}
	for _, a := range c.Args {
		if isKeywordOrStar(a) {
			return &CallSite{Kind: SiteDynamic}
		}
	}

	recvType := r.typeOf(c.Args[0], sc)
	if lit, ok := c.Args[1].(*syntax.Literal); ok && lit.Token == syntax.STRING && recvType != "" {
		name, _ := lit.Value.(string)
		if !r.in.policy.IsPermitted(recvType, name) {
			r.errorf(lit.TokenPos, "invocation not allowed: %s#%s", recvType, name)
			return site
		}
		if r.in.policy.HasCeiling(recvType, name) {
			return &CallSite{Kind: SiteMethodRef, Type: recvType, Method: name}
		}
		return site
	}
	return &CallSite{Kind: SiteMethodRef, Type: recvType}
}

func isKeywordOrStar(e syntax.Expr) bool {
	switch e := e.(type) {
	case *syntax.BinaryExpr:
		return e.Op == syntax.EQ
	case *syntax.UnaryExpr:
		return e.Op == syntax.STAR || e.Op == syntax.STARSTAR
	}
	return false
}

// typeOf returns the static host type of e, or "" when it is only known at runtime.
func (r *resolution) typeOf(e syntax.Expr, sc *scope) string {
	switch e := e.(type) {
	case *syntax.Ident:
		if b := sc.lookup(e.Name); b != nil {
			return r.bindingType(b)
		}
		return r.in.bindings[e.Name]
	case *syntax.ParenExpr:
		return r.typeOf(e.X, sc)
	case *syntax.Literal:
		switch e.Token {
		case syntax.STRING:
			return "string"
		case syntax.BYTES:
			return "bytes"
		case syntax.INT:
			return "int"
		case syntax.FLOAT:
			return "float"
		}
	case *syntax.ListExpr:
		return "list"
	case *syntax.DictExpr:
		return "dict"
	case *syntax.TupleExpr:
		return "tuple"
	case *syntax.Comprehension:
		if e.Curly {
			return "dict"
		}
		return "list"
	case *syntax.CallExpr:
		dot, ok := e.Fn.(*syntax.DotExpr)
		if !ok {
			return ""
		}
		if t, ok := r.in.lookupType(r.typeOf(dot.X, sc)); ok {
			if m, ok := t.Method(dot.Name.Name); ok {
				return m.Result
			}
		}
	}
	return ""
}

func (r *resolution) bindingType(b *binding) string {
	switch b.state {
	case resolved:
		return b.typ
	case resolving:
		return ""
	}
	if b.defs > 0 || b.opaque > 0 || len(b.values) == 0 {
		b.state = resolved
		return ""
	}

	b.state = resolving
	typ := r.typeOf(b.values[0], b.scope)
	for _, v := range b.values[1:] {
		if typ == "" {
			break
		}
		if r.typeOf(v, b.scope) != typ {
			typ = ""
		}
	}
	b.typ, b.state = typ, resolved
	return typ
}
