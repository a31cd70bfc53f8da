package instrument

import (
	"fmt"
	"strconv"

	"go.starlark.net/syntax"

	"github.com/jkaninda/scriptbox/internal/guard"
)

type rewriter struct {
	res    *resolution
	report *Report
}

func (w *rewriter) stmts(list []syntax.Stmt, sc *scope) error {
	for _, s := range list {
		if err := w.stmt(s, sc); err != nil {
			return err
		}
	}
	return nil
}

func (w *rewriter) stmt(s syntax.Stmt, sc *scope) error {
	var err error
	switch s := s.(type) {
	case *syntax.AssignStmt:
		if err = w.target(s.LHS, sc); err != nil {
			return err
		}
		s.RHS, err = w.expr(s.RHS, sc)
	case *syntax.BranchStmt:
	case *syntax.DefStmt:
		if err = w.params(s.Params, sc); err != nil {
			return err
		}
		fn, ok := w.res.scopes[s]
		if !ok {
			return fmt.Errorf("%w: function %s has no scope", ErrInternal, s.Name.Name)
		}
		if err = w.stmts(s.Body, fn); err != nil {
			return err
		}
		s.Body = w.prependStep(s.Def, s.Body)
	case *syntax.ExprStmt:
		s.X, err = w.expr(s.X, sc)
	case *syntax.ForStmt:
		if s.X, err = w.expr(s.X, sc); err != nil {
			return err
		}
		if err = w.target(s.Vars, sc); err != nil {
			return err
		}
		if err = w.stmts(s.Body, sc); err != nil {
			return err
		}
		s.Body = w.prependStep(s.For, s.Body)
	case *syntax.WhileStmt:
		if s.Cond, err = w.expr(s.Cond, sc); err != nil {
			return err
		}
		if err = w.stmts(s.Body, sc); err != nil {
			return err
		}
		s.Body = w.prependStep(s.While, s.Body)
	case *syntax.IfStmt:
		if s.Cond, err = w.expr(s.Cond, sc); err != nil {
			return err
		}
		if err = w.stmts(s.True, sc); err != nil {
			return err
		}
		err = w.stmts(s.False, sc)
	case *syntax.ReturnStmt:
		if s.Result != nil {
			s.Result, err = w.expr(s.Result, sc)
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedNode, s)
	}
	return err
}

func (w *rewriter) target(e syntax.Expr, sc *scope) error {
	var err error
	switch e := e.(type) {
	case *syntax.Ident:
	case *syntax.IndexExpr:
		if e.X, err = w.expr(e.X, sc); err != nil {
			return err
		}
		e.Y, err = w.expr(e.Y, sc)
	case *syntax.DotExpr:
		e.X, err = w.expr(e.X, sc)
	case *syntax.TupleExpr:
		for _, x := range e.List {
			if err = w.target(x, sc); err != nil {
				return err
			}
		}
	case *syntax.ListExpr:
		for _, x := range e.List {
			if err = w.target(x, sc); err != nil {
				return err
			}
		}
	case *syntax.ParenExpr:
		err = w.target(e.X, sc)
	default:
		return fmt.Errorf("%w: assignment to %T", ErrUnsupportedNode, e)
	}
	return err
}

func (w *rewriter) params(params []syntax.Expr, sc *scope) error {
	for _, p := range params {
		if def, ok := p.(*syntax.BinaryExpr); ok {
			var err error
			if def.Y, err = w.expr(def.Y, sc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *rewriter) exprs(list []syntax.Expr, sc *scope) error {
	for i, x := range list {
		var err error
		if list[i], err = w.expr(x, sc); err != nil {
			return err
		}
	}
	return nil
}

// expr rewrites e and returns its replacement.
func (w *rewriter) expr(e syntax.Expr, sc *scope) (syntax.Expr, error) {
	var err error
	switch e := e.(type) {
	case *syntax.BinaryExpr:
		if e.X, err = w.expr(e.X, sc); err != nil {
			return nil, err
		}
		e.Y, err = w.expr(e.Y, sc)
	case *syntax.CallExpr:
		return w.call(e, sc)
	case *syntax.Comprehension:
		err = w.comprehension(e, sc)
	case *syntax.CondExpr:
		if e.Cond, err = w.expr(e.Cond, sc); err != nil {
			return nil, err
		}
		if e.True, err = w.expr(e.True, sc); err != nil {
			return nil, err
		}
		e.False, err = w.expr(e.False, sc)
	case *syntax.DictEntry:
		if e.Key, err = w.expr(e.Key, sc); err != nil {
			return nil, err
		}
		e.Value, err = w.expr(e.Value, sc)
	case *syntax.DictExpr:
		err = w.exprs(e.List, sc)
	case *syntax.DotExpr:
		return w.reference(e, sc)
	case *syntax.Ident:
	case *syntax.IndexExpr:
		if e.X, err = w.expr(e.X, sc); err != nil {
			return nil, err
		}
		e.Y, err = w.expr(e.Y, sc)
	case *syntax.LambdaExpr:
		if err = w.params(e.Params, sc); err != nil {
			return nil, err
		}
		fn, ok := w.res.scopes[e]
		if !ok {
			return nil, fmt.Errorf("%w: lambda at %s has no scope", ErrInternal, e.Lambda)
		}
		if e.Body, err = w.expr(e.Body, fn); err != nil {
			return nil, err
		}
		// step() returns True, so "step() and body" evaluates to body.
		e.Body = &syntax.BinaryExpr{X: w.step(e.Lambda), OpPos: e.Lambda, Op: syntax.AND, Y: e.Body}
	case *syntax.ListExpr:
		err = w.exprs(e.List, sc)
	case *syntax.Literal:
	case *syntax.ParenExpr:
		e.X, err = w.expr(e.X, sc)
	case *syntax.SliceExpr:
		if e.X, err = w.expr(e.X, sc); err != nil {
			return nil, err
		}
		for _, p := range []*syntax.Expr{&e.Lo, &e.Hi, &e.Step} {
			if *p == nil {
				continue
			}
			if *p, err = w.expr(*p, sc); err != nil {
				return nil, err
			}
		}
	case *syntax.TupleExpr:
		err = w.exprs(e.List, sc)
	case *syntax.UnaryExpr:
		if e.X != nil {
			e.X, err = w.expr(e.X, sc)
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedNode, e)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (w *rewriter) comprehension(c *syntax.Comprehension, sc *scope) error {
	inner, ok := w.res.scopes[c]
	if !ok {
		return fmt.Errorf("%w: comprehension at %s has no scope", ErrInternal, c.Lbrack)
	}

	clauses := make([]syntax.Node, 0, 2*len(c.Clauses))
	for i, cl := range c.Clauses {
		var err error
		switch cl := cl.(type) {
		case *syntax.ForClause:
			at := inner
			if i == 0 {
				at = sc
			}
			if cl.X, err = w.expr(cl.X, at); err != nil {
				return err
			}
			if err = w.target(cl.Vars, inner); err != nil {
				return err
			}
			clauses = append(clauses, cl, &syntax.IfClause{If: cl.For, Cond: w.step(cl.For)})
		case *syntax.IfClause:
			if cl.Cond, err = w.expr(cl.Cond, inner); err != nil {
				return err
			}
			clauses = append(clauses, cl)
		default:
			return fmt.Errorf("%w: %T", ErrUnsupportedNode, cl)
		}
	}
	c.Clauses = clauses

	var err error
	c.Body, err = w.expr(c.Body, inner)
	return err
}

func (w *rewriter) call(c *syntax.CallExpr, sc *scope) (syntax.Expr, error) {
	site, ok := w.res.sites[c]
	if !ok {
		return nil, fmt.Errorf("%w at %s", ErrUnresolvedCallSite, c.Lparen)
	}

	var err error
	if dot, ok := c.Fn.(*syntax.DotExpr); ok {
		dot.X, err = w.expr(dot.X, sc)
	} else {
		c.Fn, err = w.expr(c.Fn, sc)
	}
	if err != nil {
		return nil, err
	}
	if err := w.exprs(c.Args, sc); err != nil {
		return nil, err
	}

	start, _ := c.Span()
	switch site.Kind {
	case SiteTrusted:
		w.report.Trusted++
		return c, nil

	case SiteStatic:
		if !w.res.in.policy.HasCeiling(site.Type, site.Method) {
			w.report.Static++
			return c, nil
		}
		w.report.add(Rewrite{
			Kind:     RewriteCounted,
			Position: start,
			Type:     site.Type,
			Method:   site.Method,
			Captures: w.captures(c, sc),
		})
		thunk := &syntax.LambdaExpr{Lambda: start, Body: c}
		return w.callBuiltin(guard.CountedName, c, thunk, str(site.Type, start), str(site.Method, start)), nil

	case SiteDynamic:
		w.report.add(Rewrite{Kind: RewriteDynamic, Position: start})
		return w.callBuiltin(guard.CallName, c, append([]syntax.Expr{c.Fn}, c.Args...)...), nil

	case SiteMethodRef:
		w.report.add(Rewrite{Kind: RewriteMethodRef, Position: start, Type: site.Type, Method: site.Method})
		args := append([]syntax.Expr{c.Args[0], str(site.Type, start)}, c.Args[1:]...)
		return w.callBuiltin(guard.MethodRefName, c, args...), nil
	}
	return nil, fmt.Errorf("%w: call site kind %d at %s", ErrInternal, site.Kind, c.Lparen)
}

// reference rewrites a method reference that is not called in place, such as
// a callback argument, so that later invocations are still validated and counted.
func (w *rewriter) reference(dot *syntax.DotExpr, sc *scope) (syntax.Expr, error) {
	var err error
	if dot.X, err = w.expr(dot.X, sc); err != nil {
		return nil, err
	}
	t, ok := w.res.refs[dot]
	if !ok {
		return nil, fmt.Errorf("%w: unresolved reference at %s", ErrInternal, dot.Dot)
	}
	if t != "" && !w.res.in.policy.HasCeiling(t, dot.Name.Name) {
		return dot, nil
	}
	start, _ := dot.Span()
	w.report.add(Rewrite{Kind: RewriteMethodRef, Position: start, Type: t, Method: dot.Name.Name})
	return &syntax.CallExpr{
		Fn:     &syntax.Ident{NamePos: start, Name: guard.MethodRefName},
		Lparen: dot.Dot,
		Args:   []syntax.Expr{dot.X, str(t, start), str(dot.Name.Name, dot.NamePos)},
		Rparen: dot.NamePos,
	}, nil
}

// callBuiltin builds a call of a reserved builtin positioned at the original call.
func (w *rewriter) callBuiltin(name string, orig *syntax.CallExpr, args ...syntax.Expr) *syntax.CallExpr {
	start, _ := orig.Span()
	return &syntax.CallExpr{
		Fn:     &syntax.Ident{NamePos: start, Name: name},
		Lparen: orig.Lparen,
		Args:   args,
		Rparen: orig.Rparen,
	}
}

func (w *rewriter) step(pos syntax.Position) *syntax.CallExpr {
	w.report.StepChecks++
	return &syntax.CallExpr{
		Fn:     &syntax.Ident{NamePos: pos, Name: guard.StepName},
		Lparen: pos,
		Rparen: pos,
	}
}

func (w *rewriter) prependStep(pos syntax.Position, body []syntax.Stmt) []syntax.Stmt {
	return append([]syntax.Stmt{&syntax.ExprStmt{X: w.step(pos)}}, body...)
}

func str(s string, pos syntax.Position) *syntax.Literal {
	return &syntax.Literal{Token: syntax.STRING, TokenPos: pos, Raw: strconv.Quote(s), Value: s}
}
