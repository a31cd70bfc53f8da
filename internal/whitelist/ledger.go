package whitelist

import "sync/atomic"

// Ledger holds the invocation counters of a registry's rules.
// The counter maps are built once and never mutated, so increments are
// lock-free and safe from any goroutine.
type Ledger struct {
	classes map[*ClassRule]*atomic.Int64
	methods map[*MethodRule]*atomic.Int64
}

// NewLedger creates zeroed counters for every rule of reg.
func NewLedger(reg *Registry) *Ledger {
	l := &Ledger{
		classes: make(map[*ClassRule]*atomic.Int64, len(reg.rules)),
		methods: make(map[*MethodRule]*atomic.Int64),
	}
	for _, r := range reg.rules {
		l.classes[r] = new(atomic.Int64)
		for _, m := range r.methods {
			l.methods[m] = new(atomic.Int64)
		}
	}
	return l
}

// IncrementClass counts one invocation against r and returns the new count.
func (l *Ledger) IncrementClass(r *ClassRule) int64 {
	c, ok := l.classes[r]
	if !ok {
		return 0
	}
	return c.Add(1)
}

// IncrementMethod counts one invocation against m and returns the new count.
func (l *Ledger) IncrementMethod(m *MethodRule) int64 {
	c, ok := l.methods[m]
	if !ok {
		return 0
	}
	return c.Add(1)
}

// ClassCount returns the current count of r.
func (l *Ledger) ClassCount(r *ClassRule) int64 {
	if c, ok := l.classes[r]; ok {
		return c.Load()
	}
	return 0
}

// MethodCount returns the current count of m.
func (l *Ledger) MethodCount(m *MethodRule) int64 {
	if c, ok := l.methods[m]; ok {
		return c.Load()
	}
	return 0
}
