// Package reasoning implements a small relational knowledge base: logical
// terms, substitution-based unification and a clause store queried with
// confidence propagation.
package reasoning

import (
	"strings"
)

// Term is a logical term. Terms are immutable values compared structurally.
type Term interface {
	String() string
	isTerm()
}

// Atom is a concrete value.
type Atom struct {
	Value string
}

// Var is a logical variable.
type Var struct {
	Name string
}

// Compound is a relation with ordered arguments, e.g. solves(p, s).
type Compound struct {
	Functor string
	Args    []Term
}

// List is an ordered sequence of terms.
type List struct {
	Items []Term
}

func (Atom) isTerm()     {}
func (Var) isTerm()      {}
func (Compound) isTerm() {}
func (List) isTerm()     {}

func (a Atom) String() string { return a.Value }
func (v Var) String() string  { return v.Name }

func (c Compound) String() string {
	var sb strings.Builder
	sb.WriteString(c.Functor)
	sb.WriteByte('(')
	writeTerms(&sb, c.Args)
	sb.WriteByte(')')
	return sb.String()
}

func (l List) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	writeTerms(&sb, l.Items)
	sb.WriteByte(']')
	return sb.String()
}

func writeTerms(sb *strings.Builder, terms []Term) {
	for i, t := range terms {
		if i > 0 {
			sb.WriteString(", ")
		}
		if t == nil {
			sb.WriteString("<nil>")
			continue
		}
		sb.WriteString(t.String())
	}
}

// NewAtom returns an Atom term.
func NewAtom(value string) Term { return Atom{Value: value} }

// NewVar returns a Var term.
func NewVar(name string) Term { return Var{Name: name} }

// NewCompound returns a Compound term. The argument slice is copied.
func NewCompound(functor string, args ...Term) Term {
	return Compound{Functor: functor, Args: append([]Term(nil), args...)}
}

// NewList returns a List term. The item slice is copied.
func NewList(items ...Term) Term {
	return List{Items: append([]Term(nil), items...)}
}

// Equal reports whether two terms are structurally identical.
func Equal(a, b Term) bool {
	switch x := a.(type) {
	case Atom:
		y, ok := b.(Atom)
		return ok && x.Value == y.Value
	case Var:
		y, ok := b.(Var)
		return ok && x.Name == y.Name
	case Compound:
		y, ok := b.(Compound)
		return ok && x.Functor == y.Functor && equalTerms(x.Args, y.Args)
	case List:
		y, ok := b.(List)
		return ok && equalTerms(x.Items, y.Items)
	case nil:
		return b == nil
	}
	return false
}

func equalTerms(a, b []Term) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
