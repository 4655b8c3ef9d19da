package reasoning

// Substitution maps variable names to terms. Values are never mutated after
// they are handed out; Extend returns a fresh copy.
type Substitution map[string]Term

// Extend returns a copy of s with name bound to t.
func (s Substitution) Extend(name string, t Term) Substitution {
	out := make(Substitution, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	out[name] = t
	return out
}

// Clone returns a shallow copy of s (terms are immutable).
func (s Substitution) Clone() Substitution {
	out := make(Substitution, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Walk follows variable bindings until it reaches an unbound variable or a
// non-variable term. Only the top level is resolved; see Resolve.
func Walk(t Term, s Substitution) Term {
	for {
		v, ok := t.(Var)
		if !ok {
			return t
		}
		bound, ok := s[v.Name]
		if !ok {
			return t
		}
		t = bound
	}
}

// Resolve substitutes bindings throughout t, including nested arguments.
// A variable bound (directly or transitively) to a term containing itself
// is left unexpanded at the point of recursion.
func Resolve(t Term, s Substitution) Term {
	return resolve(t, s, make(map[string]bool))
}

func resolve(t Term, s Substitution, active map[string]bool) Term {
	if v, ok := t.(Var); ok {
		if active[v.Name] {
			return v
		}
		bound, ok := s[v.Name]
		if !ok {
			return v
		}
		active[v.Name] = true
		out := resolve(bound, s, active)
		delete(active, v.Name)
		return out
	}
	switch x := t.(type) {
	case Compound:
		args := make([]Term, len(x.Args))
		for i, a := range x.Args {
			args[i] = resolve(a, s, active)
		}
		return Compound{Functor: x.Functor, Args: args}
	case List:
		items := make([]Term, len(x.Items))
		for i, it := range x.Items {
			items[i] = resolve(it, s, active)
		}
		return List{Items: items}
	}
	return t
}

// Unify attempts to make t1 and t2 identical under s. It returns the
// resulting substitution and true on success; s is never modified.
// There is no occurs-check: binding X to f(X) succeeds.
func Unify(t1, t2 Term, s Substitution) (Substitution, bool) {
	if s == nil {
		s = Substitution{}
	}
	t1 = Walk(t1, s)
	t2 = Walk(t2, s)

	if v1, ok := t1.(Var); ok {
		if v2, ok := t2.(Var); ok && v1.Name == v2.Name {
			return s.Clone(), true
		}
		return s.Extend(v1.Name, t2), true
	}
	if v2, ok := t2.(Var); ok {
		return s.Extend(v2.Name, t1), true
	}

	switch x := t1.(type) {
	case Atom:
		if y, ok := t2.(Atom); ok && x.Value == y.Value {
			return s.Clone(), true
		}
	case Compound:
		y, ok := t2.(Compound)
		if !ok || x.Functor != y.Functor || len(x.Args) != len(y.Args) {
			return nil, false
		}
		return unifyAll(x.Args, y.Args, s)
	case List:
		y, ok := t2.(List)
		if !ok || len(x.Items) != len(y.Items) {
			return nil, false
		}
		return unifyAll(x.Items, y.Items, s)
	}
	return nil, false
}

func unifyAll(a, b []Term, s Substitution) (Substitution, bool) {
	current := s.Clone()
	for i := range a {
		next, ok := Unify(a[i], b[i], current)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}
