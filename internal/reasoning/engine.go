package reasoning

import (
	"sort"
	"sync"

	"psa/internal/logging"
)

// DefaultMaxDepth bounds recursive proofs.
const DefaultMaxDepth = 32

// Clause is a fact (empty Body) or a rule with a confidence in [0,1].
type Clause struct {
	Head       Term
	Body       []Term
	Confidence float64
}

// IsFact reports whether the clause has no body.
func (c Clause) IsFact() bool { return len(c.Body) == 0 }

// Result is one answer to a query.
type Result struct {
	Bindings   Substitution
	Confidence float64
}

// Engine is an append-only clause store. It is safe for concurrent use;
// queries never observe a partially appended clause.
type Engine struct {
	mu       sync.RWMutex
	clauses  []Clause
	maxDepth int
}

// NewEngine creates an empty clause store. maxDepth <= 0 selects
// DefaultMaxDepth.
func NewEngine(maxDepth int) *Engine {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Engine{maxDepth: maxDepth}
}

// AddFact appends a fact.
func (e *Engine) AddFact(head Term, confidence float64) {
	e.AddClause(Clause{Head: head, Confidence: confidence})
}

// AddRule appends a rule.
func (e *Engine) AddRule(head Term, body []Term, confidence float64) {
	e.AddClause(Clause{Head: head, Body: append([]Term(nil), body...), Confidence: confidence})
}

// AddClause appends a clause. Confidence is clamped to [0,1].
func (e *Engine) AddClause(c Clause) {
	if c.Confidence < 0 {
		c.Confidence = 0
	} else if c.Confidence > 1 {
		c.Confidence = 1
	}
	e.mu.Lock()
	e.clauses = append(e.clauses, c)
	n := len(e.clauses)
	e.mu.Unlock()
	logging.ReasoningDebug("clause %d added: %s (body=%d conf=%.2f)", n, c.Head, len(c.Body), c.Confidence)
}

// Len returns the number of stored clauses.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.clauses)
}

// Clauses returns a copy of the store in insertion order.
func (e *Engine) Clauses() []Clause {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Clause(nil), e.clauses...)
}

// Query returns every answer for goal, highest confidence first; ties keep
// store order. Rule bodies are proven greedily: each sub-goal takes only its
// best answer and there is no backtracking into alternatives.
func (e *Engine) Query(goal Term) []Result {
	e.mu.RLock()
	clauses := e.clauses[:len(e.clauses):len(e.clauses)]
	e.mu.RUnlock()

	timer := logging.StartTimer(logging.CategoryReasoning, "Query")
	results := e.query(clauses, goal, 0)
	timer.Stop()
	return results
}

func (e *Engine) query(clauses []Clause, goal Term, depth int) []Result {
	if depth > e.maxDepth {
		logging.ReasoningDebug("depth bound %d reached at %s", e.maxDepth, goal)
		return nil
	}

	var results []Result
	for _, clause := range clauses {
		subst, ok := Unify(goal, clause.Head, Substitution{})
		if !ok {
			continue
		}
		if clause.IsFact() {
			results = append(results, Result{Bindings: subst, Confidence: clause.Confidence})
			continue
		}
		final, bodyConf, ok := e.proveBody(clauses, clause.Body, subst, depth)
		if !ok {
			continue
		}
		results = append(results, Result{Bindings: final, Confidence: clause.Confidence * bodyConf})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Confidence > results[j].Confidence
	})
	return results
}

func (e *Engine) proveBody(clauses []Clause, body []Term, subst Substitution, depth int) (Substitution, float64, bool) {
	current := subst.Clone()
	total := 1.0

	for _, goal := range body {
		resolved := Resolve(goal, current)
		solutions := e.query(clauses, resolved, depth+1)
		if len(solutions) == 0 {
			return nil, 0, false
		}
		for k, v := range solutions[0].Bindings {
			current[k] = v
		}
		total *= solutions[0].Confidence
	}
	return current, total, true
}
