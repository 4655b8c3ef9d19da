package mangle

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/mangle/ast"
	"github.com/google/mangle/parse"
	"gopkg.in/yaml.v3"

	"psa/internal/logging"
	"psa/internal/reasoning"
)

// KnowledgeEntry is one clause in a knowledge file. Clause is written in
// Datalog syntax, e.g. `solves(/nvidia_driver, "akmods --force").`
type KnowledgeEntry struct {
	Clause     string   `yaml:"clause"`
	Confidence *float64 `yaml:"confidence,omitempty"` // nil = 1.0
	Comment    string   `yaml:"comment,omitempty"`
}

// KnowledgeFile is the on-disk layout of a knowledge file.
type KnowledgeFile struct {
	Knowledge []KnowledgeEntry `yaml:"knowledge"`
}

// LoadKnowledge reads a YAML knowledge file and appends every clause to the
// engine. Entries that fail to parse are logged and skipped; the count of
// loaded clauses is returned.
func LoadKnowledge(path string, engine *reasoning.Engine) (int, error) {
	timer := logging.StartTimer(logging.CategoryReasoning, "LoadKnowledge")
	defer timer.Stop()

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read knowledge file %s: %w", path, err)
	}

	var file KnowledgeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("failed to parse knowledge file %s: %w", path, err)
	}

	loaded := 0
	for i, entry := range file.Knowledge {
		conf := 1.0
		if entry.Confidence != nil {
			conf = *entry.Confidence
		}
		clauses, err := ParseClauses(entry.Clause, conf)
		if err != nil {
			logging.Get(logging.CategoryReasoning).Warn("knowledge entry %d skipped: %v", i, err)
			continue
		}
		for _, c := range clauses {
			engine.AddClause(c)
			loaded++
		}
	}

	logging.Reasoning("loaded %d clauses from %s", loaded, path)
	return loaded, nil
}

// ParseClause parses exactly one Datalog clause.
func ParseClause(text string, confidence float64) (reasoning.Clause, error) {
	clauses, err := ParseClauses(text, confidence)
	if err != nil {
		return reasoning.Clause{}, err
	}
	if len(clauses) != 1 {
		return reasoning.Clause{}, fmt.Errorf("expected one clause, got %d", len(clauses))
	}
	return clauses[0], nil
}

// ParseClauses parses Datalog source into reasoning clauses, all carrying
// the same confidence. Name constants lose their leading slash; strings and
// numbers become atoms of their literal value; lists become List terms.
func ParseClauses(text string, confidence float64) ([]reasoning.Clause, error) {
	src := strings.TrimSpace(text)
	if src == "" {
		return nil, fmt.Errorf("empty clause")
	}
	if !strings.HasSuffix(src, ".") {
		src += "."
	}

	unit, err := parse.Unit(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("failed to parse clause %q: %w", text, err)
	}

	out := make([]reasoning.Clause, 0, len(unit.Clauses))
	for _, clause := range unit.Clauses {
		c := &converter{}
		head := c.atom(clause.Head)
		body := make([]reasoning.Term, 0, len(clause.Premises))
		for _, premise := range clause.Premises {
			atom, ok := premise.(ast.Atom)
			if !ok {
				return nil, fmt.Errorf("unsupported premise %s: only positive atoms are allowed", premise)
			}
			body = append(body, c.atom(atom))
		}
		if c.err != nil {
			return nil, c.err
		}
		out = append(out, reasoning.Clause{Head: head, Body: body, Confidence: confidence})
	}
	return out, nil
}

// converter maps one clause's AST to reasoning terms. Each `_` wildcard gets
// a fresh variable so anonymous positions never share bindings.
type converter struct {
	wildcards int
	err       error
}

func (c *converter) atom(a ast.Atom) reasoning.Term {
	args := make([]reasoning.Term, len(a.Args))
	for i, arg := range a.Args {
		args[i] = c.term(arg)
	}
	return reasoning.Compound{Functor: a.Predicate.Symbol, Args: args}
}

func (c *converter) term(t ast.BaseTerm) reasoning.Term {
	switch v := t.(type) {
	case ast.Variable:
		if v.Symbol == "_" {
			c.wildcards++
			return reasoning.Var{Name: "_" + strconv.Itoa(c.wildcards)}
		}
		return reasoning.Var{Name: v.Symbol}
	case ast.Constant:
		switch v.Type {
		case ast.NameType:
			return reasoning.Atom{Value: strings.TrimPrefix(v.Symbol, "/")}
		case ast.StringType:
			return reasoning.Atom{Value: v.Symbol}
		case ast.NumberType:
			return reasoning.Atom{Value: strconv.FormatInt(v.NumValue, 10)}
		default:
			return reasoning.Atom{Value: v.String()}
		}
	case ast.ApplyFn:
		items := make([]reasoning.Term, len(v.Args))
		for i, arg := range v.Args {
			items[i] = c.term(arg)
		}
		if v.Function.Symbol == "fn:list" {
			return reasoning.List{Items: items}
		}
		return reasoning.Compound{Functor: v.Function.Symbol, Args: items}
	}
	if c.err == nil {
		c.err = fmt.Errorf("unsupported term %v", t)
	}
	return reasoning.Atom{Value: fmt.Sprint(t)}
}
