package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"psa/internal/logging"
	"psa/internal/reasoning"
	"psa/internal/rules"
)

const solutionColumns = `id, category, problem, solution, commands, tags, success_count, failure_count, source, created_at, updated_at`

// StoreSolution inserts or replaces a solution and links its problem to it
// in the relation graph. A missing id is generated.
func (s *LocalStore) StoreSolution(ctx context.Context, sol rules.Solution) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sol.ID == "" {
		sol.ID = "sol-" + uuid.NewString()
	}
	if sol.Source == "" {
		sol.Source = rules.SolutionLocal
	}
	now := time.Now().UTC()
	if sol.CreatedAt.IsZero() {
		sol.CreatedAt = now
	}
	sol.UpdatedAt = now

	commands, err := json.Marshal(nonNil(sol.Commands))
	if err != nil {
		return "", err
	}
	tags, err := json.Marshal(nonNil(sol.Tags))
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO solutions (id, category, problem, problem_key, solution, commands, tags, success_count, failure_count, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category = excluded.category,
			problem = excluded.problem,
			problem_key = excluded.problem_key,
			solution = excluded.solution,
			commands = excluded.commands,
			tags = excluded.tags,
			success_count = excluded.success_count,
			failure_count = excluded.failure_count,
			source = excluded.source,
			updated_at = excluded.updated_at`,
		sol.ID, sol.Category, sol.Problem, reasoning.NormalizeProblem(sol.Problem), sol.Solution,
		string(commands), string(tags), sol.SuccessCount, sol.FailureCount, string(sol.Source),
		formatTime(sol.CreatedAt), formatTime(sol.UpdatedAt))
	if err != nil {
		return "", fmt.Errorf("store solution: %w", err)
	}

	if err := addRelation(ctx, tx, rules.ProblemRelation{
		FromProblem: sol.Problem,
		ToSolution:  sol.ID,
		Confidence:  sol.Confidence(),
	}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	logging.StoreDebug("stored solution %s (%s)", sol.ID, sol.Category)
	return sol.ID, nil
}

// AddRelation links a problem to a solution. Relinking updates confidence
// and context.
func (s *LocalStore) AddRelation(ctx context.Context, rel rules.ProblemRelation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return addRelation(ctx, s.db, rel)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func addRelation(ctx context.Context, db execer, rel rules.ProblemRelation) error {
	contextJSON, err := json.Marshal(nonNil(rel.Context))
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO problem_relations (from_problem, to_solution, confidence, context)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(from_problem, to_solution) DO UPDATE SET
			confidence = excluded.confidence,
			context = excluded.context`,
		reasoning.NormalizeProblem(rel.FromProblem), rel.ToSolution, rel.Confidence, string(contextJSON))
	if err != nil {
		return fmt.Errorf("store relation: %w", err)
	}
	return nil
}

// GetSolution returns one solution.
func (s *LocalStore) GetSolution(ctx context.Context, id string) (rules.Solution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+solutionColumns+" FROM solutions WHERE id = ?", id)
	sol, err := scanSolution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rules.Solution{}, fmt.Errorf("solution %s: %w", id, rules.ErrNotFound)
	}
	return sol, err
}

// FindByCategory returns the solutions of a category, most successful first.
func (s *LocalStore) FindByCategory(ctx context.Context, category string) ([]rules.Solution, error) {
	return s.querySolutions(ctx,
		"SELECT "+solutionColumns+" FROM solutions WHERE category = ? ORDER BY success_count DESC, id",
		category)
}

// Search matches the query against problem, solution and tags text.
func (s *LocalStore) Search(ctx context.Context, query string) ([]rules.Solution, error) {
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(query))) + "%"
	return s.querySolutions(ctx, `
		SELECT `+solutionColumns+` FROM solutions
		WHERE lower(problem) LIKE ? ESCAPE '\'
		   OR lower(solution) LIKE ? ESCAPE '\'
		   OR lower(tags) LIKE ? ESCAPE '\'
		ORDER BY success_count DESC, id`,
		pattern, pattern, pattern)
}

// FindRelated walks the relation graph from a problem up to depth hops and
// returns the reached solutions, nearest first. Each hop follows the
// problem text of a reached solution.
func (s *LocalStore) FindRelated(ctx context.Context, problem string, depth int) ([]rules.Solution, error) {
	if depth < 1 {
		depth = 1
	}
	return s.querySolutions(ctx, `
		WITH RECURSIVE reach(solution_id, depth) AS (
			SELECT to_solution, 1 FROM problem_relations WHERE from_problem = ?
			UNION
			SELECT r.to_solution, reach.depth + 1
			FROM reach
			JOIN solutions s ON s.id = reach.solution_id
			JOIN problem_relations r ON r.from_problem = s.problem_key
			WHERE reach.depth < ?
		)
		SELECT `+prefixed("s", solutionColumns)+`
		FROM solutions s
		JOIN (SELECT solution_id, MIN(depth) AS depth FROM reach GROUP BY solution_id) hops
			ON hops.solution_id = s.id
		ORDER BY hops.depth, s.success_count DESC, s.id`,
		reasoning.NormalizeProblem(problem), depth)
}

// RecordOutcome counts one success or failure for a solution.
func (s *LocalStore) RecordOutcome(ctx context.Context, solutionID string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	column := "failure_count"
	if success {
		column = "success_count"
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE solutions SET "+column+" = "+column+" + 1, updated_at = ? WHERE id = ?",
		formatTime(time.Now().UTC()), solutionID)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("solution %s: %w", solutionID, rules.ErrNotFound)
	}
	logging.StoreDebug("solution %s outcome success=%v", solutionID, success)
	return nil
}

// AllSolutions returns every solution, used to seed the reasoning engine.
func (s *LocalStore) AllSolutions(ctx context.Context) ([]rules.Solution, error) {
	return s.querySolutions(ctx, "SELECT "+solutionColumns+" FROM solutions ORDER BY created_at, id")
}

func (s *LocalStore) querySolutions(ctx context.Context, query string, args ...any) ([]rules.Solution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query solutions: %w", err)
	}
	defer rows.Close()

	var out []rules.Solution
	for rows.Next() {
		sol, err := scanSolution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sol)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSolution(row scanner) (rules.Solution, error) {
	var (
		sol                  rules.Solution
		commands, tags       string
		source               string
		createdAt, updatedAt string
	)
	err := row.Scan(&sol.ID, &sol.Category, &sol.Problem, &sol.Solution, &commands, &tags,
		&sol.SuccessCount, &sol.FailureCount, &source, &createdAt, &updatedAt)
	if err != nil {
		return rules.Solution{}, err
	}
	if err := json.Unmarshal([]byte(commands), &sol.Commands); err != nil {
		return rules.Solution{}, fmt.Errorf("solution %s commands: %w", sol.ID, err)
	}
	if err := json.Unmarshal([]byte(tags), &sol.Tags); err != nil {
		return rules.Solution{}, fmt.Errorf("solution %s tags: %w", sol.ID, err)
	}
	sol.Source = rules.SolutionSource(source)
	sol.CreatedAt = parseTime(createdAt)
	sol.UpdatedAt = parseTime(updatedAt)
	return sol, nil
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
