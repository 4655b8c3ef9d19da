package reasoning

import (
	"strings"
	"unicode"
)

// SolvesFunctor is the relation linking a problem atom to a solution atom.
const SolvesFunctor = "solves"

// Observation is a learned problem/solution pair with its track record.
type Observation struct {
	Problem  string
	Solution string
	Success  uint64
	Failure  uint64
}

// NormalizeProblem maps free text to an atom name: lower case, runs of
// non-alphanumerics collapsed to a single underscore.
// "NVIDIA driver fails!" becomes "nvidia_driver_fails".
func NormalizeProblem(text string) string {
	var sb strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && sb.Len() > 0 {
				sb.WriteByte('_')
			}
			pendingSep = false
			sb.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return sb.String()
}

// SolvesGoal builds solves(<problem>, Solution) for a problem description.
func SolvesGoal(problem string) Term {
	return NewCompound(SolvesFunctor, NewAtom(NormalizeProblem(problem)), NewVar("Solution"))
}

// SolutionFacts converts observations into solves/2 facts. Confidence is
// success/(success+failure+1), so an untested solution starts at zero.
func SolutionFacts(obs []Observation) []Clause {
	out := make([]Clause, 0, len(obs))
	for _, o := range obs {
		problem := NormalizeProblem(o.Problem)
		if problem == "" || o.Solution == "" {
			continue
		}
		conf := float64(o.Success) / float64(o.Success+o.Failure+1)
		out = append(out, Clause{
			Head:       NewCompound(SolvesFunctor, NewAtom(problem), NewAtom(o.Solution)),
			Confidence: conf,
		})
	}
	return out
}
