package rules

import (
	"fmt"
	"strings"
	"time"
)

// GetProvenance returns a copy of a rule's provenance for external audit.
func (e *Engine) GetProvenance(id string) (Provenance, error) {
	r, ok := e.Get(id)
	if !ok {
		return Provenance{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.Provenance, nil
}

// ProvenanceReport renders a rule's audit trail as markdown.
func (e *Engine) ProvenanceReport(id string) (string, error) {
	r, ok := e.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return RenderProvenance(r), nil
}

// RenderProvenance renders the markdown report for a rule.
func RenderProvenance(r Rule) string {
	p := r.Provenance
	var sb strings.Builder

	fmt.Fprintf(&sb, "# %s\n\n", r.Name)
	fmt.Fprintf(&sb, "- **ID:** `%s`\n", r.ID)
	fmt.Fprintf(&sb, "- **Version:** %s\n", r.Version)
	fmt.Fprintf(&sb, "- **Enabled:** %t\n", r.Enabled)
	if r.Retirement != nil {
		fmt.Fprintf(&sb, "- **Retired:** %s (%s)\n", r.Retirement.Reason, stamp(r.Retirement.RetiredAt))
	}
	if len(r.Tags) > 0 {
		fmt.Fprintf(&sb, "- **Tags:** %s\n", strings.Join(r.Tags, ", "))
	}

	sb.WriteString("\n## Origin\n\n")
	fmt.Fprintf(&sb, "- **Source:** %s\n", p.Source)
	if p.Source.Kind == SourceCrystallized {
		fmt.Fprintf(&sb, "- **Confidence at crystallization:** %.2f\n", p.Source.Confidence)
	}
	fmt.Fprintf(&sb, "- **Created:** %s by %s\n", stamp(p.CreatedAt), p.CreatedBy)
	if p.SolutionID != nil {
		fmt.Fprintf(&sb, "- **Solution:** `%s`\n", *p.SolutionID)
	}
	if p.OriginalProblem != "" {
		fmt.Fprintf(&sb, "\n> %s\n", p.OriginalProblem)
	}

	sb.WriteString("\n## Decision path\n\n")
	if len(p.DecisionPath) == 0 {
		sb.WriteString("_none recorded_\n")
	}
	for i, d := range p.DecisionPath {
		fmt.Fprintf(&sb, "%d. **%s** (%s): confidence %.2f → %.2f. %s\n",
			i+1, d.Description, stamp(d.Timestamp), d.ConfidenceBefore, d.ConfidenceAfter, d.Reason)
	}

	sb.WriteString("\n## History\n\n")
	sb.WriteString("| Version | When | Author | Message | Changes |\n")
	sb.WriteString("|---|---|---|---|---|\n")
	for _, v := range p.History {
		fmt.Fprintf(&sb, "| %s | %s | %s | %s | %s |\n",
			v.Version, stamp(v.Timestamp), cell(v.Author), cell(v.Message), cell(v.DiffSummary))
	}

	s := r.Stats
	sb.WriteString("\n## Statistics\n\n")
	fmt.Fprintf(&sb, "- Applied %d times: %d succeeded, %d failed, %d escalated\n",
		s.AppliedCount, s.SuccessCount, s.FailureCount, s.EscalationCount)
	if s.LastApplied != nil {
		fmt.Fprintf(&sb, "- Last applied %s\n", stamp(*s.LastApplied))
	}
	if s.AverageDurationMs != nil {
		fmt.Fprintf(&sb, "- Average duration %.1f ms\n", *s.AverageDurationMs)
	}
	return sb.String()
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func cell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", `\|`), "\n", " ")
}
