package lifecycle

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"

	"psa/internal/logging"
	"psa/internal/rules"
)

// CVE is a tracked vulnerability and the rules written for it.
type CVE struct {
	ID               string   `json:"id"`
	AffectedPackages []string `json:"affected_packages"`
	FixedIn          string   `json:"fixed_in,omitempty"`
	PatchedLocally   bool     `json:"patched_locally"`
	RuleIDs          []string `json:"rule_ids,omitempty"`
}

// Fixed reports whether an upstream or local fix is recorded.
func (c CVE) Fixed() bool { return c.FixedIn != "" || c.PatchedLocally }

func (c *CVE) clone() CVE {
	out := *c
	out.AffectedPackages = append([]string(nil), c.AffectedPackages...)
	out.RuleIDs = append([]string(nil), c.RuleIDs...)
	return out
}

// ObsolescenceKind discriminates Obsolescence.
type ObsolescenceKind string

const (
	ObsoleteCVEFixed         ObsolescenceKind = "cve_fixed"
	ObsoleteConditionInvalid ObsolescenceKind = "condition_invalid"
)

// Obsolescence is an advisory hint that a rule may no longer be needed.
type Obsolescence struct {
	Kind         ObsolescenceKind `json:"kind"`
	CVEID        string           `json:"cve_id,omitempty"`
	FixedVersion string           `json:"fixed_version,omitempty"`
	Condition    string           `json:"condition,omitempty"`
}

func (o Obsolescence) String() string {
	switch o.Kind {
	case ObsoleteCVEFixed:
		if o.FixedVersion == "" {
			return fmt.Sprintf("%s patched locally", o.CVEID)
		}
		return fmt.Sprintf("%s fixed in %s", o.CVEID, o.FixedVersion)
	case ObsoleteConditionInvalid:
		return o.Condition
	}
	return string(o.Kind)
}

// RegisterCVE starts tracking a CVE. Re-registering replaces the affected
// package list and keeps fix state and rule links.
func (m *Manager) RegisterCVE(id string, packages []string) {
	m.mu.Lock()
	c, ok := m.cves[id]
	if !ok {
		c = &CVE{ID: id}
		m.cves[id] = c
	}
	c.AffectedPackages = append([]string(nil), packages...)
	snap := c.clone()
	m.mu.Unlock()

	logging.Lifecycle("registered CVE %s (%d packages)", id, len(packages))
	m.saveCVE(snap)
}

// LinkCVE associates a rule with a CVE.
func (m *Manager) LinkCVE(id, ruleID string) error {
	m.mu.Lock()
	c, ok := m.cves[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("CVE %s: %w", id, ErrNotFound)
	}
	if c.links(ruleID) {
		m.mu.Unlock()
		return nil
	}
	c.RuleIDs = append(c.RuleIDs, ruleID)
	snap := c.clone()
	m.mu.Unlock()

	m.saveCVE(snap)
	return nil
}

// MarkCVEFixed records a fix and marks every linked rule PossiblyObsolete in
// the health cache.
func (m *Manager) MarkCVEFixed(id, fixedIn string, local bool) error {
	m.mu.Lock()
	c, ok := m.cves[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("CVE %s: %w", id, ErrNotFound)
	}
	c.FixedIn = fixedIn
	c.PatchedLocally = local
	for _, ruleID := range c.RuleIDs {
		m.health[ruleID] = Health{
			State:  StatePossiblyObsolete,
			Reason: fmt.Sprintf("CVE %s has been fixed", id),
		}
	}
	snap := c.clone()
	m.mu.Unlock()

	where := "upstream"
	if local {
		where = "local patch"
	}
	logging.Lifecycle("CVE %s marked fixed (%s)", id, where)
	m.saveCVE(snap)
	return nil
}

// CVEs returns the registry sorted by id.
func (m *Manager) CVEs() []CVE {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CVE, 0, len(m.cves))
	for _, c := range m.cves {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var cvePattern = regexp.MustCompile(`(?i)\bCVE-\d{4}-\d+\b`)

// CheckCVEObsolescence flags a rule linked to, or whose original problem
// names, a CVE the registry records as fixed.
func (m *Manager) CheckCVEObsolescence(r *rules.Rule) *Obsolescence {
	mentioned := make(map[string]bool)
	for _, id := range cvePattern.FindAllString(r.Provenance.OriginalProblem, -1) {
		mentioned[strings.ToUpper(id)] = true
	}
	for _, c := range m.CVEs() {
		if !c.Fixed() {
			continue
		}
		if mentioned[strings.ToUpper(c.ID)] || c.links(r.ID) {
			return &Obsolescence{Kind: ObsoleteCVEFixed, CVEID: c.ID, FixedVersion: c.FixedIn}
		}
	}
	return nil
}

func (c *CVE) links(ruleID string) bool {
	for _, id := range c.RuleIDs {
		if id == ruleID {
			return true
		}
	}
	return false
}

// fixedCVELocked returns the lowest fixed CVE id linked to ruleID, or "".
func (m *Manager) fixedCVELocked(ruleID string) string {
	found := ""
	for id, c := range m.cves {
		if c.Fixed() && c.links(ruleID) && (found == "" || id < found) {
			found = id
		}
	}
	return found
}

// CheckConditionValidity flags a rule with a top-level file_exists condition
// whose path is gone. Advisory only: the fix may have removed the file.
func (m *Manager) CheckConditionValidity(r *rules.Rule) *Obsolescence {
	for _, c := range r.When {
		if c.Type != rules.CondFileExists {
			continue
		}
		if _, err := os.Stat(c.Path); errors.Is(err, fs.ErrNotExist) {
			return &Obsolescence{
				Kind:      ObsoleteConditionInvalid,
				Condition: "File no longer exists: " + c.Path,
			}
		}
	}
	return nil
}

func (m *Manager) saveCVE(c CVE) {
	if m.persist == nil {
		return
	}
	ctx, cancel := persistCtx()
	defer cancel()
	if err := m.persist.SaveCVE(ctx, c); err != nil {
		logging.Get(logging.CategoryLifecycle).Warn("persist CVE %s: %v", c.ID, err)
	}
}
