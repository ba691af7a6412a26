// Package scope decides which paths a task may touch. Every task carries
// an optional allowlist of repository-relative globs; a fixed denylist
// protects orchestrator bookkeeping no allowlist can override.
package scope

import (
	"fmt"
	"path"
	"strings"

	"github.com/hugo-lorenzo-mato/agentbatch/internal/core"
)

// forbiddenRoots are directory prefixes reserved for run bookkeeping.
// Writes under them are rejected regardless of the allowlist.
var forbiddenRoots = []string{"evidence/", "logs/", "reports/", "artifacts/"}

// forbiddenBasename is rejected at any depth.
const forbiddenBasename = "verdict.json"

// Forbidden reports whether a repository-relative path hits the fixed
// denylist.
func Forbidden(p string) bool {
	p = normalize(p)
	for _, root := range forbiddenRoots {
		if strings.HasPrefix(p, root) {
			return true
		}
	}
	return path.Base(p) == forbiddenBasename
}

// Matcher matches repository-relative paths against allowlist globs.
//
// Pattern forms:
//   - "dir/"      matches everything under dir
//   - "dir/**"    same as "dir/"
//   - "dir/*.go"  path.Match against the full relative path
//   - "file.txt"  exact path
type Matcher struct {
	globs []string
}

// NewMatcher creates a matcher from allowlist globs.
func NewMatcher(globs []string) *Matcher {
	cleaned := make([]string, 0, len(globs))
	for _, g := range globs {
		g = normalize(g)
		if g != "" {
			cleaned = append(cleaned, g)
		}
	}
	return &Matcher{globs: cleaned}
}

// Empty reports whether no allowlist was given.
func (m *Matcher) Empty() bool {
	return len(m.globs) == 0
}

// Match reports whether the path matches any allowlist pattern.
func (m *Matcher) Match(p string) bool {
	p = normalize(p)
	for _, g := range m.globs {
		if matchOne(g, p) {
			return true
		}
	}
	return false
}

func matchOne(pattern, p string) bool {
	if pattern == p {
		return true
	}
	if strings.HasSuffix(pattern, "/") {
		return strings.HasPrefix(p, pattern)
	}
	if strings.HasSuffix(pattern, "/**") {
		return strings.HasPrefix(p, strings.TrimSuffix(pattern, "**"))
	}
	if ok, err := path.Match(pattern, p); err == nil && ok {
		return true
	}
	return false
}

func normalize(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimPrefix(p, "./")
}

// Enforcer evaluates collected change sets against a task's allowlist
// and the fixed denylist.
type Enforcer struct{}

// NewEnforcer creates an enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{}
}

// Evaluate produces the scope verdict for a change set. An empty
// allowlist permits every path except the denylist; the sandbox is
// what constrains such tasks, not scope.
func (e *Enforcer) Evaluate(cs *core.ChangeSet, task core.ParentTask) *core.ScopeDecision {
	decision := &core.ScopeDecision{}

	if task.RequireChanges && cs.Empty() {
		decision.Reason = core.FailNoChanges
		decision.Detail = fmt.Sprintf("task %s produced no changes but requires them", task.ID)
		return decision
	}

	matcher := NewMatcher(task.AllowedGlobs)
	for _, p := range cs.Files() {
		switch {
		case Forbidden(p):
			decision.ForbiddenHits = append(decision.ForbiddenHits, p)
		case !matcher.Empty() && !matcher.Match(p):
			decision.Violations = append(decision.Violations, p)
		default:
			decision.Allowed = append(decision.Allowed, p)
		}
	}

	if len(decision.ForbiddenHits) > 0 || len(decision.Violations) > 0 {
		decision.Reason = core.FailScopeViolation
		decision.Detail = fmt.Sprintf("%d paths outside allowlist, %d denylist hits",
			len(decision.Violations), len(decision.ForbiddenHits))
		return decision
	}

	decision.ApplyOK = !cs.Empty()
	if cs.Empty() {
		decision.Detail = "no changes to apply"
	}
	return decision
}
