package scope

import (
	"testing"

	"github.com/hugo-lorenzo-mato/agentbatch/internal/core"
)

func TestForbidden(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"evidence/run-1/output.txt", true},
		{"logs/app.log", true},
		{"reports/summary.md", true},
		{"artifacts/build.tar", true},
		{"verdict.json", true},
		{"deep/nested/verdict.json", true},
		{"src/main.go", false},
		{"evidence.md", false},
		{"logsy/file.txt", false},
		{"src/verdict.json.bak", false},
	}
	for _, tt := range tests {
		if got := Forbidden(tt.path); got != tt.want {
			t.Errorf("Forbidden(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestMatcher(t *testing.T) {
	tests := []struct {
		name  string
		globs []string
		path  string
		want  bool
	}{
		{"exact", []string{"src/main.go"}, "src/main.go", true},
		{"exact miss", []string{"src/main.go"}, "src/other.go", false},
		{"dir prefix", []string{"src/"}, "src/deep/nested.go", true},
		{"dir prefix miss sibling", []string{"src/"}, "srcx/file.go", false},
		{"double star", []string{"src/**"}, "src/a/b/c.go", true},
		{"glob same dir", []string{"src/*.go"}, "src/main.go", true},
		{"glob does not cross dirs", []string{"src/*.go"}, "src/sub/main.go", false},
		{"windows separators normalized", []string{"src/"}, `src\win.go`, true},
		{"leading dot-slash", []string{"./docs/"}, "docs/readme.md", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMatcher(tt.globs)
			if got := m.Match(tt.path); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestEnforcer_AllAllowed(t *testing.T) {
	e := NewEnforcer()
	cs := &core.ChangeSet{ChangedFiles: []string{"src/a.go"}, UntrackedFiles: []string{"src/b.go"}}
	task := core.ParentTask{ID: "t1", Description: "d", AllowedGlobs: []string{"src/"}}

	d := e.Evaluate(cs, task)
	if !d.ApplyOK {
		t.Fatalf("expected ApplyOK, got %+v", d)
	}
	if len(d.Allowed) != 2 {
		t.Errorf("Allowed = %v", d.Allowed)
	}
}

func TestEnforcer_Violation(t *testing.T) {
	e := NewEnforcer()
	cs := &core.ChangeSet{ChangedFiles: []string{"src/a.go", "internal/secret.go"}}
	task := core.ParentTask{ID: "t1", Description: "d", AllowedGlobs: []string{"src/"}}

	d := e.Evaluate(cs, task)
	if d.ApplyOK {
		t.Fatal("expected rejection")
	}
	if d.Reason != core.FailScopeViolation {
		t.Errorf("Reason = %s", d.Reason)
	}
	if len(d.Violations) != 1 || d.Violations[0] != "internal/secret.go" {
		t.Errorf("Violations = %v", d.Violations)
	}
}

func TestEnforcer_DenylistBeatsAllowlist(t *testing.T) {
	e := NewEnforcer()
	// The allowlist explicitly covers artifacts/, but the denylist is
	// not overridable.
	cs := &core.ChangeSet{UntrackedFiles: []string{"artifacts/out.bin"}}
	task := core.ParentTask{ID: "t1", Description: "d", AllowedGlobs: []string{"artifacts/"}}

	d := e.Evaluate(cs, task)
	if d.ApplyOK {
		t.Fatal("denylist hit must reject")
	}
	if len(d.ForbiddenHits) != 1 {
		t.Errorf("ForbiddenHits = %v", d.ForbiddenHits)
	}
	if d.Reason != core.FailScopeViolation {
		t.Errorf("Reason = %s", d.Reason)
	}
}

func TestEnforcer_VerdictAnywhere(t *testing.T) {
	e := NewEnforcer()
	cs := &core.ChangeSet{UntrackedFiles: []string{"pkg/sub/verdict.json"}}
	task := core.ParentTask{ID: "t1", Description: "d", AllowedGlobs: []string{"pkg/"}}

	if d := e.Evaluate(cs, task); d.ApplyOK {
		t.Error("verdict.json at any depth must be rejected")
	}
}

func TestEnforcer_EmptyAllowlistAllowsAll(t *testing.T) {
	e := NewEnforcer()
	cs := &core.ChangeSet{ChangedFiles: []string{"anything/goes.txt"}}
	task := core.ParentTask{ID: "t1", Description: "d"}

	if d := e.Evaluate(cs, task); !d.ApplyOK {
		t.Errorf("empty allowlist should permit non-denylisted paths: %+v", d)
	}
}

func TestEnforcer_RequireChanges(t *testing.T) {
	e := NewEnforcer()
	task := core.ParentTask{ID: "t1", Description: "d", RequireChanges: true}

	d := e.Evaluate(&core.ChangeSet{}, task)
	if d.ApplyOK {
		t.Fatal("empty change set with require_changes must fail")
	}
	if d.Reason != core.FailNoChanges {
		t.Errorf("Reason = %s, want %s", d.Reason, core.FailNoChanges)
	}
}

func TestEnforcer_EmptyChangeSetWithoutRequirement(t *testing.T) {
	e := NewEnforcer()
	task := core.ParentTask{ID: "t1", Description: "d"}

	d := e.Evaluate(&core.ChangeSet{}, task)
	if d.ApplyOK {
		t.Error("nothing to apply")
	}
	if d.Reason != "" {
		t.Errorf("empty change set without require_changes is not a failure: %s", d.Reason)
	}
}
