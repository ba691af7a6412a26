package changes

import (
	"fmt"
	"strings"

	"github.com/hugo-lorenzo-mato/agentbatch/internal/core"
)

// Agents asked for textual output produce approximately-unified diffs:
// fenced or bare, with headers dropped, hunk counts wrong, or context
// lines missing their leading space. The functions here extract the
// diff from surrounding prose and repair it into something git apply
// accepts, without ever inventing content lines.

// ExtractPatch finds the first unified diff in agent output. It looks
// inside ```diff fences first, then for bare diff/hunk lines. Returns
// false when the output carries no diff at all.
func ExtractPatch(output string) (string, bool) {
	if fenced, ok := extractFenced(output); ok {
		return fenced, true
	}

	lines := strings.Split(output, "\n")
	start := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "diff --git ") ||
			strings.HasPrefix(line, "--- ") ||
			strings.HasPrefix(line, "@@") {
			start = i
			break
		}
	}
	if start == -1 {
		return "", false
	}

	// The diff runs until the last line that still looks like diff
	// content; trailing prose is dropped.
	end := start
	for i := start; i < len(lines); i++ {
		if isDiffLine(lines[i]) {
			end = i
		}
	}
	return strings.Join(lines[start:end+1], "\n"), true
}

func extractFenced(output string) (string, bool) {
	rest := output
	for {
		idx := strings.Index(rest, "```")
		if idx == -1 {
			return "", false
		}
		rest = rest[idx+3:]
		nl := strings.IndexByte(rest, '\n')
		if nl == -1 {
			return "", false
		}
		lang := strings.TrimSpace(rest[:nl])
		body := rest[nl+1:]
		closing := strings.Index(body, "```")
		if closing == -1 {
			return "", false
		}
		block := body[:closing]
		if lang == "diff" || lang == "patch" || looksLikeDiff(block) {
			return strings.TrimRight(block, "\n"), true
		}
		rest = body[closing+3:]
	}
}

func looksLikeDiff(block string) bool {
	return strings.Contains(block, "diff --git ") ||
		(strings.Contains(block, "--- ") && strings.Contains(block, "+++ ")) ||
		strings.Contains(block, "@@")
}

func isDiffLine(line string) bool {
	if line == "" {
		return true // blank context line inside a hunk
	}
	switch line[0] {
	case ' ', '+', '-', '@', '\\':
		return true
	}
	return strings.HasPrefix(line, "diff --git ") ||
		strings.HasPrefix(line, "index ") ||
		strings.HasPrefix(line, "new file mode") ||
		strings.HasPrefix(line, "deleted file mode")
}

type hunk struct {
	oldStart int
	newStart int
	body     []string
}

// section is one file's worth of diff during repair.
type section struct {
	meta    []string // index, file mode lines
	oldPath string
	newPath string
	hunks   []*hunk
}

// RepairPatch normalizes an extracted diff so git apply accepts it:
//   - a missing file header is synthesized from the task's single
//     concrete allowlisted path
//   - hunk counts are re-derived from the actual body lines
//   - body lines missing their marker are treated as context
//
// Repair fails when the diff has no file header and the allowlist does
// not pin down exactly one concrete path to attribute it to.
func RepairPatch(patch string, task core.ParentTask) (string, error) {
	sections := parseSections(patch)
	if len(sections) == 0 {
		return "", core.ErrValidation("EMPTY_PATCH", "diff contains no applicable content")
	}

	var out []string
	for _, s := range sections {
		if s.oldPath == "" && s.newPath == "" {
			concrete, ok := task.ConcreteAllowedPath()
			if !ok {
				return "", core.ErrValidation("UNATTRIBUTABLE_PATCH",
					fmt.Sprintf("task %s: diff has no file header and the allowlist does not name exactly one concrete path", task.ID))
			}
			s.oldPath, s.newPath = concrete, concrete
		}
		if s.oldPath == "" {
			s.oldPath = s.newPath
		}
		if s.newPath == "" {
			s.newPath = s.oldPath
		}

		gitPath := s.newPath
		if gitPath == "/dev/null" {
			gitPath = s.oldPath
		}
		out = append(out, "diff --git a/"+gitPath+" b/"+gitPath)
		out = append(out, s.meta...)
		out = append(out, headerLine("--- ", "a/", s.oldPath))
		out = append(out, headerLine("+++ ", "b/", s.newPath))

		for _, h := range s.hunks {
			oldCount, newCount := 0, 0
			for _, b := range h.body {
				switch b[0] {
				case ' ':
					oldCount++
					newCount++
				case '-':
					oldCount++
				case '+':
					newCount++
				}
			}
			out = append(out, fmt.Sprintf("@@ -%d,%d +%d,%d @@",
				h.oldStart, oldCount, h.newStart, newCount))
			out = append(out, h.body...)
		}
	}

	return strings.Join(out, "\n") + "\n", nil
}

// parseSections splits diff text into per-file sections, tolerating
// missing headers.
func parseSections(patch string) []*section {
	lines := strings.Split(strings.TrimRight(patch, "\n"), "\n")

	var sections []*section
	var cur *section
	var curHunk *hunk

	ensure := func() *section {
		if cur == nil {
			cur = &section{}
			sections = append(sections, cur)
		}
		return cur
	}
	newSection := func() *section {
		cur = &section{}
		curHunk = nil
		sections = append(sections, cur)
		return cur
	}

	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			s := newSection()
			s.oldPath, s.newPath = parseGitHeaderPaths(line)

		case strings.HasPrefix(line, "index ") ||
			strings.HasPrefix(line, "new file mode") ||
			strings.HasPrefix(line, "deleted file mode"):
			ensure().meta = append(ensure().meta, line)

		case strings.HasPrefix(line, "--- ") && curHunk == nil:
			// A new old-file header after hunks means a new file.
			if cur != nil && len(cur.hunks) > 0 {
				newSection()
			}
			ensure().oldPath = stripPathPrefix(strings.TrimPrefix(line, "--- "))

		case strings.HasPrefix(line, "+++ ") && curHunk == nil:
			ensure().newPath = stripPathPrefix(strings.TrimPrefix(line, "+++ "))

		case strings.HasPrefix(line, "@@"):
			s := ensure()
			oldStart, newStart := parseHunkStarts(line)
			curHunk = &hunk{oldStart: oldStart, newStart: newStart}
			s.hunks = append(s.hunks, curHunk)

		case strings.HasPrefix(line, "--- ") && curHunk != nil && len(curHunk.body) > 0:
			// Header of the next file directly after a hunk body.
			newSection()
			cur.oldPath = stripPathPrefix(strings.TrimPrefix(line, "--- "))

		case curHunk != nil:
			curHunk.body = append(curHunk.body, repairBodyLine(line))

		default:
			// Prose outside any hunk; skip.
		}
	}

	// Drop sections that carry no hunks (pure prose or stray headers).
	kept := sections[:0]
	for _, s := range sections {
		if len(s.hunks) > 0 {
			kept = append(kept, s)
		}
	}
	return kept
}

func parseGitHeaderPaths(line string) (string, string) {
	rest := strings.TrimPrefix(line, "diff --git ")
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return "", ""
	}
	return stripPathPrefix(fields[0]), stripPathPrefix(fields[1])
}

func headerLine(prefix, treePrefix, path string) string {
	if path == "/dev/null" {
		return prefix + "/dev/null"
	}
	return prefix + treePrefix + path
}

// repairBodyLine restores the leading marker on a hunk body line.
// Lines that carry none are context lines that lost their space.
func repairBodyLine(line string) string {
	if line == "" {
		return " "
	}
	switch line[0] {
	case ' ', '+', '-', '\\':
		return line
	}
	return " " + line
}

// parseHunkStarts reads the start line numbers from an @@ header,
// tolerating missing or wrong counts.
func parseHunkStarts(line string) (int, int) {
	oldStart, newStart := 1, 1
	for _, f := range strings.Fields(line) {
		if strings.HasPrefix(f, "-") {
			oldStart = parseStart(f[1:], oldStart)
		} else if strings.HasPrefix(f, "+") {
			newStart = parseStart(f[1:], newStart)
		}
	}
	return oldStart, newStart
}

func parseStart(s string, fallback int) int {
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return fallback
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return fallback
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func stripPathPrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "/dev/null" {
		return p
	}
	p = strings.TrimPrefix(p, "a/")
	p = strings.TrimPrefix(p, "b/")
	// Strip a trailing timestamp some tools append after the path.
	if i := strings.IndexByte(p, '\t'); i >= 0 {
		p = p[:i]
	}
	return p
}

// PatchFiles lists the repository-relative paths a repaired patch
// touches, split into modified-or-added and deleted.
func PatchFiles(patch string) (changed, deleted []string) {
	lines := strings.Split(patch, "\n")
	var lastOld string
	for _, line := range lines {
		if strings.HasPrefix(line, "--- ") {
			lastOld = stripPathPrefix(strings.TrimPrefix(line, "--- "))
			continue
		}
		if !strings.HasPrefix(line, "+++ ") {
			continue
		}
		newPath := stripPathPrefix(strings.TrimPrefix(line, "+++ "))
		if newPath == "/dev/null" {
			if lastOld != "" && lastOld != "/dev/null" {
				deleted = append(deleted, lastOld)
			}
			continue
		}
		changed = append(changed, newPath)
	}
	return changed, deleted
}
