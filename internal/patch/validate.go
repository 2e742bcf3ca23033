// Package patch validates and applies unified-diff source patches inside a
// configured repository root.
package patch

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/sourcegraph/go-diff/diff"
)

var (
	// ErrValidation is returned when a patch fails static validation.
	ErrValidation = errors.New("patch validation failed")
	// ErrCheckFailed is returned when the check-only apply rejects a patch.
	ErrCheckFailed = errors.New("patch check failed")
	// ErrApplyFailed is returned when the real apply fails. The working tree
	// has been restored by the time it is returned.
	ErrApplyFailed = errors.New("patch apply failed")
)

// ViolationKind categorises a validation failure.
type ViolationKind string

const (
	ViolationForbidden  ViolationKind = "forbidden_operation"
	ViolationSize       ViolationKind = "size_limit"
	ViolationMalformed  ViolationKind = "malformed_diff"
	ViolationPathEscape ViolationKind = "path_escape"
	ViolationNotAllowed ViolationKind = "not_allowed"
	ViolationDirty      ViolationKind = "dirty_target"
)

// Violation is one itemized reason a patch was rejected.
type Violation struct {
	Kind    ViolationKind `json:"kind"`
	File    string        `json:"file,omitempty"`
	Message string        `json:"message"`
}

func (v Violation) String() string {
	if v.File == "" {
		return fmt.Sprintf("%s: %s", v.Kind, v.Message)
	}
	return fmt.Sprintf("%s: %s: %s", v.Kind, v.File, v.Message)
}

// Validation is the static analysis of a diff.
type Validation struct {
	Files      []string    `json:"files"`
	Lines      int         `json:"lines"`
	Violations []Violation `json:"violations,omitempty"`
}

// OK reports whether the diff passed every check.
func (v Validation) OK() bool { return len(v.Violations) == 0 }

// Normalize converts CRLF line endings and strips a surrounding markdown
// code fence if one is present.
func Normalize(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	start := -1
	for i, l := range lines {
		t := strings.TrimSpace(l)
		if t == "" {
			continue
		}
		if strings.HasPrefix(t, "```") {
			start = i
		}
		break
	}
	if start < 0 {
		return s
	}
	end := len(lines)
	for i := len(lines) - 1; i > start; i-- {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "```") {
			end = i
			break
		}
	}
	out := strings.Join(lines[start+1:end], "\n")
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return out
}

// AllowList matches repo-relative paths against glob patterns.
type AllowList struct {
	patterns []string
	globs    []glob.Glob
}

// NewAllowList compiles patterns with '/' as the separator so "*" does not
// cross directories and "**" does.
func NewAllowList(patterns []string) (*AllowList, error) {
	al := &AllowList{}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("compile allow-list pattern %q: %w", p, err)
		}
		al.patterns = append(al.patterns, p)
		al.globs = append(al.globs, g)
	}
	return al, nil
}

// Match reports whether rel matches at least one pattern.
func (a *AllowList) Match(rel string) bool {
	for _, g := range a.globs {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// Patterns returns the configured patterns.
func (a *AllowList) Patterns() []string { return a.patterns }

// Validate runs every static check and returns the itemized result. It never
// touches the filesystem.
func Validate(diffText string, allow *AllowList, maxLines int) Validation {
	var v Validation
	v.Lines = countLines(diffText)
	if maxLines > 0 && v.Lines > maxLines {
		v.Violations = append(v.Violations, Violation{
			Kind:    ViolationSize,
			Message: fmt.Sprintf("patch has %d lines, limit is %d", v.Lines, maxLines),
		})
	}

	v.Violations = append(v.Violations, scanHeaders(diffText)...)

	fds, err := diff.ParseMultiFileDiff([]byte(diffText))
	if err != nil {
		v.Violations = append(v.Violations, Violation{Kind: ViolationMalformed, Message: err.Error()})
		v.Violations = dedupeViolations(v.Violations)
		return v
	}
	if len(fds) == 0 {
		v.Violations = append(v.Violations, Violation{Kind: ViolationMalformed, Message: "no file diffs found"})
		return v
	}

	seen := make(map[string]bool)
	for _, fd := range fds {
		file := targetName(fd)
		v.Violations = append(v.Violations, forbiddenOps(fd, file)...)

		for _, name := range []string{fd.OrigName, fd.NewName} {
			rel, ok := repoRelative(name)
			if !ok {
				continue
			}
			if seen[rel] {
				continue
			}
			seen[rel] = true
			if escapes(rel) {
				v.Violations = append(v.Violations, Violation{
					Kind: ViolationPathEscape, File: rel, Message: "path leaves the repository root",
				})
				continue
			}
			v.Files = append(v.Files, rel)
			if allow == nil || !allow.Match(rel) {
				v.Violations = append(v.Violations, Violation{
					Kind: ViolationNotAllowed, File: rel, Message: "file does not match any allow-listed pattern",
				})
			}
		}
	}
	if len(v.Files) == 0 && len(v.Violations) == 0 {
		v.Violations = append(v.Violations, Violation{Kind: ViolationMalformed, Message: "diff touches no files"})
	}
	sort.Strings(v.Files)
	v.Violations = dedupeViolations(v.Violations)
	return v
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

// scanHeaders flags forbidden operations from git extended headers. Hunk
// body lines always carry a ' ', '+', '-' or '\\' prefix, so header markers
// cannot be confused with file content.
func scanHeaders(s string) []Violation {
	var out []Violation
	current := ""
	add := func(msg string) {
		out = append(out, Violation{Kind: ViolationForbidden, File: current, Message: msg})
	}
	for _, line := range strings.Split(s, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			current = ""
			if fields := strings.Fields(line); len(fields) >= 4 {
				current = strings.TrimPrefix(fields[3], "b/")
			}
		case strings.HasPrefix(line, "deleted file mode"):
			add("file deletion")
		case strings.HasPrefix(line, "rename from"), strings.HasPrefix(line, "similarity index"):
			add("rename")
		case strings.HasPrefix(line, "copy from"):
			add("copy")
		case strings.HasPrefix(line, "GIT binary patch"), strings.HasPrefix(line, "Binary files "):
			add("binary change")
		case strings.HasPrefix(line, "+Subproject commit "), strings.HasPrefix(line, "-Subproject commit "):
			add("submodule change")
		case isHeaderLine(line) && strings.Contains(line+" ", " 160000 "):
			add("submodule change")
		}
	}
	return out
}

func isHeaderLine(line string) bool {
	for _, p := range []string{"index ", "new file mode ", "old mode ", "new mode "} {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

func forbiddenOps(fd *diff.FileDiff, file string) []Violation {
	if fd.NewName == "/dev/null" {
		return []Violation{{Kind: ViolationForbidden, File: file, Message: "file deletion"}}
	}
	return nil
}

func dedupeViolations(vs []Violation) []Violation {
	if len(vs) < 2 {
		return vs
	}
	seen := make(map[Violation]bool, len(vs))
	out := vs[:0]
	for _, v := range vs {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func targetName(fd *diff.FileDiff) string {
	if rel, ok := repoRelative(fd.NewName); ok {
		return rel
	}
	rel, _ := repoRelative(fd.OrigName)
	return rel
}

// repoRelative strips the a/ b/ prefixes git adds. /dev/null yields false.
func repoRelative(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" || name == "/dev/null" {
		return "", false
	}
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		name = name[2:]
	}
	return name, true
}

func escapes(rel string) bool {
	if path.IsAbs(rel) || strings.HasPrefix(rel, `\`) {
		return true
	}
	clean := path.Clean(rel)
	return clean == ".." || strings.HasPrefix(clean, "../")
}
