package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

type CueErrorDetail struct {
	Path    string // validators.0.path
	Code    string // missing_required | empty_required | unknown_field | type_mismatch | conflict | invalid_enum ...
	Message string // Human text
	Pos     CueErrorPosition
	Raw     string // original message
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*`)
	reEnum        = regexp.MustCompile(`(?i)must be one of|expected one of`)
)

// CueErrDetails turns an error returned by LoadConfig into a list of details
// suitable for logging. Errors without a position are dropped.
func CueErrDetails(err error) []CueErrorDetail {
	return humanize(err, schema)
}

func humanize(err error, root cue.Value) []CueErrorDetail {
	if err == nil {
		return nil
	}

	seen := make(map[CueErrorPosition]struct{})

	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		raw, _ := e.Msg()
		path := normalizePath(e.Path())
		code, msg := classify(raw, path, root)

		pos := position(e)
		if pos.Filename == "" {
			continue
		}
		if _, ok := seen[pos]; ok {
			continue
		}

		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     position(e),
			Raw:     err.Error(),
		})
		seen[pos] = struct{}{}
	}
	return out
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		pos := CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
		return pos
	}
	var zero CueErrorPosition
	return zero
}

func normalizePath(p []string) string {
	if len(p) == 0 {
		return ""
	}
	// Remove leading definition (#Config)
	if strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

// valueHints describe the accepted form of geopilot fields, they replace
// the generic message of a rejected value.
var valueHints = []struct {
	path *regexp.Regexp
	hint string
}{
	{regexp.MustCompile(`(^|\.)(validator_timeout|timeout|retention|presign_ttl|poll_interval|poll_deadline|duration)$`), "must be a duration like 90m or PT1H30M"},
	{regexp.MustCompile(`^cleanup\.schedule\.cron$`), `must be a cron expression like "0 * * * *" or @hourly`},
	{regexp.MustCompile(`^(validators|mandates)\.\d+\.extensions(\.\d+)?$`), "must list at least one file extension like .xtf"},
	{regexp.MustCompile(`^validators\.\d+\.errors_exit_code$`), "must be an exit code between 1 and 255"},
	{regexp.MustCompile(`^scan\.url$`), "must be an http:// or https:// URL"},
	{regexp.MustCompile(`^service\.workers$`), "must be between 1 and 256"},
	{regexp.MustCompile(`^cloud\.max_file_size$`), "must be a positive number of bytes"},
}

func valueHint(path string) (string, bool) {
	for _, h := range valueHints {
		if h.path.MatchString(path) {
			return h.hint, true
		}
	}
	return "", false
}

func classify(raw, path string, root cue.Value) (code, msg string) {
	code, msg = classifyRaw(raw, path, root)
	if code == "unknown_field" || code == "missing_required" {
		return code, msg
	}
	if hint, ok := valueHint(path); ok {
		msg = fmt.Sprintf("Field %s %s", last(path), hint)
	}
	return code, msg
}

func classifyRaw(raw, path string, root cue.Value) (code, msg string) {
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("Field %s is not allowed", last(path))
	case reIncomplete.MatchString(raw):
		if requiredNonEmpty(path, root) {
			return "missing_required", fmt.Sprintf("Field %s is required and must be non-empty", last(path))
		}
		return "missing_required", fmt.Sprintf("Field %s is required", last(path))
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("Conflicting values for %s", last(path))
	case reEnum.MatchString(raw):
		return "invalid_enum", fmt.Sprintf("Field %s has invalid value", last(path))
	case reExpectedGot.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("Field %s has wrong type/value", last(path))
	default:
		return "validation_error", raw
	}
}

// requiredNonEmpty reports whether the schema field at path forbids the
// empty string.
func requiredNonEmpty(path string, root cue.Value) bool {
	if path == "" {
		return false
	}
	v := lookup(root, path)
	if !v.Exists() || v.IncompleteKind() != cue.StringKind {
		return false
	}
	return v.Unify(cueCtx.CompileString(`""`)).Err() != nil
}

func lookup(root cue.Value, path string) cue.Value {
	if path == "" {
		return root
	}
	pp := cue.ParsePath(path)
	return root.LookupPath(pp)
}

func last(p string) string {
	if p == "" {
		return p
	}
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
