package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

type CueErrorDetail struct {
	Path    string // tools.0.kind
	Code    string // missing_required | unknown_field | conflicting_values | invalid_enum | type_mismatch | validation_error
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
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible|empty disjunction`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*`)
)

// enum is a schema definition of the allowed values of a field. other
// describes what a non literal branch of the definition accepts.
type enum struct {
	def   string
	other string
}

// enums are keyed by configuration path with list indexes replaced by *.
var enums = map[string]enum{
	"service.mode":      {def: "#ServiceMode"},
	"service.log":       {def: "#LogOutput", other: "a file path"},
	"tools.*.kind":      {def: "#ToolKind"},
	"tools.*.output":    {def: "#Output"},
	"tools.*.targets.*": {def: "#TargetKind"},
}

// OutputFormats returns the tool output formats the configuration accepts.
func OutputFormats() []string {
	values, _, _ := enumValues(defs.LookupPath(cue.ParsePath("#Output")))
	return values
}

// CueErrDetails converts a LoadConfig validation error into per field
// details. An invalid value of an enum field is reported once, together
// with the values the field accepts.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	seen := make(map[CueErrorPosition]struct{})
	seenEnum := make(map[string]struct{})

	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		pos := position(e)
		if pos.Filename == "" {
			continue
		}
		if _, ok := seen[pos]; ok {
			continue
		}
		seen[pos] = struct{}{}

		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := normalizePath(e.Path())
		code, msg := classify(raw, path)

		if en, ok := enums[wildcard(path)]; ok && code != "missing_required" && code != "unknown_field" {
			if _, ok := seenEnum[path]; ok {
				continue
			}
			seenEnum[path] = struct{}{}
			code = "invalid_enum"
			msg = fmt.Sprintf("Field %s has invalid value: %s", last(path), en.describe())
		}

		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     pos,
			Raw:     raw,
		})
	}
	return out
}

func (en enum) describe() string {
	values, open, dflt := enumValues(defs.LookupPath(cue.ParsePath(en.def)))
	msg := fmt.Sprintf("possible values (%s)", strings.Join(values, ","))
	if open && en.other != "" {
		msg += " or " + en.other
	}
	if dflt != nil {
		msg += fmt.Sprintf(" (default %s)", *dflt)
	}
	return msg
}

// enumValues returns the string literals of a disjunction. open is set when
// a branch is a constraint rather than a literal.
func enumValues(v cue.Value) (values []string, open bool, dflt *string) {
	if d, ok := v.Default(); ok && d.IsConcrete() {
		if s, err := d.String(); err == nil {
			dflt = &s
		}
	}
	var walk func(cue.Value)
	walk = func(v cue.Value) {
		if op, args := v.Expr(); op == cue.OrOp {
			for _, a := range args {
				walk(a)
			}
			return
		}
		if v.IsConcrete() {
			if s, err := v.String(); err == nil {
				if !slices.Contains(values, s) {
					values = append(values, s)
				}
				return
			}
		}
		open = true
	}
	walk(v)
	return values, open, dflt
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, r := range cueerrors.Positions(err) {
		if r.Filename() == "" {
			continue
		}
		return CueErrorPosition{
			Filename: r.Filename(),
			Line:     r.Line(),
			Column:   r.Column(),
		}
	}
	return CueErrorPosition{}
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

// wildcard replaces list indexes of path by *.
func wildcard(path string) string {
	parts := strings.Split(path, ".")
	for i, p := range parts {
		if _, err := strconv.Atoi(p); err == nil {
			parts[i] = "*"
		}
	}
	return strings.Join(parts, ".")
}

func classify(raw, path string) (code, msg string) {
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("Field %s is not allowed", last(path))
	case reIncomplete.MatchString(raw):
		if isString(path) {
			return "missing_required", fmt.Sprintf("Field %s is required and must be non-empty", last(path))
		}
		return "missing_required", fmt.Sprintf("Field %s is required", last(path))
	case reConflict.MatchString(raw):
		return "conflicting_values", fmt.Sprintf("Conflicting values for %s", last(path))
	case reExpectedGot.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("Field %s has wrong type/value", last(path))
	default:
		return "validation_error", raw
	}
}

// isString reports whether the schema declares path as a string. Strings of
// the schema are all non-empty.
func isString(path string) bool {
	if path == "" {
		return false
	}
	v := schema.LookupPath(cue.ParsePath(path))
	return v.Exists() && v.IncompleteKind() == cue.StringKind
}

func last(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i+1:]
	}
	return p
}
