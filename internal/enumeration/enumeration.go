// Package enumeration renders forensic reports about cluster objects.
//
// An Enumeration describes one object: it fills information and warning
// rows and yields child enumerations. Build walks the tree once and
// materializes a Report, which is then rendered as indented text or merged
// into a JSON-ready map.
package enumeration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"unicode/utf8"
)

// ErrOverlappingKeys is returned by ToJSON when info, warning and child
// keyword keys of one object collide.
var ErrOverlappingKeys = errors.New("overlapping keys")

// Keys of the marker rows added when part of a report could not be read.
const (
	ErrorKey         = "Error"
	ChildrenErrorKey = "ChildrenError"
)

const indent = "    "

// Field is a single key/value row.
type Field struct {
	Key   string
	Value any
}

// Fields is an insertion-ordered set of rows.
type Fields []Field

// Set adds key or replaces its value in place.
func (f *Fields) Set(key string, value any) {
	for i := range *f {
		if (*f)[i].Key == key {
			(*f)[i].Value = value
			return
		}
	}
	*f = append(*f, Field{Key: key, Value: value})
}

// Get returns the value for key.
func (f Fields) Get(key string) (any, bool) {
	for _, field := range f {
		if field.Key == key {
			return field.Value, true
		}
	}
	return nil, false
}

// NonEmpty returns the rows whose values are not empty.
func (f Fields) NonEmpty() Fields {
	var out Fields
	for _, field := range f {
		if !IsEmpty(field.Value) {
			out = append(out, field)
		}
	}
	return out
}

// Enumeration describes one object of a report.
type Enumeration interface {
	// Keyword names the kind of object, e.g. "Pod".
	Keyword() string
	// Populate fills the information and warning rows.
	Populate(ctx context.Context, info, warnings *Fields) error
	// Children returns child enumerations, restricted to namespace when
	// it is not empty.
	Children(ctx context.Context, namespace string) ([]Enumeration, error)
}

// Report is a materialized enumeration.
type Report struct {
	Keyword  string
	Info     Fields
	Warnings Fields
	Children []*Report
}

// Build walks e and its descendants once.
//
// A failed Populate records an Error warning and skips the object's
// children. A failed Children call records a ChildrenError warning next to
// the object's own rows. Only context cancellation aborts the build.
func Build(ctx context.Context, e Enumeration, namespace string) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r := &Report{Keyword: e.Keyword()}
	if err := e.Populate(ctx, &r.Info, &r.Warnings); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.Warnings.Set(ErrorKey, err.Error())
		return r, nil
	}

	children, err := e.Children(ctx, namespace)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.Warnings.Set(ChildrenErrorKey, err.Error())
		return r, nil
	}
	for _, child := range children {
		cr, err := Build(ctx, child, namespace)
		if err != nil {
			return nil, err
		}
		r.Children = append(r.Children, cr)
	}
	return r, nil
}

// Options control text rendering.
type Options struct {
	// Namespace restricts children to one namespace; empty means all.
	Namespace string
	// KeepEmpty keeps rows whose value is empty.
	KeepEmpty bool
	// Silent suppresses emission to Sink.
	Silent bool
	// Sink receives every line; nil means slog.Default().
	Sink Sink
	// Observe, when set, receives the built report before it is rendered.
	Observe func(*Report)
}

// Line is one rendered line with its severity.
type Line struct {
	Level slog.Level
	Text  string
}

// Enumerate builds the report for e, emits it line by line to the sink
// and returns the full text.
func Enumerate(ctx context.Context, e Enumeration, opts Options) (string, error) {
	report, err := Build(ctx, e, opts.Namespace)
	if err != nil {
		return "", err
	}
	if opts.Observe != nil {
		opts.Observe(report)
	}
	lines := report.Lines(!opts.KeepEmpty)

	if !opts.Silent {
		sink := opts.Sink
		if sink == nil {
			sink = NewLoggerSink(nil)
		}
		for _, l := range lines {
			sink.Emit(l.Level, l.Text)
		}
	}

	texts := make([]string, len(lines))
	for i, l := range lines {
		texts[i] = l.Text
	}
	return strings.Join(texts, "\n"), nil
}

// Lines renders the report: keyword, row table, then children indented.
func (r *Report) Lines(filterEmpty bool) []Line {
	lines := []Line{{Level: slog.LevelInfo, Text: r.Keyword}}
	lines = append(lines, r.table(filterEmpty)...)
	for _, child := range r.Children {
		for _, l := range child.Lines(filterEmpty) {
			lines = append(lines, Line{Level: l.Level, Text: indent + l.Text})
		}
	}
	return lines
}

func (r *Report) table(filterEmpty bool) []Line {
	info, warnings := r.Info, r.Warnings
	if filterEmpty {
		info, warnings = info.NonEmpty(), warnings.NonEmpty()
	}
	if len(info) == 0 && len(warnings) == 0 {
		return []Line{{Level: slog.LevelInfo, Text: "-"}}
	}

	keyWidth := 0
	for _, f := range append(append(Fields{}, info...), warnings...) {
		keyWidth = max(keyWidth, utf8.RuneCountInString(f.Key))
	}
	row := func(f Field) string {
		pad := keyWidth - utf8.RuneCountInString(f.Key)
		return f.Key + strings.Repeat(" ", pad) + " : " + FormatValue(f.Value)
	}

	var rows []Line
	rowWidth := 0
	for _, f := range info {
		text := row(f)
		rowWidth = max(rowWidth, utf8.RuneCountInString(text))
		rows = append(rows, Line{Level: slog.LevelInfo, Text: text})
	}
	for _, f := range warnings {
		text := row(f)
		rowWidth = max(rowWidth, utf8.RuneCountInString(text))
		rows = append(rows, Line{Level: slog.LevelWarn, Text: text})
	}

	sep := Line{Level: slog.LevelInfo, Text: strings.Repeat("-", rowWidth)}
	out := make([]Line, 0, len(rows)+2)
	out = append(out, sep)
	out = append(out, rows...)
	return append(out, sep)
}

// ToJSON builds the report for e and returns it as a JSON-ready map.
// Rows are not filtered.
func ToJSON(ctx context.Context, e Enumeration, namespace string) (map[string]any, error) {
	report, err := Build(ctx, e, namespace)
	if err != nil {
		return nil, err
	}
	return report.Map()
}

// Map merges the report's info rows, warning rows and one list per child
// keyword into a single map.
func (r *Report) Map() (map[string]any, error) {
	byKeyword := make(map[string][]any)
	var keywords []string
	for _, child := range r.Children {
		m, err := child.Map()
		if err != nil {
			return nil, err
		}
		if _, ok := byKeyword[child.Keyword]; !ok {
			keywords = append(keywords, child.Keyword)
		}
		byKeyword[child.Keyword] = append(byKeyword[child.Keyword], m)
	}

	out := make(map[string]any, len(r.Info)+len(r.Warnings)+len(keywords))
	add := func(key string, value any) error {
		if _, ok := out[key]; ok {
			return fmt.Errorf("%s: key %q: %w", r.Keyword, key, ErrOverlappingKeys)
		}
		out[key] = value
		return nil
	}
	for _, f := range r.Info {
		if err := add(f.Key, f.Value); err != nil {
			return nil, err
		}
	}
	for _, f := range r.Warnings {
		if err := add(f.Key, f.Value); err != nil {
			return nil, err
		}
	}
	for _, kw := range keywords {
		if err := add(kw, byKeyword[kw]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// IsEmpty reports whether v is nil, an empty string, slice or map, a zero
// number or false.
func IsEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Bool:
		return !rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}

// FormatValue renders a row value; slices become "[a, b]".
func FormatValue(v any) string {
	rv := reflect.ValueOf(v)
	if v != nil && (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) {
		parts := make([]string, rv.Len())
		for i := range parts {
			parts[i] = fmt.Sprint(rv.Index(i).Interface())
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return fmt.Sprint(v)
}
