// Package transcode converts raw legacy field rows into the value shapes
// the target API expects.
package transcode

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cu-library/nineateseven/internal/drupal"
	"github.com/cu-library/nineateseven/internal/legacy"
	"github.com/cu-library/nineateseven/internal/registry"
	"github.com/cu-library/nineateseven/internal/rewrite"
)

// Shape names the value shape a legacy field is converted to.
type Shape string

const (
	// PlainText is a list of bare string values.
	PlainText Shape = "plain_text"
	// FormattedText is a list of {value, format} objects; the value passes
	// through the link rewriter.
	FormattedText Shape = "formatted_text"
	// TextWithSummary is FormattedText plus a summary.
	TextWithSummary Shape = "text_with_summary"
	// Boolean collapses the field to true when its first value matches the
	// descriptor's truthy value.
	Boolean Shape = "boolean"
	// Date is a list of YYYY-MM-DD strings.
	Date Shape = "date"
	// Link is a list of {uri, title} objects; the uri passes through the
	// link rewriter.
	Link Shape = "link"
	// JoinedText joins all values into one comma-separated plain-text object.
	JoinedText Shape = "joined_text"
	// TermReference resolves taxonomy term ids through the registry. Structural:
	// an unknown term fails the record.
	TermReference Shape = "term_reference"
	// NodeReference resolves node target ids through the registry. Structural.
	NodeReference Shape = "node_reference"
)

// Field describes how one legacy field maps onto the target site.
type Field struct {
	// Target is the field name on the target site.
	Target string
	// Source is the legacy field machine name; rows come from the
	// field_data_<Source> table. Empty for Constant fields.
	Source string
	Shape  Shape
	// Truthy is the legacy value that means true for Boolean fields.
	Truthy string
	// Constant, when set, is sent as-is with no legacy rows consulted.
	Constant interface{}
}

// Structural reports whether the field is a relationship on the target
// site. Unresolvable references in structural fields are fatal for the
// record; everything else degrades through the rewriter's placeholder.
func (f Field) Structural() bool {
	return f.Shape == TermReference || f.Shape == NodeReference
}

// Transcoder converts field rows for one run. Formats maps legacy text
// format keys to target format names; unmapped keys fall back to
// plain_text.
type Transcoder struct {
	Formats  map[string]string
	Rewriter *rewrite.Rewriter
	Registry *registry.Registry
}

// Attribute converts the rows of a non-structural field into its target
// value. origin is the legacy id of the record being migrated. A nil result
// means the field has no value and should be left out of the patch.
func (t *Transcoder) Attribute(f Field, rows []legacy.Row, origin int64) (interface{}, error) {
	if f.Constant != nil {
		return f.Constant, nil
	}
	rows = byDelta(rows)

	switch f.Shape {
	case PlainText:
		var values []string
		for _, row := range rows {
			values = append(values, row.Value(f.Source+"_value"))
		}
		return emptyToNil(values), nil

	case FormattedText:
		var values []map[string]interface{}
		for _, row := range rows {
			values = append(values, map[string]interface{}{
				"value":  t.Rewriter.Text(row.Value(f.Source+"_value"), origin),
				"format": t.Format(row.Value(f.Source + "_format")),
			})
		}
		return emptyToNil(values), nil

	case TextWithSummary:
		var values []map[string]interface{}
		for _, row := range rows {
			values = append(values, map[string]interface{}{
				"value":   t.Rewriter.Text(row.Value(f.Source+"_value"), origin),
				"summary": t.Rewriter.Text(row.Value(f.Source+"_summary"), origin),
				"format":  t.Format(row.Value(f.Source + "_format")),
			})
		}
		return emptyToNil(values), nil

	case Boolean:
		for _, row := range rows {
			return row.Value(f.Source+"_value") == f.Truthy, nil
		}
		return false, nil

	case Date:
		var values []string
		for _, row := range rows {
			day, err := dateOnly(row.Value(f.Source + "_value"))
			if err != nil {
				return nil, fmt.Errorf("field %s of %d: %w", f.Source, origin, err)
			}
			values = append(values, day)
		}
		return emptyToNil(values), nil

	case Link:
		var values []map[string]interface{}
		for _, row := range rows {
			uri := t.Rewriter.URI(row.Value(f.Source+"_url"), origin)
			if uri == "" {
				uri = "route:<nolink>"
			}
			values = append(values, map[string]interface{}{
				"uri":   uri,
				"title": row.Value(f.Source + "_title"),
			})
		}
		return emptyToNil(values), nil

	case JoinedText:
		var values []string
		for _, row := range rows {
			values = append(values, row.Value(f.Source+"_value"))
		}
		if len(values) == 0 {
			return nil, nil
		}
		return map[string]interface{}{
			"value":  strings.Join(values, ", "),
			"format": "plain_text",
		}, nil
	}

	return nil, fmt.Errorf("field %s has no attribute shape %q", f.Source, f.Shape)
}

// References converts the rows of a structural reference field into target
// resource identifiers, preserving row order.
func (t *Transcoder) References(f Field, rows []legacy.Row) ([]drupal.ResourceID, error) {
	var kind registry.Kind
	var column string
	switch f.Shape {
	case TermReference:
		kind, column = registry.KindTerm, f.Source+"_tid"
	case NodeReference:
		kind, column = registry.KindNode, f.Source+"_target_id"
	default:
		return nil, fmt.Errorf("field %s has no reference shape %q", f.Source, f.Shape)
	}

	var refs []drupal.ResourceID
	for _, row := range byDelta(rows) {
		ref, err := t.Registry.Resolve(kind, row.Int(column))
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Source, err)
		}
		refs = append(refs, drupal.ResourceID{Type: ref.Type, ID: ref.ID})
	}

	return refs, nil
}

// Format maps a legacy text format key to a target format name.
func (t *Transcoder) Format(legacyFormat string) string {
	if format, ok := t.Formats[legacyFormat]; ok {
		return format
	}
	return "plain_text"
}

// byDelta restores multi-value ordering. The store already orders rows by
// delta, but the contract here is with the caller's rows, whatever their
// source.
func byDelta(rows []legacy.Row) []legacy.Row {
	sorted := make([]legacy.Row, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Int("delta") < sorted[j].Int("delta")
	})
	return sorted
}

func dateOnly(value string) (string, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("unable to parse date %q", value)
}

// emptyToNil keeps empty multi-value fields out of patch envelopes.
func emptyToNil[T any](values []T) interface{} {
	if len(values) == 0 {
		return nil
	}
	return values
}
