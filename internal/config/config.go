// Package config loads the migration mapping file, which carries everything
// that varies between runs: identifier carryover from prior runs, text
// format and boolean conversion tables, per-bundle field mappings and
// policy, and the content-type processing order.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"
)

// Carryover records an entity created by a prior run.
type Carryover struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`
}

// FieldSpec maps one legacy field onto one target field.
type FieldSpec struct {
	// Target is the field name on the target site.
	Target string `yaml:"target"`
	// Source is the legacy field machine name. Unused by constant fields
	// and subpage-driven shapes.
	Source string `yaml:"source,omitempty"`
	// Shape selects the transcoder. See internal/transcode and the
	// composite shapes in internal/migrate.
	Shape string `yaml:"shape"`
	// Truthy is the legacy value meaning true for boolean fields.
	Truthy string `yaml:"truthy,omitempty"`
	// Constant is sent as-is instead of consulting legacy rows.
	Constant interface{} `yaml:"constant,omitempty"`
	// Subfields names the legacy fields feeding composite shapes, keyed by
	// role (label, body, annotation, databases, link).
	Subfields map[string]string `yaml:"subfields,omitempty"`
}

// AliasRewrite rewrites path aliases matching a pattern.
type AliasRewrite struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`

	compiled *regexp.Regexp
}

// Apply rewrites an alias, or returns it unchanged when the pattern does
// not match.
func (a *AliasRewrite) Apply(alias string) string {
	return a.compiled.ReplaceAllString(alias, a.Replacement)
}

// Bundle declares how one legacy content type migrates.
type Bundle struct {
	// TargetType is the entity--bundle tag records of this type become.
	TargetType string      `yaml:"target_type"`
	Fields     []FieldSpec `yaml:"fields"`
	// Exclude lists legacy nids that must not be migrated.
	Exclude []int64 `yaml:"exclude,omitempty"`
	// Cutoff, when set (YYYY-MM-DD), skips records not changed since.
	Cutoff string `yaml:"cutoff,omitempty"`
	// AliasRewrites are applied to path aliases in order.
	AliasRewrites []AliasRewrite `yaml:"alias_rewrites,omitempty"`
	// IncludeBooks pulls legacy book subpages rooted at records of this
	// type into the same bundle.
	IncludeBooks bool `yaml:"include_books,omitempty"`
	// MergeDetailedGuides names the bundle whose fields are folded into
	// this bundle's target record for each quick/detailed guide pair.
	MergeDetailedGuides string `yaml:"merge_detailed_guides,omitempty"`
	// SkipPairedDetailed skips records that are the detailed half of a
	// quick/detailed pair; the quick half carries their content.
	SkipPairedDetailed bool `yaml:"skip_paired_detailed,omitempty"`

	cutoff time.Time
}

// Excluded reports whether a legacy nid is excluded by policy.
func (b *Bundle) Excluded(nid int64) bool {
	for _, excluded := range b.Exclude {
		if excluded == nid {
			return true
		}
	}
	return false
}

// CutoffTime returns the recency cutoff, zero when none is configured.
func (b *Bundle) CutoffTime() time.Time {
	return b.cutoff
}

// SetCutoff replaces the recency cutoff, both the YYYY-MM-DD string and the
// parsed time a loaded mapping caches.
func (b *Bundle) SetCutoff(value string) error {
	cutoff, err := time.Parse("2006-01-02", value)
	if err != nil {
		return fmt.Errorf("cutoff %q: %w", value, err)
	}
	b.Cutoff = value
	b.cutoff = cutoff
	return nil
}

// Mapping is the parsed mapping file.
type Mapping struct {
	// BaseURL is the legacy site's external base URL, used to recognize
	// internal links.
	BaseURL string `yaml:"base_url"`
	// FilesRoot replaces the public:// scheme in managed file URIs.
	FilesRoot string `yaml:"files_root"`

	// Nodes and Terms carry identifier mappings over from prior runs.
	Nodes map[int64]Carryover `yaml:"nodes"`
	Terms map[int64]Carryover `yaml:"terms"`
	// Users maps legacy uids to target user uuids.
	Users map[int64]string `yaml:"users"`

	// TextFormats maps legacy text format keys to target format names.
	TextFormats map[string]string `yaml:"text_formats"`

	// Vocabularies maps legacy vocabulary machine names to the target term
	// type their terms become. Vocabularies migrate before any nodes.
	Vocabularies map[string]string `yaml:"vocabularies"`

	// Order is the content-type processing order; entities referenced by
	// entity-reference fields must come before their referrers.
	Order   []string           `yaml:"order"`
	Bundles map[string]*Bundle `yaml:"bundles"`
}

// Load reads and validates the mapping file at the given path.
func Load(path string) (*Mapping, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mapping file %s: %w", path, err)
	}

	var m Mapping
	if err = yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing mapping file %s: %w", path, err)
	}

	if err = m.validate(); err != nil {
		return nil, fmt.Errorf("mapping file %s: %w", path, err)
	}

	return &m, nil
}

func (m *Mapping) validate() error {
	if m.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	m.BaseURL = strings.TrimSuffix(m.BaseURL, "/")

	if len(m.Order) == 0 {
		return fmt.Errorf("order must list at least one bundle")
	}
	for _, name := range m.Order {
		if _, ok := m.Bundles[name]; !ok {
			return fmt.Errorf("bundle %q in order has no definition", name)
		}
	}
	for name, bundle := range m.Bundles {
		if err := validateEntityType(bundle.TargetType); err != nil {
			return fmt.Errorf("bundle %q: %w", name, err)
		}
		if bundle.Cutoff != "" {
			cutoff, err := time.Parse("2006-01-02", bundle.Cutoff)
			if err != nil {
				return fmt.Errorf("bundle %q cutoff: %w", name, err)
			}
			bundle.cutoff = cutoff
		}
		for i := range bundle.AliasRewrites {
			rewrite := &bundle.AliasRewrites[i]
			compiled, err := regexp.Compile(rewrite.Pattern)
			if err != nil {
				return fmt.Errorf("bundle %q alias rewrite %q: %w", name, rewrite.Pattern, err)
			}
			rewrite.compiled = compiled
		}
	}

	for _, termType := range m.Vocabularies {
		if err := validateEntityType(termType); err != nil {
			return err
		}
	}

	for nid, carryover := range m.Nodes {
		if err := validateCarryover(carryover); err != nil {
			return fmt.Errorf("nodes %d: %w", nid, err)
		}
	}
	for tid, carryover := range m.Terms {
		if err := validateCarryover(carryover); err != nil {
			return fmt.Errorf("terms %d: %w", tid, err)
		}
	}
	for uid, id := range m.Users {
		if _, err := uuid.Parse(id); err != nil {
			return fmt.Errorf("users %d: %w", uid, err)
		}
	}

	return nil
}

// Known reports whether a bundle name is declared by the mapping file.
func (m *Mapping) Known(bundle string) bool {
	_, ok := m.Bundles[bundle]
	return ok
}

func validateCarryover(c Carryover) error {
	if _, err := uuid.Parse(c.ID); err != nil {
		return err
	}
	return validateEntityType(c.Type)
}

func validateEntityType(entityType string) error {
	if len(strings.Split(entityType, "--")) != 2 {
		return fmt.Errorf("type %q must have two parts separated by a double-dash", entityType)
	}
	return nil
}
