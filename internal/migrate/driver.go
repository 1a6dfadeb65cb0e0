// Package migrate sequences the migration: base entities are created in
// dependency order, registered, and then patched with their fields once
// everything they can reference exists.
package migrate

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cu-library/nineateseven/internal/config"
	"github.com/cu-library/nineateseven/internal/drupal"
	"github.com/cu-library/nineateseven/internal/legacy"
	"github.com/cu-library/nineateseven/internal/registry"
	"github.com/cu-library/nineateseven/internal/rewrite"
	"github.com/cu-library/nineateseven/internal/transcode"
)

// Store is the read-only view of the legacy database the driver needs.
// Implemented by *legacy.Store.
type Store interface {
	NodesByBundle(bundle string) ([]legacy.Node, error)
	NodeType(nid int64) (string, error)
	ChangedAfter(nid int64, cutoff time.Time) (bool, error)
	FieldRows(fieldname string, entityID int64) ([]legacy.Row, error)
	PathAlias(nid int64) (string, error)
	FilePath(fid int64) (path, filename string, err error)
	BookNodeIDs(bid int64) ([]int64, error)
	Subpages(nid int64) ([]legacy.Subpage, error)
	Terms(vocabulary string) ([]legacy.Term, error)
	DetailedGuidePairs() (map[int64]int64, error)
}

type createdRecord struct {
	nid    int64
	bundle string
}

// Driver owns all migration state for one run.
type Driver struct {
	store  Store
	client *drupal.Client
	m      *config.Mapping
	reg    *registry.Registry
	rw     *rewrite.Rewriter
	tc     *transcode.Transcoder
	logger *slog.Logger

	statuses map[int64]Status
	created  []createdRecord
	pairs    map[int64]int64
	newNodes map[int64]config.Carryover
	newTerms map[int64]config.Carryover
}

func New(store Store, client *drupal.Client, m *config.Mapping, logger *slog.Logger) *Driver {
	reg := registry.New()
	rw := rewrite.New(reg, m.BaseURL, logger)
	return &Driver{
		store:  store,
		client: client,
		m:      m,
		reg:    reg,
		rw:     rw,
		tc: &transcode.Transcoder{
			Formats:  m.TextFormats,
			Rewriter: rw,
			Registry: reg,
		},
		logger:   logger,
		statuses: make(map[int64]Status),
		pairs:    make(map[int64]int64),
		newNodes: make(map[int64]config.Carryover),
		newTerms: make(map[int64]config.Carryover),
	}
}

// Registry exposes the run's identifier registry.
func (d *Driver) Registry() *registry.Registry {
	return d.reg
}

// NewNodes returns the node carryover entries created by this run, for the
// operator to merge into the mapping file.
func (d *Driver) NewNodes() map[int64]config.Carryover {
	return d.newNodes
}

// NewTerms returns the term carryover entries created by this run.
func (d *Driver) NewTerms() map[int64]config.Carryover {
	return d.newTerms
}

// LoadCarryover seeds the registry from the mapping file. Node entries are
// read back from the target site so the registry learns their stable
// numeric identifiers, which the link rewriter needs.
func (d *Driver) LoadCarryover() error {
	for nid, carryover := range d.m.Nodes {
		obj := drupal.NewEntity(carryover.Type)
		obj.Data.ID = carryover.ID
		existing, err := d.client.Get(obj)
		if err != nil {
			return fmt.Errorf("loading carried-over node %d: %w", nid, err)
		}
		err = d.reg.Register(registry.KindNode, nid, registry.Ref{
			Type:       existing.Data.Type,
			ID:         existing.Data.ID,
			InternalID: existing.InternalID(),
		})
		if err != nil {
			return err
		}
	}
	for tid, carryover := range d.m.Terms {
		err := d.reg.Register(registry.KindTerm, tid, registry.Ref{
			Type: carryover.Type,
			ID:   carryover.ID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Run migrates the selected bundles: taxonomy vocabularies first, then base
// entities bundle by bundle in the configured order, then every record's
// fields in creation order.
func (d *Driver) Run(bundles []string) error {
	selected := make(map[string]bool, len(bundles))
	for _, bundle := range bundles {
		if !d.m.Known(bundle) {
			return fmt.Errorf("unknown bundle name %s", bundle)
		}
		selected[bundle] = true
	}

	pairs, err := d.store.DetailedGuidePairs()
	if err != nil {
		return err
	}
	d.pairs = pairs

	if err := d.migrateVocabularies(); err != nil {
		return err
	}

	for _, bundle := range d.m.Order {
		if !selected[bundle] {
			continue
		}
		d.logger.Info("creating entities", "bundle", bundle)
		if err := d.createBundle(bundle); err != nil {
			return fmt.Errorf("bundle %s: %w", bundle, err)
		}
	}

	for _, record := range d.created {
		if err := d.attachFields(record); err != nil {
			return fmt.Errorf("attaching fields of %d: %w", record.nid, err)
		}
	}

	skipped := 0
	for _, status := range d.statuses {
		if status == Skipped {
			skipped++
		}
	}
	d.logger.Info("migration finished",
		"created", len(d.created),
		"skipped", skipped,
		"terms", len(d.newTerms),
		"warnings", len(d.rw.Warnings()))
	return nil
}

// Statuses returns the migration status of every legacy record seen by
// this run.
func (d *Driver) Statuses() map[int64]Status {
	return d.statuses
}

// migrateVocabularies creates every term of every configured vocabulary,
// parents before children.
func (d *Driver) migrateVocabularies() error {
	names := make([]string, 0, len(d.m.Vocabularies))
	for name := range d.m.Vocabularies {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		termType := d.m.Vocabularies[name]
		terms, err := d.store.Terms(name)
		if err != nil {
			return err
		}
		d.logger.Info("creating taxonomy terms", "vocabulary", name, "count", len(terms))

		byID := make(map[int64]legacy.Term, len(terms))
		nodes := make([]HierarchyNode, 0, len(terms))
		for _, term := range terms {
			byID[term.TID] = term
			nodes = append(nodes, HierarchyNode{LegacyID: term.TID, ParentID: term.ParentTID})
		}

		err = CreateInOrder(d.reg, registry.KindTerm, nodes, func(node HierarchyNode) error {
			return d.createTerm(byID[node.LegacyID], termType)
		})
		if err != nil {
			return fmt.Errorf("vocabulary %s: %w", name, err)
		}
	}
	return nil
}

func (d *Driver) createTerm(term legacy.Term, termType string) error {
	if d.reg.Has(registry.KindTerm, term.TID) {
		return nil
	}

	obj := drupal.NewEntity(termType)
	obj.Data.Attributes["name"] = strings.TrimSpace(term.Name)
	obj.Data.Attributes["weight"] = term.Weight
	if term.Description != "" {
		obj.Data.Attributes["description"] = map[string]interface{}{
			"value":  d.rw.Text(term.Description, term.TID),
			"format": d.tc.Format(term.Format),
		}
	}
	if term.ParentTID != 0 {
		parent, err := d.reg.Resolve(registry.KindTerm, term.ParentTID)
		if err != nil {
			return err
		}
		obj.Data.Relationships["parent"] = drupal.Relationship{
			Data: []drupal.ResourceID{{Type: parent.Type, ID: parent.ID}},
		}
	}

	created, err := d.client.Post(obj)
	if err != nil {
		return fmt.Errorf("creating term %d (%s): %w", term.TID, term.Name, err)
	}

	err = d.reg.Register(registry.KindTerm, term.TID, registry.Ref{
		Type:       created.Data.Type,
		ID:         created.Data.ID,
		InternalID: created.InternalID(),
	})
	if err != nil {
		return err
	}
	d.newTerms[term.TID] = config.Carryover{ID: created.Data.ID, Type: created.Data.Type}
	d.logger.Info("created term", "tid", term.TID, "name", term.Name, "id", created.Data.ID)
	return nil
}

// createBundle creates the base entity for every record of one legacy
// content type, including book subpages when configured, roots before
// children.
func (d *Driver) createBundle(name string) error {
	bundle := d.m.Bundles[name]

	records, err := d.store.NodesByBundle(name)
	if err != nil {
		return err
	}

	byID := make(map[int64]legacy.Node, len(records))
	nodes := make([]HierarchyNode, 0, len(records))
	for _, record := range records {
		if bundle.SkipPairedDetailed && d.isPairedDetailed(record.NID) {
			d.statuses[record.NID] = Skipped
			continue
		}
		byID[record.NID] = record
		nodes = append(nodes, HierarchyNode{LegacyID: record.NID})
	}

	if bundle.IncludeBooks {
		subNodes, err := d.bookSubNodes(nodes, byID)
		if err != nil {
			return err
		}
		nodes = append(nodes, subNodes...)
	}

	return CreateInOrder(d.reg, registry.KindNode, nodes, func(node HierarchyNode) error {
		// A parent skipped by policy takes its descendants with it. A parent
		// known from carryover is registered, so it never trips this.
		if node.ParentID != 0 && !d.reg.Has(registry.KindNode, node.ParentID) && d.statuses[node.ParentID] == Skipped {
			d.statuses[node.LegacyID] = Skipped
			d.logger.Info("skipping, parent was skipped", "nid", node.LegacyID, "parent", node.ParentID)
			return nil
		}
		return d.createNode(byID[node.LegacyID], name, bundle)
	})
}

// bookSubNodes finds legacy book pages rooted at the given records and adds
// them to the set, parented on their book root.
func (d *Driver) bookSubNodes(roots []HierarchyNode, byID map[int64]legacy.Node) ([]HierarchyNode, error) {
	books, err := d.store.NodesByBundle("book")
	if err != nil {
		return nil, err
	}
	bookByID := make(map[int64]legacy.Node, len(books))
	for _, book := range books {
		bookByID[book.NID] = book
	}

	var subNodes []HierarchyNode
	for _, root := range roots {
		members, err := d.store.BookNodeIDs(root.LegacyID)
		if err != nil {
			return nil, err
		}
		for _, nid := range members {
			book, ok := bookByID[nid]
			if !ok || nid == root.LegacyID {
				continue
			}
			byID[nid] = book
			subNodes = append(subNodes, HierarchyNode{LegacyID: nid, ParentID: root.LegacyID})
		}
	}
	return subNodes, nil
}

func (d *Driver) createNode(record legacy.Node, bundleName string, bundle *config.Bundle) error {
	if d.reg.Has(registry.KindNode, record.NID) {
		d.statuses[record.NID] = Skipped
		d.logger.Info("skipping, already migrated", "nid", record.NID)
		return nil
	}
	if bundle.Excluded(record.NID) {
		d.statuses[record.NID] = Skipped
		d.logger.Info("skipping, excluded by policy", "nid", record.NID)
		return nil
	}
	if cutoff := bundle.CutoffTime(); !cutoff.IsZero() {
		recent, err := d.store.ChangedAfter(record.NID, cutoff)
		if err != nil {
			return err
		}
		if !recent {
			d.statuses[record.NID] = Skipped
			d.logger.Info("skipping, older than cutoff", "nid", record.NID)
			return nil
		}
	}

	obj, err := d.baseEntity(record, bundle)
	if err != nil {
		return err
	}

	created, err := d.client.Post(obj)
	if err != nil {
		return fmt.Errorf("creating node %d: %w", record.NID, err)
	}

	ref := registry.Ref{
		Type:       created.Data.Type,
		ID:         created.Data.ID,
		InternalID: created.InternalID(),
	}
	if err = d.reg.Register(registry.KindNode, record.NID, ref); err != nil {
		return err
	}

	d.statuses[record.NID] = Created
	d.created = append(d.created, createdRecord{nid: record.NID, bundle: bundleName})
	d.newNodes[record.NID] = config.Carryover{ID: ref.ID, Type: ref.Type}
	d.logger.Info("created node", "nid", record.NID, "target_nid", ref.InternalID, "type", ref.Type)
	return nil
}

// baseEntity builds the create envelope from the legacy node row: title,
// status flags, creation time, path alias, and owner.
func (d *Driver) baseEntity(record legacy.Node, bundle *config.Bundle) (*drupal.Entity, error) {
	obj := drupal.NewEntity(bundle.TargetType)
	obj.Data.Attributes["langcode"] = "en"
	obj.Data.Attributes["title"] = strings.TrimSpace(record.Title)
	obj.Data.Attributes["status"] = record.Status
	obj.Data.Attributes["promote"] = record.Promote
	obj.Data.Attributes["sticky"] = record.Sticky
	obj.Data.Attributes["created"] = time.Unix(record.Created, 0).UTC().Format(time.RFC3339)

	alias, err := d.store.PathAlias(record.NID)
	if err != nil {
		return nil, err
	}
	if alias != "" {
		for i := range bundle.AliasRewrites {
			alias = bundle.AliasRewrites[i].Apply(alias)
		}
		obj.Data.Attributes["path"] = map[string]interface{}{"alias": alias}
	}

	if userID, ok := d.m.Users[record.UID]; ok {
		obj.Data.Relationships["uid"] = drupal.Relationship{
			Data: drupal.ResourceID{Type: "user--user", ID: userID},
		}
	} else {
		d.logger.Warn("author is not in the user mapping", "nid", record.NID, "uid", record.UID)
	}

	return obj, nil
}

// attachFields runs the field phase for one created record, and for the
// detailed guide merged into it when the bundle is configured that way.
func (d *Driver) attachFields(record createdRecord) error {
	bundle := d.m.Bundles[record.bundle]
	ref, err := d.reg.Resolve(registry.KindNode, record.nid)
	if err != nil {
		return err
	}

	// Book subpages migrate under their root's bundle but their content is
	// folded into the root's sections, so the subpage node itself gets the
	// body treatment of its legacy type.
	fields := bundle.Fields
	if bundle.IncludeBooks {
		legacyType, err := d.store.NodeType(record.nid)
		if err != nil {
			return err
		}
		if legacyType == "book" {
			fields = bookFields(bundle.Fields)
		}
	}

	if err := d.patchFields(record.nid, record.nid, fields, ref); err != nil {
		return err
	}

	if bundle.MergeDetailedGuides != "" {
		if detailed, ok := d.pairs[record.nid]; ok {
			merged := d.m.Bundles[bundle.MergeDetailedGuides]
			if merged == nil {
				return fmt.Errorf("merge_detailed_guides names unknown bundle %q", bundle.MergeDetailedGuides)
			}
			// References to the detailed guide resolve to the merged record.
			if !d.reg.Has(registry.KindNode, detailed) {
				if err := d.reg.Register(registry.KindNode, detailed, ref); err != nil {
					return err
				}
			}
			if err := d.patchFields(detailed, record.nid, merged.Fields, ref); err != nil {
				return err
			}
		}
	}

	d.statuses[record.nid] = Done
	return nil
}

// patchFields transcodes one field table against the rows of sourceNID and
// patches the result onto the target record. A patch that ends up with no
// attributes and no relationships is skipped without a network call.
func (d *Driver) patchFields(sourceNID, originNID int64, fields []config.FieldSpec, ref registry.Ref) error {
	attributes := make(map[string]interface{})
	relationships := make(map[string][]drupal.ResourceID)

	for _, field := range fields {
		if err := d.applyField(field, sourceNID, ref, attributes, relationships); err != nil {
			return err
		}
	}

	if len(attributes) == 0 && len(relationships) == 0 {
		d.statuses[originNID] = FieldsAttached
		d.logger.Info("nothing to patch", "nid", sourceNID)
		return nil
	}

	patch := drupal.NewEntity(ref.Type)
	patch.Data.ID = ref.ID
	patch.Data.Attributes = attributes
	for target, refs := range relationships {
		patch.Data.Relationships[target] = drupal.Relationship{Data: refs}
	}

	if _, err := d.client.Patch(patch); err != nil {
		return err
	}
	d.statuses[originNID] = FieldsAttached
	d.logger.Info("attached fields", "nid", sourceNID, "target_nid", ref.InternalID)
	return nil
}

func (d *Driver) applyField(field config.FieldSpec, nid int64, ref registry.Ref, attributes map[string]interface{}, relationships map[string][]drupal.ResourceID) error {
	if field.Constant != nil {
		attributes[field.Target] = field.Constant
		return nil
	}

	switch field.Shape {
	case shapeTextAreaParagraphs, shapeAccordionSections, shapeAccordionSubpages,
		shapeKeyResources, shapeFromLibrary, shapeImage:
		refs, err := d.composite(field, nid, ref)
		if err != nil {
			return fmt.Errorf("field %s: %w", field.Target, err)
		}
		if len(refs) > 0 {
			relationships[field.Target] = append(relationships[field.Target], refs...)
		}
		return nil

	case string(transcode.TermReference), string(transcode.NodeReference):
		rows, err := d.store.FieldRows(field.Source, nid)
		if err != nil {
			return err
		}
		refs, err := d.tc.References(fieldSpec(field), rows)
		if err != nil {
			return err
		}
		if len(refs) > 0 {
			relationships[field.Target] = append(relationships[field.Target], refs...)
		}
		return nil

	default:
		rows, err := d.store.FieldRows(field.Source, nid)
		if err != nil {
			return err
		}
		value, err := d.tc.Attribute(fieldSpec(field), rows, nid)
		if err != nil {
			return err
		}
		if value != nil {
			attributes[field.Target] = value
		}
		return nil
	}
}

// bookFields swaps the body treatment for book subpages: their body is a
// plain text-with-summary field, not the full description of a service.
func bookFields(fields []config.FieldSpec) []config.FieldSpec {
	swapped := make([]config.FieldSpec, len(fields))
	copy(swapped, fields)
	for i, field := range swapped {
		if field.Target == "body" {
			swapped[i].Source = "body"
			swapped[i].Shape = string(transcode.TextWithSummary)
		}
	}
	return swapped
}

func (d *Driver) isPairedDetailed(nid int64) bool {
	for _, detailed := range d.pairs {
		if detailed == nid {
			return true
		}
	}
	return false
}

func fieldSpec(field config.FieldSpec) transcode.Field {
	return transcode.Field{
		Target:   field.Target,
		Source:   field.Source,
		Shape:    transcode.Shape(field.Shape),
		Truthy:   field.Truthy,
		Constant: field.Constant,
	}
}
