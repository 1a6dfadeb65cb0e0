package migrate

import (
	"fmt"

	"github.com/cu-library/nineateseven/internal/config"
	"github.com/cu-library/nineateseven/internal/drupal"
	"github.com/cu-library/nineateseven/internal/registry"
	"github.com/cu-library/nineateseven/internal/transcode"
)

// Composite shapes create child entities on the target site before the
// owning record's patch can reference them.
const (
	// shapeTextAreaParagraphs turns each body row into a text area paragraph.
	shapeTextAreaParagraphs = "text_area_paragraphs"
	// shapeAccordionSections turns field collection items into accordion
	// paragraphs, using the label and body subfields.
	shapeAccordionSections = "accordion_sections"
	// shapeAccordionSubpages turns legacy book subpages into accordion
	// paragraphs titled after the subpage.
	shapeAccordionSubpages = "accordion_subpages"
	// shapeKeyResources turns field collection items into key resource
	// paragraphs, using the annotation, databases and link subfields.
	shapeKeyResources = "key_resources"
	// shapeFromLibrary wraps referenced reusable paragraphs for the
	// contact / service point field.
	shapeFromLibrary = "from_library"
	// shapeImage re-uploads the managed file and wraps it in a media entity.
	shapeImage = "image"
)

func (d *Driver) composite(field config.FieldSpec, nid int64, parent registry.Ref) ([]drupal.ResourceID, error) {
	switch field.Shape {
	case shapeTextAreaParagraphs:
		return d.textAreaParagraphs(field, nid, parent)
	case shapeAccordionSections:
		return d.accordionSections(field, nid, parent)
	case shapeAccordionSubpages:
		return d.accordionSubpages(field, nid, parent)
	case shapeKeyResources:
		return d.keyResources(field, nid, parent)
	case shapeFromLibrary:
		return d.fromLibrary(field, nid, parent)
	case shapeImage:
		return d.images(field, nid)
	}
	return nil, fmt.Errorf("unknown composite shape %q", field.Shape)
}

// newParagraph builds the common envelope for a paragraph parented on a
// node's field.
func newParagraph(paragraphType string, parent registry.Ref, parentField string) *drupal.Entity {
	obj := drupal.NewEntity(paragraphType)
	obj.Data.Attributes["parent_id"] = parent.InternalID
	obj.Data.Attributes["parent_type"] = "node"
	obj.Data.Attributes["parent_field_name"] = parentField
	return obj
}

// postParagraph creates the paragraph and returns the reference the owning
// record needs, including the revision the relationship must pin.
func (d *Driver) postParagraph(obj *drupal.Entity) (drupal.ResourceID, error) {
	created, err := d.client.Post(obj)
	if err != nil {
		return drupal.ResourceID{}, err
	}
	return drupal.ResourceID{
		Type: created.Data.Type,
		ID:   created.Data.ID,
		Meta: map[string]interface{}{"target_revision_id": created.RevisionID()},
	}, nil
}

func (d *Driver) textAreaParagraphs(field config.FieldSpec, nid int64, parent registry.Ref) ([]drupal.ResourceID, error) {
	rows, err := d.store.FieldRows(field.Source, nid)
	if err != nil {
		return nil, err
	}

	var refs []drupal.ResourceID
	for _, row := range rows {
		obj := newParagraph("paragraph--text_area", parent, field.Target)
		obj.Data.Attributes["field_text"] = map[string]interface{}{
			"value":  d.rw.Text(row.Value(field.Source+"_value"), nid),
			"format": d.tc.Format(row.Value(field.Source + "_format")),
		}

		ref, err := d.postParagraph(obj)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (d *Driver) accordionSections(field config.FieldSpec, nid int64, parent registry.Ref) ([]drupal.ResourceID, error) {
	labelField, bodyField := field.Subfields["label"], field.Subfields["body"]
	if labelField == "" || bodyField == "" {
		return nil, fmt.Errorf("accordion_sections needs label and body subfields")
	}

	rows, err := d.store.FieldRows(field.Source, nid)
	if err != nil {
		return nil, err
	}

	var refs []drupal.ResourceID
	for _, row := range rows {
		// Each row points at a field collection item carrying the label and
		// body of one section.
		item := row.Int(field.Source + "_value")

		obj := newParagraph("paragraph--accordion", parent, field.Target)

		labelRows, err := d.store.FieldRows(labelField, item)
		if err != nil {
			return nil, err
		}
		label, err := d.tc.Attribute(transcode.Field{Source: labelField, Shape: transcode.PlainText}, labelRows, nid)
		if err != nil {
			return nil, err
		}
		if label != nil {
			obj.Data.Attributes["field_accordion_title"] = label
		}

		bodyRows, err := d.store.FieldRows(bodyField, item)
		if err != nil {
			return nil, err
		}
		body, err := d.tc.Attribute(transcode.Field{Source: bodyField, Shape: transcode.FormattedText}, bodyRows, nid)
		if err != nil {
			return nil, err
		}
		if body != nil {
			obj.Data.Attributes["field_text"] = body
		}

		ref, err := d.postParagraph(obj)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (d *Driver) accordionSubpages(field config.FieldSpec, nid int64, parent registry.Ref) ([]drupal.ResourceID, error) {
	subpages, err := d.store.Subpages(nid)
	if err != nil {
		return nil, err
	}

	var refs []drupal.ResourceID
	for _, subpage := range subpages {
		obj := newParagraph("paragraph--accordion", parent, field.Target)
		obj.Data.Attributes["field_accordion_title"] = subpage.Title

		bodyRows, err := d.store.FieldRows("body", subpage.NID)
		if err != nil {
			return nil, err
		}
		body, err := d.tc.Attribute(transcode.Field{Source: "body", Shape: transcode.FormattedText}, bodyRows, subpage.NID)
		if err != nil {
			return nil, err
		}
		if body != nil {
			obj.Data.Attributes["field_text"] = body
		}

		ref, err := d.postParagraph(obj)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (d *Driver) keyResources(field config.FieldSpec, nid int64, parent registry.Ref) ([]drupal.ResourceID, error) {
	annotationField := field.Subfields["annotation"]
	databasesField := field.Subfields["databases"]
	linkField := field.Subfields["link"]
	if annotationField == "" || databasesField == "" || linkField == "" {
		return nil, fmt.Errorf("key_resources needs annotation, databases and link subfields")
	}

	rows, err := d.store.FieldRows(field.Source, nid)
	if err != nil {
		return nil, err
	}

	var refs []drupal.ResourceID
	for _, row := range rows {
		item := row.Int(field.Source + "_value")

		obj := newParagraph("paragraph--key_resources", parent, field.Target)

		annotationRows, err := d.store.FieldRows(annotationField, item)
		if err != nil {
			return nil, err
		}
		annotation, err := d.tc.Attribute(transcode.Field{Source: annotationField, Shape: transcode.PlainText}, annotationRows, nid)
		if err != nil {
			return nil, err
		}
		if annotation != nil {
			obj.Data.Attributes["field_key_resource_annotation"] = annotation
		}

		databaseRows, err := d.store.FieldRows(databasesField, item)
		if err != nil {
			return nil, err
		}
		databases, err := d.tc.References(transcode.Field{Source: databasesField, Shape: transcode.NodeReference}, databaseRows)
		if err != nil {
			return nil, err
		}
		if len(databases) > 0 {
			obj.Data.Relationships["field_another_database"] = drupal.Relationship{Data: databases}
		}

		linkRows, err := d.store.FieldRows(linkField, item)
		if err != nil {
			return nil, err
		}
		link, err := d.tc.Attribute(transcode.Field{Source: linkField, Shape: transcode.Link}, linkRows, nid)
		if err != nil {
			return nil, err
		}
		if link != nil {
			obj.Data.Attributes["field_key_resource_link"] = link
		}

		ref, err := d.postParagraph(obj)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (d *Driver) fromLibrary(field config.FieldSpec, nid int64, parent registry.Ref) ([]drupal.ResourceID, error) {
	rows, err := d.store.FieldRows(field.Source, nid)
	if err != nil {
		return nil, err
	}

	var refs []drupal.ResourceID
	for _, row := range rows {
		reusable, err := d.reg.Resolve(registry.KindNode, row.Int(field.Source+"_target_id"))
		if err != nil {
			return nil, err
		}

		obj := newParagraph("paragraph--from_library", parent, field.Target)
		obj.Data.Relationships["field_reusable_paragraph"] = drupal.Relationship{
			Data: drupal.ResourceID{Type: reusable.Type, ID: reusable.ID},
		}

		ref, err := d.postParagraph(obj)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// images re-uploads each managed file and wraps it in a media entity the
// record can reference.
func (d *Driver) images(field config.FieldSpec, nid int64) ([]drupal.ResourceID, error) {
	rows, err := d.store.FieldRows(field.Source, nid)
	if err != nil {
		return nil, err
	}

	var refs []drupal.ResourceID
	for _, row := range rows {
		path, filename, err := d.store.FilePath(row.Int(field.Source + "_fid"))
		if err != nil {
			return nil, err
		}

		file, err := d.client.UploadFile(path, filename, "media", "image", "field_media_image")
		if err != nil {
			return nil, err
		}

		media := drupal.NewEntity("media--image")
		media.Data.Attributes["name"] = filename
		media.Data.Relationships["field_media_image"] = drupal.Relationship{
			Data: drupal.ResourceID{
				Type: "file--file",
				ID:   file.Data.ID,
				Meta: map[string]interface{}{"alt": row.Value(field.Source + "_alt")},
			},
		}

		created, err := d.client.Post(media)
		if err != nil {
			return nil, err
		}
		refs = append(refs, drupal.ResourceID{Type: created.Data.Type, ID: created.Data.ID})
	}
	return refs, nil
}
