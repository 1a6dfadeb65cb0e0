// Package drupal is a minimal client for the target site's JSON:API.
package drupal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

const contentType = "application/vnd.api+json"

// ErrValidation indicates a request envelope that JSON:API would reject,
// caught before any request is sent.
var ErrValidation = errors.New("validation error")

// APIError is a non-success response from the target site. The body is kept
// verbatim so the server's diagnostic payload reaches the operator.
type APIError struct {
	Status int
	URL    string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API returned status %d for %s: %s", e.Status, e.URL, e.Body)
}

// Entity is the JSON:API document envelope sent to and returned by the
// target site.
type Entity struct {
	Data Resource `json:"data"`
}

// Resource is the data member of a JSON:API document.
type Resource struct {
	Type          string                  `json:"type"`
	ID            string                  `json:"id,omitempty"`
	Attributes    map[string]interface{}  `json:"attributes,omitempty"`
	Relationships map[string]Relationship `json:"relationships,omitempty"`
}

// Relationship holds one resource identifier or a list of them.
type Relationship struct {
	Data interface{} `json:"data"`
}

// ResourceID identifies a related resource.
type ResourceID struct {
	Type string                 `json:"type"`
	ID   string                 `json:"id"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

// NewEntity builds an empty envelope for the given entity--bundle type.
func NewEntity(entityType string) *Entity {
	return &Entity{Data: Resource{
		Type:          entityType,
		Attributes:    map[string]interface{}{},
		Relationships: map[string]Relationship{},
	}}
}

// InternalID returns the target site's stable numeric identifier embedded in
// the response attributes (drupal_internal__nid or drupal_internal__tid).
func (e *Entity) InternalID() int64 {
	for _, name := range []string{"drupal_internal__nid", "drupal_internal__tid"} {
		if id, ok := numericAttribute(e.Data.Attributes, name); ok {
			return id
		}
	}
	return 0
}

// RevisionID returns the internal revision identifier from the response
// attributes, needed when referencing paragraph entities.
func (e *Entity) RevisionID() int64 {
	id, _ := numericAttribute(e.Data.Attributes, "drupal_internal__revision_id")
	return id
}

func numericAttribute(attrs map[string]interface{}, name string) (int64, bool) {
	switch v := attrs[name].(type) {
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

func (e *Entity) validate() error {
	if e == nil {
		return fmt.Errorf("entity must not be nil: %w", ErrValidation)
	}
	if e.Data.Type == "" {
		return fmt.Errorf("entity must have a non-empty type: %w", ErrValidation)
	}
	if len(strings.Split(e.Data.Type, "--")) != 2 {
		return fmt.Errorf("type %q must have two parts separated by a double-dash: %w", e.Data.Type, ErrValidation)
	}
	return nil
}

func (e *Entity) validateID() error {
	if err := e.validate(); err != nil {
		return err
	}
	if e.Data.ID == "" {
		return fmt.Errorf("entity of type %s must have an id: %w", e.Data.Type, ErrValidation)
	}
	return nil
}

// entityAndBundle splits an entity--bundle type tag into its URL components.
func (e *Entity) entityAndBundle() (string, string) {
	parts := strings.SplitN(e.Data.Type, "--", 2)
	return parts[0], parts[1]
}

// Client talks to one target site with one fixed pair of credentials.
type Client struct {
	base     string
	username string
	password string
	httpc    *http.Client
}

func NewClient(base, username, password string) *Client {
	return &Client{
		base:     strings.TrimSuffix(base, "/"),
		username: username,
		password: password,
		httpc:    http.DefaultClient,
	}
}

func (c *Client) buildURL(parts ...string) string {
	return c.base + "/" + strings.Join(parts, "/")
}

func (c *Client) do(request *http.Request) (*Entity, error) {
	request.SetBasicAuth(c.username, c.password)
	request.Header.Set("Accept", contentType)

	response, err := c.httpc.Do(request)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", request.URL, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		body, _ := io.ReadAll(response.Body)
		return nil, &APIError{Status: response.StatusCode, URL: request.URL.String(), Body: string(body)}
	}

	var result Entity
	if err = json.NewDecoder(response.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response from %s: %w", request.URL, err)
	}

	return &result, nil
}

// Check verifies the base URL and credentials by reading the API root and
// looking for the authenticated user's identifier in its meta links.
func (c *Client) Check() error {
	request, err := http.NewRequest(http.MethodGet, c.base, nil)
	if err != nil {
		return fmt.Errorf("creating check request: %w", err)
	}
	request.SetBasicAuth(c.username, c.password)
	request.Header.Set("Accept", contentType)

	response, err := c.httpc.Do(request)
	if err != nil {
		return fmt.Errorf("requesting API root: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(response.Body)
		return &APIError{Status: response.StatusCode, URL: c.base, Body: string(body)}
	}

	var root struct {
		Meta struct {
			Links struct {
				Me struct {
					Meta struct {
						ID string `json:"id"`
					} `json:"meta"`
				} `json:"me"`
			} `json:"links"`
		} `json:"meta"`
	}
	if err = json.NewDecoder(response.Body).Decode(&root); err != nil {
		return fmt.Errorf("decoding API root: %w", err)
	}
	if len(root.Meta.Links.Me.Meta.ID) != 36 {
		return fmt.Errorf("API root did not identify an authenticated user: %w", ErrValidation)
	}

	return nil
}

// Get reads an entity back from the target site by type and id.
func (c *Client) Get(obj *Entity) (*Entity, error) {
	if err := obj.validateID(); err != nil {
		return nil, err
	}
	entity, bundle := obj.entityAndBundle()

	request, err := http.NewRequest(http.MethodGet, c.buildURL(entity, bundle, obj.Data.ID), nil)
	if err != nil {
		return nil, fmt.Errorf("creating get request for %s: %w", obj.Data.ID, err)
	}

	return c.do(request)
}

// Post creates a new entity on the target site and returns the server's
// representation of it.
func (c *Client) Post(obj *Entity) (*Entity, error) {
	if err := obj.validate(); err != nil {
		return nil, err
	}
	entity, bundle := obj.entityAndBundle()

	payload, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", obj.Data.Type, err)
	}

	request, err := http.NewRequest(http.MethodPost, c.buildURL(entity, bundle), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating post request for %s: %w", obj.Data.Type, err)
	}
	request.Header.Set("Content-Type", contentType)

	return c.do(request)
}

// Patch updates attributes and relationships of an existing entity.
func (c *Client) Patch(obj *Entity) (*Entity, error) {
	if err := obj.validateID(); err != nil {
		return nil, err
	}
	entity, bundle := obj.entityAndBundle()

	payload, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", obj.Data.Type, err)
	}

	request, err := http.NewRequest(http.MethodPatch, c.buildURL(entity, bundle, obj.Data.ID), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating patch request for %s: %w", obj.Data.ID, err)
	}
	request.Header.Set("Content-Type", contentType)

	return c.do(request)
}

// UploadFile streams a file from disk into a file field and returns the
// created file entity.
func (c *Client) UploadFile(path, filename, entity, bundle, field string) (*Entity, error) {
	upload, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening upload %s: %w", path, err)
	}
	defer upload.Close()

	request, err := http.NewRequest(http.MethodPost, c.buildURL(entity, bundle, field), upload)
	if err != nil {
		return nil, fmt.Errorf("creating upload request for %s: %w", filename, err)
	}
	request.Header.Set("Content-Type", "application/octet-stream")
	request.Header.Set("Content-Disposition", fmt.Sprintf(`file; filename="%s"`, filename))

	return c.do(request)
}
