package migrate

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cu-library/nineateseven/internal/config"
	"github.com/cu-library/nineateseven/internal/drupal"
	"github.com/cu-library/nineateseven/internal/legacy"
	"github.com/cu-library/nineateseven/internal/registry"
)

// fakeStore serves canned legacy rows to the driver.
type fakeStore struct {
	nodes     map[string][]legacy.Node
	nodeTypes map[int64]string
	fieldRows map[string]map[int64][]legacy.Row
	aliases   map[int64]string
	terms     map[string][]legacy.Term
	books     map[int64][]int64
	subpages  map[int64][]legacy.Subpage
	pairs     map[int64]int64
	files     map[int64][2]string
}

func (s *fakeStore) NodesByBundle(bundle string) ([]legacy.Node, error) {
	return s.nodes[bundle], nil
}

func (s *fakeStore) NodeType(nid int64) (string, error) {
	if t, ok := s.nodeTypes[nid]; ok {
		return t, nil
	}
	return "", fmt.Errorf("no node %d", nid)
}

func (s *fakeStore) ChangedAfter(nid int64, cutoff time.Time) (bool, error) {
	for _, nodes := range s.nodes {
		for _, node := range nodes {
			if node.NID == nid {
				return time.Unix(node.Changed, 0).After(cutoff), nil
			}
		}
	}
	return false, nil
}

func (s *fakeStore) FieldRows(fieldname string, entityID int64) ([]legacy.Row, error) {
	return s.fieldRows[fieldname][entityID], nil
}

func (s *fakeStore) PathAlias(nid int64) (string, error) {
	return s.aliases[nid], nil
}

func (s *fakeStore) FilePath(fid int64) (string, string, error) {
	file, ok := s.files[fid]
	if !ok {
		return "", "", fmt.Errorf("no file %d", fid)
	}
	return file[0], file[1], nil
}

func (s *fakeStore) BookNodeIDs(bid int64) ([]int64, error) {
	return s.books[bid], nil
}

func (s *fakeStore) Subpages(nid int64) ([]legacy.Subpage, error) {
	return s.subpages[nid], nil
}

func (s *fakeStore) Terms(vocabulary string) ([]legacy.Term, error) {
	return s.terms[vocabulary], nil
}

func (s *fakeStore) DetailedGuidePairs() (map[int64]int64, error) {
	if s.pairs == nil {
		return map[int64]int64{}, nil
	}
	return s.pairs, nil
}

// apiCall is one request the fake target site received.
type apiCall struct {
	method string
	path   string
	body   drupal.Entity
}

// fakeAPI is an httptest JSON:API endpoint that creates entities with
// incrementing internal identifiers and records every call.
type fakeAPI struct {
	server *httptest.Server
	calls  []apiCall
	nextID int64
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{}
	api.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := apiCall{method: r.Method, path: r.URL.Path}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &call.body)
		api.calls = append(api.calls, call)

		switch r.Method {
		case http.MethodPost:
			api.nextID++
			response := drupal.Entity{Data: drupal.Resource{
				Type: call.body.Data.Type,
				ID:   uuid.NewString(),
				Attributes: map[string]interface{}{
					"drupal_internal__nid":         api.nextID,
					"drupal_internal__tid":         api.nextID,
					"drupal_internal__revision_id": api.nextID + 1000,
				},
			}}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(response)
		case http.MethodPatch:
			_ = json.NewEncoder(w).Encode(call.body)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(api.server.Close)
	return api
}

func (a *fakeAPI) callsTo(method string) []apiCall {
	var matched []apiCall
	for _, call := range a.calls {
		if call.method == method {
			matched = append(matched, call)
		}
	}
	return matched
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pageMapping() *config.Mapping {
	return &config.Mapping{
		BaseURL: "https://example.org",
		Users:   map[int64]string{5: "6ba7b812-9dad-11d1-80b4-00c04fd430c8"},
		TextFormats: map[string]string{
			"1": "basic_html",
			"2": "full_html",
		},
		Order: []string{"page"},
		Bundles: map[string]*config.Bundle{
			"page": {
				TargetType: "node--page",
				Fields: []config.FieldSpec{
					{Target: "body", Source: "body", Shape: "text_with_summary"},
				},
			},
		},
	}
}

func TestRunCreatesThenPatches(t *testing.T) {
	api := newFakeAPI(t)
	store := &fakeStore{
		nodes: map[string][]legacy.Node{
			"page": {{NID: 42, Title: " A Page ", Status: true, Created: 1600000000, UID: 5}},
		},
		aliases: map[int64]string{42: "/about"},
		fieldRows: map[string]map[int64][]legacy.Row{
			"body": {42: {{
				"delta":        "0",
				"body_value":   `<a href="/node/42">self</a>`,
				"body_summary": "",
				"body_format":  "2",
			}}},
		},
	}

	driver := New(store, drupal.NewClient(api.server.URL, "u", "p"), pageMapping(), testLogger())
	require.NoError(t, driver.Run([]string{"page"}))

	posts := api.callsTo(http.MethodPost)
	require.Len(t, posts, 1)
	assert.Equal(t, "/node/page", posts[0].path)
	assert.Equal(t, "A Page", posts[0].body.Data.Attributes["title"])
	assert.Equal(t, true, posts[0].body.Data.Attributes["status"])
	assert.Equal(t, "2020-09-13T12:26:40Z", posts[0].body.Data.Attributes["created"])
	assert.Equal(t, map[string]interface{}{"alias": "/about"}, posts[0].body.Data.Attributes["path"])

	patches := api.callsTo(http.MethodPatch)
	require.Len(t, patches, 1)
	body := patches[0].body.Data.Attributes["body"].([]interface{})[0].(map[string]interface{})
	// The create registered nid 42, so the field phase can rewrite the
	// self-referencing link to the new internal identifier.
	assert.Equal(t, `<a href="internal:/node/1">self</a>`, body["value"])
	assert.Equal(t, "full_html", body["format"])

	assert.Equal(t, "node--page", driver.NewNodes()[42].Type)
	assert.Equal(t, Done, driver.Statuses()[42])
}

func TestRunSkipsEmptyPatch(t *testing.T) {
	api := newFakeAPI(t)
	store := &fakeStore{
		nodes: map[string][]legacy.Node{
			"page": {{NID: 42, Title: "No fields", Status: true, UID: 5}},
		},
	}

	driver := New(store, drupal.NewClient(api.server.URL, "u", "p"), pageMapping(), testLogger())
	require.NoError(t, driver.Run([]string{"page"}))

	assert.Len(t, api.callsTo(http.MethodPost), 1)
	assert.Empty(t, api.callsTo(http.MethodPatch), "empty update must not reach the network")
}

func TestRunSkipsCarriedOverRecords(t *testing.T) {
	api := newFakeAPI(t)
	store := &fakeStore{
		nodes: map[string][]legacy.Node{
			"page": {{NID: 42, Title: "Already there", UID: 5}},
		},
	}

	mapping := pageMapping()
	driver := New(store, drupal.NewClient(api.server.URL, "u", "p"), mapping, testLogger())
	require.NoError(t, driver.Registry().Register(registry.KindNode, 42, registry.Ref{
		Type:       "node--page",
		ID:         "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		InternalID: 7,
	}))

	require.NoError(t, driver.Run([]string{"page"}))
	assert.Empty(t, api.calls, "a carried-over record must cause no API traffic")
	assert.Empty(t, driver.NewNodes())
	assert.Equal(t, Skipped, driver.Statuses()[42])
}

func TestRunUnknownBundle(t *testing.T) {
	api := newFakeAPI(t)
	driver := New(&fakeStore{}, drupal.NewClient(api.server.URL, "u", "p"), pageMapping(), testLogger())
	assert.Error(t, driver.Run([]string{"nope"}))
}

func TestRunRecencyCutoff(t *testing.T) {
	api := newFakeAPI(t)
	store := &fakeStore{
		nodes: map[string][]legacy.Node{
			"page": {
				{NID: 1, Title: "Old", Changed: time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC).Unix(), UID: 5},
				{NID: 2, Title: "New", Changed: time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC).Unix(), UID: 5},
			},
		},
	}

	mapping := pageMapping()
	require.NoError(t, mapping.Bundles["page"].SetCutoff("2020-01-01"))

	driver := New(store, drupal.NewClient(api.server.URL, "u", "p"), mapping, testLogger())
	require.NoError(t, driver.Run([]string{"page"}))

	posts := api.callsTo(http.MethodPost)
	require.Len(t, posts, 1)
	assert.Equal(t, "New", posts[0].body.Data.Attributes["title"])
}

func TestRunSkipsSubpagesOfExcludedBookRoot(t *testing.T) {
	api := newFakeAPI(t)
	store := &fakeStore{
		nodes: map[string][]legacy.Node{
			"service": {{NID: 100, Title: "Root", UID: 5}},
			"book":    {{NID: 101, Title: "Subpage", UID: 5}},
		},
		books: map[int64][]int64{100: {100, 101}},
	}

	mapping := pageMapping()
	mapping.Order = []string{"service"}
	mapping.Bundles = map[string]*config.Bundle{
		"service": {
			TargetType:   "node--service",
			IncludeBooks: true,
			Exclude:      []int64{100},
		},
	}

	driver := New(store, drupal.NewClient(api.server.URL, "u", "p"), mapping, testLogger())
	require.NoError(t, driver.Run([]string{"service"}))

	assert.Empty(t, api.callsTo(http.MethodPost))
	assert.Equal(t, Skipped, driver.Statuses()[100])
	assert.Equal(t, Skipped, driver.Statuses()[101])
}

func TestRunTermHierarchy(t *testing.T) {
	api := newFakeAPI(t)
	store := &fakeStore{
		terms: map[string][]legacy.Term{
			"subject": {
				// Child listed first to force a second pass.
				{TID: 2, Name: "Canadian History", ParentTID: 1},
				{TID: 1, Name: "History"},
			},
		},
	}

	mapping := pageMapping()
	mapping.Vocabularies = map[string]string{"subject": "taxonomy_term--subject"}

	driver := New(store, drupal.NewClient(api.server.URL, "u", "p"), mapping, testLogger())
	require.NoError(t, driver.Run(nil))

	posts := api.callsTo(http.MethodPost)
	require.Len(t, posts, 2)
	assert.Equal(t, "History", posts[0].body.Data.Attributes["name"])
	assert.Equal(t, "Canadian History", posts[1].body.Data.Attributes["name"])

	// The child references its parent by the parent's new identifier.
	parentRel := posts[1].body.Data.Relationships["parent"].Data.([]interface{})[0].(map[string]interface{})
	history, err := driver.Registry().Resolve(registry.KindTerm, 1)
	require.NoError(t, err)
	assert.Equal(t, history.ID, parentRel["id"])

	assert.Len(t, driver.NewTerms(), 2)
}

func TestRunStructuralReferenceFailureAborts(t *testing.T) {
	api := newFakeAPI(t)
	store := &fakeStore{
		nodes: map[string][]legacy.Node{
			"page": {{NID: 42, Title: "Page", UID: 5}},
		},
		fieldRows: map[string]map[int64][]legacy.Row{
			"field_subject": {42: {{"delta": "0", "field_subject_tid": "404"}}},
		},
	}

	mapping := pageMapping()
	mapping.Bundles["page"].Fields = []config.FieldSpec{
		{Target: "field_subject", Source: "field_subject", Shape: "term_reference"},
	}

	driver := New(store, drupal.NewClient(api.server.URL, "u", "p"), mapping, testLogger())
	assert.Error(t, driver.Run([]string{"page"}))
}
