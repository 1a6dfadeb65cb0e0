// Package legacy reads content from the old site's MySQL database. All
// queries are read-only snapshots of one run.
package legacy

import (
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Field tables are named from static configuration, but they still end up
// interpolated into SQL, so restrict them to legal field machine names.
var fieldNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Node is one row from the node table.
type Node struct {
	NID     int64
	Title   string
	Status  bool
	Promote bool
	Sticky  bool
	Created int64
	Changed int64
	UID     int64
}

// Term is one taxonomy term, with its parent when it has one.
type Term struct {
	TID         int64
	Name        string
	Description string
	Format      string
	Weight      int64
	// ParentTID is zero for root terms.
	ParentTID int64
}

// Subpage is a child page of a legacy book, in menu order.
type Subpage struct {
	NID   int64
	Title string
}

// Row is one row from a field data table. NULL columns are absent.
type Row map[string]string

// Value returns a column's value, or the empty string when NULL or absent.
func (r Row) Value(column string) string {
	return r[column]
}

// Int returns a column parsed as an integer, or zero when it is not one.
func (r Row) Int(column string) int64 {
	n, err := strconv.ParseInt(r[column], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Store is the exclusively-owned connection to the legacy database for the
// duration of a run.
type Store struct {
	db        *sql.DB
	filesRoot string
}

// Open connects to the legacy database. filesRoot is the filesystem path
// that replaces the public:// scheme in managed file URIs.
func Open(addr, dbname, username, password, charset, filesRoot string) (*Store, error) {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = addr
	cfg.DBName = dbname
	cfg.User = username
	cfg.Passwd = password
	cfg.Params = map[string]string{"charset": charset}

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("opening legacy database %s: %w", dbname, err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to legacy database %s: %w", dbname, err)
	}

	return &Store{db: db, filesRoot: strings.TrimSuffix(filesRoot, "/") + "/"}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// NodesByBundle returns every node of one legacy content type.
func (s *Store) NodesByBundle(bundle string) ([]Node, error) {
	rows, err := s.db.Query(
		"SELECT nid, title, status, promote, sticky, created, changed, uid FROM node WHERE type = ?",
		bundle)
	if err != nil {
		return nil, fmt.Errorf("querying %s nodes: %w", bundle, err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		var status, promote, sticky int
		if err = rows.Scan(&n.NID, &n.Title, &status, &promote, &sticky, &n.Created, &n.Changed, &n.UID); err != nil {
			return nil, fmt.Errorf("scanning %s node: %w", bundle, err)
		}
		n.Status = status == 1
		n.Promote = promote == 1
		n.Sticky = sticky == 1
		nodes = append(nodes, n)
	}

	return nodes, rows.Err()
}

// NodeType returns the legacy content type of a node.
func (s *Store) NodeType(nid int64) (string, error) {
	var nodeType string
	err := s.db.QueryRow("SELECT type FROM node WHERE nid = ?", nid).Scan(&nodeType)
	if err != nil {
		return "", fmt.Errorf("loading type of node %d: %w", nid, err)
	}
	return nodeType, nil
}

// ChangedAfter reports whether a node was changed after the cutoff.
func (s *Store) ChangedAfter(nid int64, cutoff time.Time) (bool, error) {
	var changed int64
	err := s.db.QueryRow("SELECT changed FROM node WHERE nid = ?", nid).Scan(&changed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading changed time of node %d: %w", nid, err)
	}
	return time.Unix(changed, 0).After(cutoff), nil
}

// FieldRows returns the field data rows for one (entity, field) pair, in
// delta order.
func (s *Store) FieldRows(fieldname string, entityID int64) ([]Row, error) {
	if !fieldNamePattern.MatchString(fieldname) {
		return nil, fmt.Errorf("illegal field name %q", fieldname)
	}

	rows, err := s.db.Query(
		fmt.Sprintf("SELECT * FROM field_data_%s WHERE entity_id = ? ORDER BY delta", fieldname),
		entityID)
	if err != nil {
		return nil, fmt.Errorf("querying field %s of %d: %w", fieldname, entityID, err)
	}
	defer rows.Close()

	return scanRows(rows)
}

// PathAlias returns a node's URL alias with a leading slash, or the empty
// string when it has none.
func (s *Store) PathAlias(nid int64) (string, error) {
	var alias string
	err := s.db.QueryRow("SELECT alias FROM url_alias WHERE source = ?", fmt.Sprintf("node/%d", nid)).Scan(&alias)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading alias of node %d: %w", nid, err)
	}
	if !strings.HasPrefix(alias, "/") {
		alias = "/" + alias
	}
	return alias, nil
}

// FilePath returns the local path and original filename of a managed file.
// Only files under the public:// scheme can be re-uploaded.
func (s *Store) FilePath(fid int64) (path, filename string, err error) {
	var uri string
	err = s.db.QueryRow("SELECT filename, uri FROM file_managed WHERE fid = ?", fid).Scan(&filename, &uri)
	if err == sql.ErrNoRows {
		return "", "", fmt.Errorf("unable to find file path for fid %d", fid)
	}
	if err != nil {
		return "", "", fmt.Errorf("loading file %d: %w", fid, err)
	}
	if !strings.HasPrefix(uri, "public://") {
		return "", "", fmt.Errorf("refusing to send private file for fid %d", fid)
	}
	return strings.Replace(uri, "public://", s.filesRoot, 1), filename, nil
}

// BookNodeIDs returns the node ids belonging to a legacy book.
func (s *Store) BookNodeIDs(bid int64) ([]int64, error) {
	rows, err := s.db.Query("SELECT nid FROM book WHERE bid = ?", bid)
	if err != nil {
		return nil, fmt.Errorf("querying book %d: %w", bid, err)
	}
	defer rows.Close()

	var nids []int64
	for rows.Next() {
		var nid int64
		if err = rows.Scan(&nid); err != nil {
			return nil, fmt.Errorf("scanning book %d member: %w", bid, err)
		}
		nids = append(nids, nid)
	}

	return nids, rows.Err()
}

// Subpages returns the child pages of a book, excluding the root, ordered
// by their menu weight.
func (s *Store) Subpages(nid int64) ([]Subpage, error) {
	rows, err := s.db.Query(
		"SELECT node.nid, node.title "+
			"FROM book "+
			"LEFT JOIN menu_links ON book.mlid = menu_links.mlid "+
			"LEFT JOIN node ON book.nid = node.nid "+
			"WHERE book.bid = ? AND book.nid != ? "+
			"ORDER BY menu_links.weight",
		nid, nid)
	if err != nil {
		return nil, fmt.Errorf("querying subpages of %d: %w", nid, err)
	}
	defer rows.Close()

	var subpages []Subpage
	for rows.Next() {
		var p Subpage
		if err = rows.Scan(&p.NID, &p.Title); err != nil {
			return nil, fmt.Errorf("scanning subpage of %d: %w", nid, err)
		}
		subpages = append(subpages, p)
	}

	return subpages, rows.Err()
}

// Drupal 7 moved the term tables under the taxonomy_ prefix, next to
// taxonomy_vocabulary.
const termsQuery = "SELECT td.tid, td.name, td.description, td.format, td.weight, th.parent " +
	"FROM taxonomy_term_data td " +
	"JOIN taxonomy_vocabulary tv ON td.vid = tv.vid " +
	"LEFT JOIN taxonomy_term_hierarchy th ON td.tid = th.tid " +
	"WHERE tv.machine_name = ? " +
	"ORDER BY td.weight, td.name"

// Terms returns every term of a vocabulary with its parent, ordered by
// weight then name, which keeps sibling order stable across runs.
func (s *Store) Terms(vocabulary string) ([]Term, error) {
	rows, err := s.db.Query(termsQuery, vocabulary)
	if err != nil {
		return nil, fmt.Errorf("querying %s terms: %w", vocabulary, err)
	}
	defer rows.Close()

	var terms []Term
	for rows.Next() {
		var t Term
		var description, format sql.NullString
		var parent sql.NullInt64
		if err = rows.Scan(&t.TID, &t.Name, &description, &format, &t.Weight, &parent); err != nil {
			return nil, fmt.Errorf("scanning %s term: %w", vocabulary, err)
		}
		t.Description = description.String
		t.Format = format.String
		t.ParentTID = parent.Int64
		terms = append(terms, t)
	}

	return terms, rows.Err()
}

// DetailedGuidePairs maps quick subject guide nids to the detailed guide
// they link to.
func (s *Store) DetailedGuidePairs() (map[int64]int64, error) {
	rows, err := s.db.Query(
		"SELECT entity_id, field_link_to_detailed_guide_target_id " +
			"FROM field_data_field_link_to_detailed_guide")
	if err != nil {
		return nil, fmt.Errorf("querying detailed guide pairs: %w", err)
	}
	defer rows.Close()

	pairs := make(map[int64]int64)
	for rows.Next() {
		var quick, detailed int64
		if err = rows.Scan(&quick, &detailed); err != nil {
			return nil, fmt.Errorf("scanning detailed guide pair: %w", err)
		}
		pairs[quick] = detailed
	}

	return pairs, rows.Err()
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	var result []Row
	for rows.Next() {
		values := make([]sql.RawBytes, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err = rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		row := make(Row, len(columns))
		for i, column := range columns {
			if values[i] != nil {
				row[column] = string(values[i])
			}
		}
		result = append(result, row)
	}

	return result, rows.Err()
}
