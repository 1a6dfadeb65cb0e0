package legacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRowValue(t *testing.T) {
	row := Row{"body_value": "hello", "body_format": "2"}

	assert.Equal(t, "hello", row.Value("body_value"))
	assert.Equal(t, "", row.Value("body_summary"), "absent columns read as empty")
}

func TestRowInt(t *testing.T) {
	row := Row{"delta": "3", "field_fid": "not a number"}

	assert.Equal(t, int64(3), row.Int("delta"))
	assert.Equal(t, int64(0), row.Int("field_fid"))
	assert.Equal(t, int64(0), row.Int("missing"))
}

func TestTermsQueryUsesDrupal7Tables(t *testing.T) {
	assert.Contains(t, termsQuery, "taxonomy_term_data")
	assert.Contains(t, termsQuery, "taxonomy_term_hierarchy")
	assert.Contains(t, termsQuery, "taxonomy_vocabulary")
}

func TestFieldNamePattern(t *testing.T) {
	assert.True(t, fieldNamePattern.MatchString("field_key_resources"))
	assert.True(t, fieldNamePattern.MatchString("body"))
	assert.False(t, fieldNamePattern.MatchString("body; DROP TABLE node"))
	assert.False(t, fieldNamePattern.MatchString(""))
	assert.False(t, fieldNamePattern.MatchString("Body"))
}
