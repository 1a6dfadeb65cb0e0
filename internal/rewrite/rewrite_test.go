package rewrite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cu-library/nineateseven/internal/registry"
)

const base = "https://example.org"

func newRewriter(t *testing.T) *Rewriter {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(registry.KindNode, 42, registry.Ref{
		Type:       "node--page",
		ID:         "abc",
		InternalID: 7,
	}))
	return New(reg, base, nil)
}

func TestURI(t *testing.T) {
	r := newRewriter(t)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"registered absolute", "https://example.org/node/42", "internal:/node/7"},
		{"registered trailing slash", "https://example.org/node/42/", "internal:/node/7"},
		{"registered site relative", "/node/42", "internal:/node/7"},
		{"registered bare", "node/42", "internal:/node/7"},
		{"unregistered", "https://example.org/node/999", NotFoundTarget},
		{"non-numeric tail", "https://example.org/node/42/edit", "https://example.org/node/42/edit"},
		{"proxy scheme forced", "proxy.library.carleton.ca/login?url=https://jstor.org", "https://proxy.library.carleton.ca/login?qurl=https://jstor.org"},
		{"proxy param renamed", "https://proxy.library.carleton.ca/login?url=https://jstor.org", "https://proxy.library.carleton.ca/login?qurl=https://jstor.org"},
		{"help relative", "help/printing", "internal:/help/printing"},
		{"help rooted", "/help/printing", "internal:/help/printing"},
		{"external untouched", "https://www.carleton.ca/about", "https://www.carleton.ca/about"},
		{"mailto untouched", "mailto:someone@example.org", "mailto:someone@example.org"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.URI(tt.in, 1))
		})
	}
}

func TestURIIdempotent(t *testing.T) {
	r := newRewriter(t)

	inputs := []string{
		"https://example.org/node/42",
		"https://example.org/node/999",
		"node/42",
		"proxy.library.carleton.ca/login?url=https://jstor.org",
		"help/printing",
		"https://www.carleton.ca/about",
		"",
	}
	for _, in := range inputs {
		once := r.URI(in, 1)
		assert.Equal(t, once, r.URI(once, 1), "rewrite(rewrite(%q)) != rewrite(%q)", in, in)
	}
}

func TestURIWarnsOnUnknown(t *testing.T) {
	r := newRewriter(t)

	got := r.URI("https://example.org/node/999", 55)
	assert.Equal(t, NotFoundTarget, got)
	require.Len(t, r.Warnings(), 1)
	assert.Contains(t, r.Warnings()[0], "999")
	assert.Contains(t, r.Warnings()[0], "55")
}

func TestText(t *testing.T) {
	r := newRewriter(t)

	in := `<p>See <a href="/node/42">this</a> and <a href="https://www.carleton.ca">that</a>.</p>`
	want := `<p>See <a href="internal:/node/7">this</a> and <a href="https://www.carleton.ca">that</a>.</p>`
	assert.Equal(t, want, r.Text(in, 1))

	// Rich text is rewritten in place exactly once.
	assert.Equal(t, want, r.Text(want, 1))
}
