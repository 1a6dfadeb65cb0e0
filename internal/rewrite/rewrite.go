// Package rewrite normalizes legacy URIs and embedded links so they point at
// entities on the target site.
package rewrite

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/cu-library/nineateseven/internal/registry"
)

// NotFoundTarget is substituted for internal links whose legacy node was
// never migrated. The target site renders it as a visible broken link, which
// is easier to find after the fact than a silently dropped one.
const NotFoundTarget = "internal:/node/fourohfour"

const proxyHost = "proxy.library.carleton.ca"

var hrefPattern = regexp.MustCompile(`href="([^"]+)"`)

// Rewriter rewrites legacy-site URIs to the target site's internal-link
// syntax, resolving legacy node identifiers through the registry.
type Rewriter struct {
	reg      *registry.Registry
	baseURL  string
	logger   *slog.Logger
	warnings []string
}

// New returns a Rewriter for a legacy site at baseURL (no trailing slash).
func New(reg *registry.Registry, baseURL string, logger *slog.Logger) *Rewriter {
	return &Rewriter{
		reg:     reg,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// URI rewrites one legacy URI. origin is the legacy identifier of the record
// the URI was found in, used only in warnings. Unrecognized URIs are
// returned unchanged, and the function is idempotent: rewritten output never
// matches any rule again.
func (r *Rewriter) URI(uri string, origin int64) string {
	// Normalize all internal links to the canonical external form first.
	if strings.HasPrefix(uri, "node/") {
		uri = r.baseURL + "/" + uri
	}
	if strings.HasPrefix(uri, "/node/") {
		uri = r.baseURL + uri
	}
	if nid, ok := nodeID(uri, r.baseURL+"/node/"); ok {
		ref, err := r.reg.Resolve(registry.KindNode, nid)
		if errors.Is(err, registry.ErrUnknownReference) {
			r.warn(fmt.Sprintf("unable to find a target node for %d in %d", nid, origin))
			return NotFoundTarget
		}
		return "internal:/node/" + strconv.FormatInt(ref.InternalID, 10)
	}

	// Ensure all links to the proxy are https.
	if strings.HasPrefix(uri, proxyHost) {
		uri = "https://" + uri
	}
	// The proxy takes its destination in the qurl parameter now.
	if strings.HasPrefix(uri, "https://"+proxyHost+"/login?url=") {
		uri = strings.Replace(uri, "url", "qurl", 1)
	}

	// Help pages moved but kept their paths.
	if strings.HasPrefix(uri, "help/") {
		uri = "internal:/" + uri
	}
	if strings.HasPrefix(uri, "/help/") {
		uri = "internal:/" + uri[1:]
	}

	return uri
}

// Text passes every href attribute in a rich-text value through URI.
func (r *Rewriter) Text(value string, origin int64) string {
	return hrefPattern.ReplaceAllStringFunc(value, func(match string) string {
		href := hrefPattern.FindStringSubmatch(match)[1]
		return `href="` + r.URI(href, origin) + `"`
	})
}

// Warnings returns every warning recorded so far, in order.
func (r *Rewriter) Warnings() []string {
	return r.warnings
}

func (r *Rewriter) warn(message string) {
	r.warnings = append(r.warnings, message)
	if r.logger != nil {
		r.logger.Warn(message)
	}
}

// nodeID extracts the numeric identifier from a canonical node URI. URIs
// under the node prefix with a non-numeric tail (edit links, revision
// listings) are not internal links and are left alone.
func nodeID(uri, prefix string) (int64, bool) {
	if !strings.HasPrefix(uri, prefix) {
		return 0, false
	}
	tail := strings.TrimSuffix(strings.TrimPrefix(uri, prefix), "/")
	nid, err := strconv.ParseInt(tail, 10, 64)
	if err != nil {
		return 0, false
	}
	return nid, true
}
