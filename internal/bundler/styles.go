package bundler

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

// maxImportDepth bounds recursive @import expansion. Deeper imports
// (including cycles) are left unexpanded rather than risking unbounded
// recursion.
const maxImportDepth = 5

var (
	importDirectivePattern = regexp.MustCompile(`@import\s+(?:url\(\s*)?["']?([^"'()\s;]+)["']?\s*\)?\s*([^;]*);`)
	urlReferencePattern    = regexp.MustCompile(`url\(\s*["']?([^"')]+)["']?\s*\)`)
)

// styleInliner resolves @import directives and url() references inside
// stylesheet modules so the emitted bundle carries its styles (and
// fonts) with it. Fetch results are memoized per build through the
// shared moduleFetcher.
type styleInliner struct {
	fetcher *moduleFetcher
}

// inline rewrites one stylesheet: @import directives are recursively
// replaced with their processed contents, font url() references become
// base64 data URIs, and every other url() reference is rewritten to an
// absolute URL. Failed fetches degrade to inline comment markers.
func (s *styleInliner) inline(ctx context.Context, sheet, baseURL string, depth int) string {
	expanded := importDirectivePattern.ReplaceAllStringFunc(sheet, func(directive string) string {
		match := importDirectivePattern.FindStringSubmatch(directive)
		if match == nil {
			return directive
		}
		target := match[1]
		condition := strings.TrimSpace(match[2])
		if depth >= maxImportDepth {
			return directive
		}
		// layer() and supports() conditions have no wrapping-block
		// equivalent; leave those directives for the browser.
		if strings.HasPrefix(condition, "layer") || strings.HasPrefix(condition, "supports") {
			return directive
		}

		absolute := absolutize(target, baseURL)
		fetched := s.fetcher.fetch(ctx, absolute)
		if fetched.failed {
			return unresolvedMarker(absolute)
		}
		inlined := s.inline(ctx, string(fetched.body), fetched.finalURL, depth+1)
		if condition != "" {
			return fmt.Sprintf("@media %s {\n%s\n}", condition, inlined)
		}
		return inlined
	})

	return urlReferencePattern.ReplaceAllStringFunc(expanded, func(reference string) string {
		match := urlReferencePattern.FindStringSubmatch(reference)
		if match == nil {
			return reference
		}
		target := match[1]
		if strings.HasPrefix(target, "data:") {
			return reference
		}

		absolute := absolutize(target, baseURL)
		fetched := s.fetcher.fetch(ctx, absolute)
		if fetched.failed {
			return unresolvedMarker(absolute)
		}
		if isFontContentType(fetched.contentType, absolute) {
			encoded := base64.StdEncoding.EncodeToString(fetched.body)
			mediaType := mediaTypeOf(fetched.contentType)
			if mediaType == "" {
				mediaType = "font/woff2"
			}
			return fmt.Sprintf("url(data:%s;base64,%s)", mediaType, encoded)
		}
		return fmt.Sprintf("url(%s)", absolute)
	})
}

func unresolvedMarker(rawURL string) string {
	return fmt.Sprintf("/*! unresolved: %s */", rawURL)
}

func absolutize(target, baseURL string) string {
	if isRemoteURL(target) {
		return target
	}
	if resolved, ok := resolveAgainst(baseURL, target); ok {
		return resolved
	}
	return target
}

func mediaTypeOf(contentType string) string {
	mediaType := contentType
	if idx := strings.Index(mediaType, ";"); idx >= 0 {
		mediaType = mediaType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(mediaType))
}

func isFontContentType(contentType, rawURL string) bool {
	mediaType := mediaTypeOf(contentType)
	if strings.HasPrefix(mediaType, "font/") ||
		strings.HasPrefix(mediaType, "application/font") ||
		mediaType == "application/vnd.ms-fontobject" {
		return true
	}

	path := rawURL
	if idx := strings.IndexAny(path, "?#"); idx >= 0 {
		path = path[:idx]
	}
	return strings.HasSuffix(path, ".woff") || strings.HasSuffix(path, ".woff2") ||
		strings.HasSuffix(path, ".ttf") || strings.HasSuffix(path, ".otf") ||
		strings.HasSuffix(path, ".eot")
}
