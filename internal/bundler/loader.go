package bundler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
)

// moduleFetcher fetches remote modules for one build. The memo is
// build-scoped on purpose: a later build must never be served a stale
// dependency snapshot from an earlier one.
type moduleFetcher struct {
	client *http.Client

	mu   sync.Mutex
	memo map[string]fetchedModule
}

type fetchedModule struct {
	body        []byte
	contentType string
	finalURL    string
	failed      bool
}

func newModuleFetcher(client *http.Client) *moduleFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &moduleFetcher{
		client: client,
		memo:   make(map[string]fetchedModule),
	}
}

// fetch retrieves a URL at most once per build. Failures are memoized
// too, so a broken dependency referenced from several places costs one
// request and degrades consistently.
func (f *moduleFetcher) fetch(ctx context.Context, rawURL string) fetchedModule {
	f.mu.Lock()
	if cached, ok := f.memo[rawURL]; ok {
		f.mu.Unlock()
		return cached
	}
	f.mu.Unlock()

	fetched := f.fetchOnce(ctx, rawURL)

	f.mu.Lock()
	f.memo[rawURL] = fetched
	f.mu.Unlock()
	return fetched
}

func (f *moduleFetcher) fetchOnce(ctx context.Context, rawURL string) fetchedModule {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fetchedModule{finalURL: rawURL, failed: true}
	}

	response, err := f.client.Do(request)
	if err != nil {
		return fetchedModule{finalURL: rawURL, failed: true}
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fetchedModule{finalURL: rawURL, failed: true}
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return fetchedModule{finalURL: rawURL, failed: true}
	}

	finalURL := rawURL
	if response.Request != nil && response.Request.URL != nil {
		finalURL = response.Request.URL.String()
	}

	return fetchedModule{
		body:        body,
		contentType: response.Header.Get("Content-Type"),
		finalURL:    finalURL,
	}
}

// failedModulePlaceholder degrades a broken dependency into a comment
// so one unreachable module does not fail the whole bundle. The legal
// comment form keeps the marker visible in minified output.
func failedModulePlaceholder(rawURL string) string {
	return fmt.Sprintf("/*! failed to load: %s */\nconsole.warn(\"failed to load: %s\");\n", rawURL, rawURL)
}

// loaderFor selects the esbuild loader from the response content type
// first, falling back to extension sniffing on the URL.
func loaderFor(contentType, rawURL string) api.Loader {
	mediaType := contentType
	if idx := strings.Index(mediaType, ";"); idx >= 0 {
		mediaType = mediaType[:idx]
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))

	switch {
	case mediaType == "text/css":
		return api.LoaderCSS
	case mediaType == "application/json":
		return api.LoaderJSON
	case mediaType == "application/typescript" || mediaType == "text/typescript":
		return api.LoaderTS
	case mediaType == "application/javascript" || mediaType == "text/javascript" ||
		mediaType == "application/ecmascript":
		return api.LoaderJS
	case strings.HasPrefix(mediaType, "font/") || mediaType == "application/octet-stream" ||
		strings.HasPrefix(mediaType, "image/"):
		return api.LoaderBinary
	}

	path := rawURL
	if idx := strings.IndexAny(path, "?#"); idx >= 0 {
		path = path[:idx]
	}
	switch {
	case strings.HasSuffix(path, ".css"):
		return api.LoaderCSS
	case strings.HasSuffix(path, ".json"):
		return api.LoaderJSON
	case strings.HasSuffix(path, ".ts") || strings.HasSuffix(path, ".tsx"):
		return api.LoaderTS
	case strings.HasSuffix(path, ".woff") || strings.HasSuffix(path, ".woff2") ||
		strings.HasSuffix(path, ".ttf") || strings.HasSuffix(path, ".otf") ||
		strings.HasSuffix(path, ".eot"):
		return api.LoaderBinary
	}
	return api.LoaderJS
}
