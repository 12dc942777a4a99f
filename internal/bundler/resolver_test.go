package bundler

import (
	"strings"
	"testing"
)

func newTestResolver() *resolver {
	return &resolver{config: ResolverConfig{
		ImportMap: map[string]string{
			"react": "https://packages.example/react@18?bundle",
		},
		PackageHost:          "https://packages.example",
		LocalOrigin:          "https://origin.example",
		SharedDependencyPins: "react@18,react-dom@18",
	}}
}

func TestResolvePassesThroughAbsoluteURLs(t *testing.T) {
	res := newTestResolver()
	resolved, ok := res.resolve("https://cdn.example/lib.js", "")
	if !ok || resolved != "https://cdn.example/lib.js" {
		t.Fatalf("unexpected resolution: %q ok=%v", resolved, ok)
	}
}

func TestResolveUsesImportMapEntry(t *testing.T) {
	res := newTestResolver()
	resolved, ok := res.resolve("react", "")
	if !ok || resolved != "https://packages.example/react@18?bundle" {
		t.Fatalf("unexpected resolution: %q ok=%v", resolved, ok)
	}
}

func TestResolveRewritesLocalComponentPrefix(t *testing.T) {
	res := newTestResolver()
	resolved, ok := res.resolve("/live/runtime/bootstrap.mjs", "")
	if !ok || resolved != "https://origin.example/live/runtime/bootstrap.mjs" {
		t.Fatalf("unexpected resolution: %q ok=%v", resolved, ok)
	}
}

func TestResolveRelativeInsideRemoteModule(t *testing.T) {
	res := newTestResolver()
	resolved, ok := res.resolve("./helper.js", "https://cdn.example/pkg/index.js")
	if !ok || resolved != "https://cdn.example/pkg/helper.js" {
		t.Fatalf("unexpected resolution: %q ok=%v", resolved, ok)
	}

	resolved, ok = res.resolve("../shared/util.js", "https://cdn.example/pkg/nested/mod.js")
	if !ok || resolved != "https://cdn.example/pkg/shared/util.js" {
		t.Fatalf("unexpected resolution: %q ok=%v", resolved, ok)
	}
}

func TestResolveRelativeInLocalModuleIsLeftToToolchain(t *testing.T) {
	res := newTestResolver()
	if _, ok := res.resolve("./sibling.js", "app.js"); ok {
		t.Fatalf("expected relative specifier in non-remote module to fall through")
	}
}

func TestResolveBareSpecifierRoutesThroughPackageHost(t *testing.T) {
	res := newTestResolver()
	resolved, ok := res.resolve("lodash-es", "")
	if !ok {
		t.Fatalf("expected bare specifier to resolve")
	}
	if !strings.HasPrefix(resolved, "https://packages.example/lodash-es?bundle") {
		t.Fatalf("expected package host rewrite, got %q", resolved)
	}
	if !strings.Contains(resolved, "deps=react%4018%2Creact-dom%4018") {
		t.Fatalf("expected shared dependency pin, got %q", resolved)
	}
}

func TestResolveScopedBareSpecifier(t *testing.T) {
	res := newTestResolver()
	resolved, ok := res.resolve("@scope/pkg", "")
	if !ok {
		t.Fatalf("expected scoped specifier to resolve")
	}
	if !strings.HasPrefix(resolved, "https://packages.example/@scope/pkg?bundle") {
		t.Fatalf("unexpected scoped rewrite: %q", resolved)
	}
}
