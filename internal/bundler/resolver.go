package bundler

import (
	"net/url"
	"strings"
)

const localComponentPrefix = "/live/"

// ResolverConfig controls how import specifiers are mapped to
// fetchable URLs.
type ResolverConfig struct {
	// ImportMap maps bare specifiers to explicit target URLs. Entries
	// here win over the package host rewrite.
	ImportMap map[string]string
	// PackageHost serves bare specifiers with no import-map entry,
	// e.g. "https://esm.sh".
	PackageHost string
	// LocalOrigin serves specifiers under the reserved /live/ prefix.
	LocalOrigin string
	// SharedDependencyPins is the comma-joined deps list attached to
	// every package-host URL so only one copy of the core UI framework
	// is ever loaded.
	SharedDependencyPins string
}

func defaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		ImportMap: map[string]string{
			"react":                    "https://esm.sh/react@18.3.1?bundle",
			"react-dom":                "https://esm.sh/react-dom@18.3.1?bundle&deps=react@18.3.1",
			"react-dom/client":         "https://esm.sh/react-dom@18.3.1/client?bundle&deps=react@18.3.1",
			"@emotion/react":           "https://esm.sh/@emotion/react@11.13.0?bundle&deps=react@18.3.1",
			"@emotion/react/jsx-runtime": "https://esm.sh/@emotion/react@11.13.0/jsx-runtime?bundle&deps=react@18.3.1",
		},
		PackageHost:          "https://esm.sh",
		LocalOrigin:          "https://sparkpad.dev",
		SharedDependencyPins: "react@18.3.1,react-dom@18.3.1",
	}
}

type resolver struct {
	config ResolverConfig
}

// resolve maps an import specifier to a fetchable URL. The second
// return value is false when the specifier should be left to the
// toolchain's default resolution (relative paths in non-remote
// modules).
func (r *resolver) resolve(specifier, importer string) (string, bool) {
	if isRemoteURL(specifier) {
		return specifier, true
	}

	if target, ok := r.config.ImportMap[specifier]; ok {
		return target, true
	}

	if strings.HasPrefix(specifier, localComponentPrefix) {
		return strings.TrimRight(r.config.LocalOrigin, "/") + specifier, true
	}

	if strings.HasPrefix(specifier, ".") {
		if isRemoteURL(importer) {
			if resolved, ok := resolveAgainst(importer, specifier); ok {
				return resolved, true
			}
		}
		return "", false
	}

	// Bare specifier with no map entry: route through the package host
	// with sub-dependency bundling and the shared framework pin.
	escaped := (&url.URL{Path: "/" + specifier}).EscapedPath()
	target := strings.TrimRight(r.config.PackageHost, "/") + escaped + "?bundle"
	if r.config.SharedDependencyPins != "" {
		target += "&deps=" + url.QueryEscape(r.config.SharedDependencyPins)
	}
	return target, true
}

func isRemoteURL(value string) bool {
	return strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://")
}

// resolveAgainst resolves a relative specifier against the URL of the
// module that imported it.
func resolveAgainst(baseURL, specifier string) (string, bool) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", false
	}
	ref, err := url.Parse(specifier)
	if err != nil {
		return "", false
	}
	return base.ResolveReference(ref).String(), true
}
