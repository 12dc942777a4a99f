package bundler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"go.uber.org/zap"
)

const (
	remoteNamespace  = "remote-module"
	mountImportPath  = localComponentPrefix + "runtime/bootstrap.mjs"
	mountContainerID = "embed"
)

// BuildError reports a build-backend failure tagged with the session it
// was building for.
type BuildError struct {
	CodeSpace string
	Message   string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("bundle %q: %s", e.CodeSpace, e.Message)
}

// Input is a bundle request: transpiled module source plus the session
// identifier, which is used only for diagnostics.
type Input struct {
	Transpiled string
	CodeSpace  string
}

// Output is the self-contained artifact: one executable script and one
// stylesheet.
type Output struct {
	Script     string `json:"script"`
	Stylesheet string `json:"stylesheet"`
}

// Config carries the dependencies of a Bundler.
type Config struct {
	Resolver   ResolverConfig
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Bundler turns transpiled session source into a runnable bundle by
// resolving its import graph, inlining stylesheets and compiling to a
// single self-executing script.
type Bundler struct {
	resolver resolver
	client   *http.Client
	logger   *zap.Logger
}

// New constructs a Bundler, filling unset resolver fields from the
// defaults.
func New(cfg Config) *Bundler {
	resolverConfig := cfg.Resolver
	defaults := defaultResolverConfig()
	if resolverConfig.ImportMap == nil {
		resolverConfig.ImportMap = defaults.ImportMap
	}
	if resolverConfig.PackageHost == "" {
		resolverConfig.PackageHost = defaults.PackageHost
	}
	if resolverConfig.LocalOrigin == "" {
		resolverConfig.LocalOrigin = defaults.LocalOrigin
	}
	if resolverConfig.SharedDependencyPins == "" {
		resolverConfig.SharedDependencyPins = defaults.SharedDependencyPins
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Bundler{
		resolver: resolver{config: resolverConfig},
		client:   cfg.HTTPClient,
		logger:   logger,
	}
}

// ImportMap exposes the configured import map for delivery paths that
// skip bundling and hand raw module resolution to the browser.
func (b *Bundler) ImportMap() map[string]string {
	copied := make(map[string]string, len(b.resolver.config.ImportMap))
	for specifier, target := range b.resolver.config.ImportMap {
		copied[specifier] = target
	}
	return copied
}

// Bundle compiles the input into a single script plus stylesheet. A
// single unreachable dependency degrades to a placeholder comment in
// the output; only a failure of the build backend itself is an error.
func (b *Bundler) Bundle(ctx context.Context, input Input) (Output, error) {
	if _, err := acquireBuildEngine(); err != nil {
		return Output{}, &BuildError{CodeSpace: input.CodeSpace, Message: err.Error()}
	}

	fetcher := newModuleFetcher(b.client)
	inliner := &styleInliner{fetcher: fetcher}
	entry := rewriteEntry(input.Transpiled)

	result := api.Build(api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   entry,
			Sourcefile: input.CodeSpace + ".js",
			Loader:     api.LoaderJS,
		},
		Bundle:            true,
		Write:             false,
		Format:            api.FormatIIFE,
		Platform:          api.PlatformBrowser,
		Target:            api.ES2020,
		MinifyWhitespace:  true,
		MinifyIdentifiers: true,
		MinifySyntax:      true,
		TreeShaking:       api.TreeShakingTrue,
		LegalComments:     api.LegalCommentsInline,
		Outdir:            "bundle",
		LogLevel:          api.LogLevelSilent,
		Plugins:           []api.Plugin{b.remoteModulePlugin(ctx, fetcher, inliner)},
	})

	if len(result.Errors) > 0 {
		message := result.Errors[0].Text
		b.logger.Error("bundle build failed",
			zap.String("code_space", input.CodeSpace),
			zap.String("message", message))
		return Output{}, &BuildError{CodeSpace: input.CodeSpace, Message: message}
	}

	var script, stylesheet strings.Builder
	for _, file := range result.OutputFiles {
		if strings.HasSuffix(file.Path, ".css") {
			stylesheet.Write(file.Contents)
			continue
		}
		script.Write(file.Contents)
	}

	return Output{
		Script:     script.String(),
		Stylesheet: stylesheet.String(),
	}, nil
}

// remoteModulePlugin routes every resolvable specifier into the remote
// namespace and serves remote loads from the build-scoped fetch memo.
func (b *Bundler) remoteModulePlugin(ctx context.Context, fetcher *moduleFetcher, inliner *styleInliner) api.Plugin {
	return api.Plugin{
		Name: "remote-modules",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: ".*"}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				resolved, ok := b.resolver.resolve(args.Path, args.Importer)
				if !ok {
					return api.OnResolveResult{}, nil
				}
				return api.OnResolveResult{Path: resolved, Namespace: remoteNamespace}, nil
			})

			build.OnLoad(api.OnLoadOptions{Filter: ".*", Namespace: remoteNamespace}, func(args api.OnLoadArgs) (api.OnLoadResult, error) {
				fetched := fetcher.fetch(ctx, args.Path)
				if fetched.failed {
					b.logger.Warn("module fetch failed, substituting placeholder",
						zap.String("url", args.Path))
					placeholder := failedModulePlaceholder(args.Path)
					return api.OnLoadResult{Contents: &placeholder, Loader: api.LoaderJS}, nil
				}

				loader := loaderFor(fetched.contentType, fetched.finalURL)
				contents := string(fetched.body)
				if loader == api.LoaderCSS {
					contents = inliner.inline(ctx, contents, fetched.finalURL, 0)
				}
				return api.OnLoadResult{Contents: &contents, Loader: loader}, nil
			})
		},
	}
}

// rewriteEntry replaces a terminal default-export statement with a
// bootstrap call that mounts the exported value into the embed
// container. Source without one, including modules with statements or
// comments after the export, is assumed to mount itself and is bundled
// unmodified.
func rewriteEntry(source string) string {
	idx := strings.LastIndex(source, "export default")
	if idx < 0 || !startsStatement(source, idx) {
		return source
	}

	expr, tail := splitAtStatementEnd(source[idx+len("export default"):])
	if strings.TrimSpace(tail) != "" {
		return source
	}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return source
	}

	var rewritten strings.Builder
	rewritten.WriteString(source[:idx])
	fmt.Fprintf(&rewritten, "import { renderToContainer } from %q;\nrenderToContainer(%s, %q);\n",
		mountImportPath, expr, mountContainerID)
	return rewritten.String()
}

// startsStatement reports whether idx sits at a statement boundary:
// the start of the source, or preceded (ignoring spaces and tabs) by a
// newline, semicolon or closing brace.
func startsStatement(source string, idx int) bool {
	for i := idx - 1; i >= 0; i-- {
		switch source[i] {
		case ' ', '\t':
			continue
		case '\n', ';', '}':
			return true
		default:
			return false
		}
	}
	return true
}

// splitAtStatementEnd splits the input at its first statement-level
// semicolon, skipping over brackets, string and template literals and
// comments. Without one the whole input is the expression.
func splitAtStatementEnd(source string) (expr, tail string) {
	depth := 0
	for i := 0; i < len(source); i++ {
		switch source[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case '\'', '"', '`':
			i = skipLiteral(source, i)
		case '/':
			if i+1 < len(source) && source[i+1] == '/' {
				i = skipPast(source, i+2, "\n")
			} else if i+1 < len(source) && source[i+1] == '*' {
				i = skipPast(source, i+2, "*/")
			}
		case ';':
			if depth == 0 {
				return source[:i], source[i+1:]
			}
		}
	}
	return source, ""
}

func skipLiteral(source string, start int) int {
	quote := source[start]
	for i := start + 1; i < len(source); i++ {
		switch source[i] {
		case '\\':
			i++
		case quote:
			return i
		}
	}
	return len(source)
}

func skipPast(source string, start int, terminator string) int {
	if end := strings.Index(source[start:], terminator); end >= 0 {
		return start + end + len(terminator) - 1
	}
	return len(source)
}
