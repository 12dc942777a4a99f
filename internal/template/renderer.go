// Package template renders bundled session output into a complete,
// self-contained HTML document.
package template

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
)

// mountContainerID matches the container the bundled script mounts into.
const mountContainerID = "embed"

// renderWatchdogDelayMS is how long the inline reporter waits before
// declaring the mount container silently failed.
const renderWatchdogDelayMS = 5000

// Page is a render request. Script and Stylesheet are trusted pre-built
// output and inlined verbatim; HTML is the session markup fragment,
// also inlined verbatim; the title derived from CodeSpace is
// entity-escaped. ImportMap is only set when bundling was skipped and
// the delivery environment resolves raw ES-module imports itself.
type Page struct {
	Script     string
	Stylesheet string
	HTML       string
	CodeSpace  string
	ImportMap  map[string]string
}

// Render produces the full document text.
func Render(page Page) string {
	var doc strings.Builder

	doc.WriteString("<!doctype html>\n<html lang=\"en\">\n<head>\n")
	doc.WriteString("<meta charset=\"utf-8\">\n")
	doc.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	doc.WriteString("<meta http-equiv=\"Content-Security-Policy\" content=\"default-src 'self' 'unsafe-inline' 'unsafe-eval' data: blob: https:; connect-src https: wss:;\">\n")
	fmt.Fprintf(&doc, "<title>%s</title>\n", html.EscapeString(page.CodeSpace))

	if len(page.ImportMap) > 0 {
		doc.WriteString("<script type=\"importmap\">\n")
		doc.WriteString(importMapJSON(page.ImportMap))
		doc.WriteString("\n</script>\n")
	}

	if page.Stylesheet != "" {
		doc.WriteString("<style>\n")
		doc.WriteString(page.Stylesheet)
		doc.WriteString("\n</style>\n")
	}

	doc.WriteString(errorReporterSnippet)
	doc.WriteString("</head>\n<body>\n")

	fmt.Fprintf(&doc, "<div id=%q>%s</div>\n", mountContainerID, page.HTML)

	if page.Script != "" {
		doc.WriteString("<script type=\"module\">\n")
		doc.WriteString(page.Script)
		doc.WriteString("\n</script>\n")
	}

	doc.WriteString("</body>\n</html>\n")
	return doc.String()
}

func importMapJSON(entries map[string]string) string {
	payload := struct {
		Imports map[string]string `json:"imports"`
	}{Imports: entries}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return `{"imports":{}}`
	}
	return string(encoded)
}

// errorReporterSnippet forwards the first runtime error (or a render
// timeout) to the parent embedding context, so it can distinguish
// "still loading" from "silently failed to mount".
var errorReporterSnippet = fmt.Sprintf(`<script>
(function () {
  var reported = false;
  function report(kind, message) {
    if (reported) return;
    reported = true;
    if (window.parent && window.parent !== window) {
      window.parent.postMessage({ type: "render-error", kind: kind, message: String(message) }, "*");
    }
  }
  window.addEventListener("error", function (event) {
    report("error", event.message || event.error);
  });
  window.addEventListener("unhandledrejection", function (event) {
    report("unhandledrejection", event.reason);
  });
  setTimeout(function () {
    var container = document.getElementById(%q);
    if (container && container.childNodes.length === 0) {
      report("render-timeout", "mount container still empty after %dms");
    }
  }, %d);
})();
</script>
`, mountContainerID, renderWatchdogDelayMS, renderWatchdogDelayMS)
