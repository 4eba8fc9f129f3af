package web

import (
	"bytes"
	_ "embed"
	"log/slog"
	"net/http"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	goldmarkHTML "github.com/yuin/goldmark/renderer/html"
)

//go:embed docs/api.md
var apiMarkdown []byte

// mdRenderer escapes raw HTML in the source (WithUnsafe is not set).
var mdRenderer = goldmark.New(
	goldmark.WithExtensions(extension.Table),
	goldmark.WithRendererOptions(
		goldmarkHTML.WithXHTML(),
	),
)

const docsHead = `<!DOCTYPE html>
<html lang="en"><head><meta charset="utf-8"><title>idemgate API</title>
<style>body{font-family:system-ui,sans-serif;max-width:52rem;margin:2rem auto;padding:0 1rem;line-height:1.5}
code,pre{background:#f4f4f4;border-radius:3px}pre{padding:.75rem;overflow-x:auto}
table{border-collapse:collapse}td,th{border:1px solid #ccc;padding:.25rem .5rem}</style>
</head><body>
`

const docsTail = "</body></html>\n"

// renderDocs converts the embedded API reference once at startup.
// POST: Returns a complete HTML page; on a render failure the page says so
func renderDocs() []byte {
	var buf bytes.Buffer
	buf.WriteString(docsHead)
	if err := mdRenderer.Convert(apiMarkdown, &buf); err != nil {
		slog.Error("docs_render_failed", "error", err)
		buf.WriteString("<p>API reference unavailable.</p>\n")
	}
	buf.WriteString(docsTail)
	return buf.Bytes()
}

// handleDocs handles GET /docs.
func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.docs)
}
