// ABOUTME: Serves embedded markdown documentation rendered to HTML.
// ABOUTME: GET /docs lists pages; GET /docs/{page} renders one.

package server

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
)

//go:embed docs/*.md
var docsFS embed.FS

var docsTemplate = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>sightglass docs</title>
<style>
body { font-family: sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; line-height: 1.5; }
pre { background: #f4f4f4; padding: 0.75rem; overflow-x: auto; }
code { background: #f4f4f4; padding: 0 0.2rem; }
nav a { margin-right: 1rem; }
</style>
</head>
<body>
<nav>{{range .Pages}}<a href="/docs/{{.}}">{{.}}</a>{{end}}</nav>
{{.Content}}
</body>
</html>`))

func (s *Server) registerDocsRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /docs", s.handleDocs)
	mux.HandleFunc("GET /docs/{page}", s.handleDocs)
}

// docPages lists embedded page slugs, sorted.
func docPages() []string {
	entries, err := docsFS.ReadDir("docs")
	if err != nil {
		return nil
	}
	pages := make([]string, 0, len(entries))
	for _, e := range entries {
		pages = append(pages, strings.TrimSuffix(e.Name(), ".md"))
	}
	sort.Strings(pages)
	return pages
}

// handleDocs renders one documentation page to HTML.
func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	page := r.PathValue("page")
	if page == "" {
		page = "overview"
	}
	if strings.Contains(page, ".") || strings.Contains(page, "/") {
		http.NotFound(w, r)
		return
	}

	mdContent, err := docsFS.ReadFile("docs/" + page + ".md")
	if err != nil {
		http.NotFound(w, r)
		return
	}

	var htmlBuf bytes.Buffer
	if err := goldmark.Convert(mdContent, &htmlBuf); err != nil {
		s.logger.Error("failed to convert markdown", "page", page, "error", err)
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}

	data := struct {
		Pages   []string
		Content template.HTML
	}{
		Pages:   docPages(),
		Content: template.HTML(htmlBuf.String()),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := docsTemplate.Execute(w, data); err != nil {
		s.logger.Error("failed to render docs page", "error", err)
	}
}
