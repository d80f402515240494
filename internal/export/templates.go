package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var handoutTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/handout.html")
	if err != nil {
		// Fallback to the built-in template if the file is missing.
		handoutTemplate = template.Must(template.New("handout").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}
	handoutTemplate = template.Must(template.New("handout").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for handout template rendering.
type TemplateData struct {
	RoomName    string
	GeneratedAt time.Time
	Notes       []TemplateNote
}

// TemplateNote is one rendered note section.
type TemplateNote struct {
	Title       string
	Author      string
	UpdatedAt   time.Time
	ContentHTML template.HTML
}

// RenderHandoutHTML renders the handout template with provided data.
func RenderHandoutHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := handoutTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.RoomName}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .note { page-break-inside: avoid; margin-bottom: 2rem; }
    .meta { color: #666; font-size: 0.9em; }
  </style>
</head>
<body>
  <h1>{{.RoomName}}</h1>
  <div class="meta">{{formatDate .GeneratedAt "Jan 2, 2006"}}</div>
  {{range .Notes}}
  <div class="note">
    <h2>{{.Title}}</h2>
    <div class="meta">{{.Author}} | {{formatDate .UpdatedAt "Jan 2, 2006"}}</div>
    <div>{{.ContentHTML}}</div>
  </div>
  {{end}}
</body>
</html>`
