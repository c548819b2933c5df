package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles message templates with the sprig helpers. Helpers that
// read the process environment or the filesystem are removed so messages only
// see the data they are rendered with.
type Renderer struct {
	funcs template.FuncMap
}

// Template is a compiled message template. Templates are safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// NewRenderer constructs a renderer.
func NewRenderer() *Renderer {
	funcs := sprig.TxtFuncMap()
	restricted := []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	}
	for _, name := range restricted {
		delete(funcs, name)
	}
	return &Renderer{funcs: template.FuncMap(funcs)}
}

// Compile parses source. Empty sources return nil without error so optional
// templates can be skipped.
func (r *Renderer) Compile(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("notify: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// Render executes the template with data.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", fmt.Errorf("notify: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("notify: execute %q: %w", t.name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Name returns the template name.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
