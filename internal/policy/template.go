package policy

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// restrictedFuncs are sprig helpers that reach the process environment or
// filesystem. Rule targets never need them.
var restrictedFuncs = []string{
	"env",
	"expandenv",
	"readDir",
	"mustReadDir",
	"readFile",
	"mustReadFile",
	"glob",
}

// Renderer compiles rule target templates with the sprig text helpers.
type Renderer struct {
	funcs template.FuncMap
}

func NewRenderer() *Renderer {
	funcs := sprig.TxtFuncMap()
	for _, name := range restrictedFuncs {
		delete(funcs, name)
	}
	return &Renderer{funcs: funcs}
}

// TargetData is what a target template can reference.
type TargetData struct {
	Site     string
	Path     string
	Segments []string
}

func newTargetData(siteName, requestPath string) TargetData {
	trimmed := strings.Trim(requestPath, "/")
	var segments []string
	if trimmed != "" {
		segments = strings.Split(trimmed, "/")
	}
	return TargetData{Site: siteName, Path: requestPath, Segments: segments}
}

// Template is a compiled target. Templates are safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// Compile parses source. A blank source compiles to nil.
func (r *Renderer) Compile(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("policy: compile target %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// Render executes the template and trims surrounding whitespace.
func (t *Template) Render(data TargetData) (string, error) {
	if t == nil {
		return "", errors.New("policy: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("policy: render target %q: %w", t.name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
