// Package export renders a product document as a Markdown PRD and as a YAML
// spec file.
package export

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/muesli/reflow/wordwrap"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/vibepm/internal/requirements"
)

// File names written by [WriteFiles].
const (
	MarkdownFile = "PRD.md"
	YAMLFile     = "spec.yaml"
)

// Width is the column at which Markdown paragraphs are wrapped.
const Width = 80

const prdTemplate = `# PRD: {{.Name}}

## 1. Executive Summary
- **Version:** {{.Version}}
- **Status:** {{.Status}}

### Summary
{{wrap .Vision.Summary}}

### Goals
{{bullets .Vision.Goals}}

## 2. Target Audience & Personas
{{range $i, $p := .Personas}}{{if $i}}

{{end}}### {{$p.Name}}
{{wrap $p.Description}}{{end}}

## 3. User Stories
{{range $i, $s := .UserStories}}{{if $i}}
{{end}}- **{{$s.ID}}**: As a {{$s.AsA}}, I want to {{$s.IWantTo}}{{with $s.SoThat}}, so that {{.}}{{end}}{{end}}

## 4. Functional Requirements
{{template "requirements" .Requirements.Functional}}

## 5. Non-Functional Requirements
{{template "requirements" .Requirements.NonFunctional}}

## 6. UI/UX Requirements
{{template "requirements" .Requirements.UIUX}}

## 7. Technical Constraints
{{bullets .TechnicalConstraints}}

## 8. Milestones & Success Metrics
{{bullets .SuccessMetrics}}
{{define "requirements"}}{{range $i, $r := .}}{{if $i}}

{{end}}### {{$r.ID}}: {{$r.Title}} ({{$r.Priority}})
{{wrap $r.Description}}{{end}}{{end}}`

var prd = template.Must(template.New("prd").Funcs(template.FuncMap{
	"wrap":    wrap,
	"bullets": bullets,
}).Parse(prdTemplate))

func wrap(s string) string {
	return wordwrap.String(strings.TrimSpace(s), Width)
}

func bullets(items []string) string {
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = "- " + item
	}
	return strings.Join(lines, "\n")
}

// Markdown renders p as a product requirements document.
func Markdown(p *requirements.Product) (string, error) {
	if p == nil {
		return "", fmt.Errorf("export: nil product")
	}
	var buf strings.Builder
	if err := prd.Execute(&buf, p); err != nil {
		return "", fmt.Errorf("export: render markdown: %w", err)
	}
	return strings.TrimSpace(buf.String()) + "\n", nil
}

// YAML encodes p as a YAML document with two-space indentation.
func YAML(p *requirements.Product) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("export: nil product")
	}
	doc := *p
	doc.Normalize()

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("export: encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("export: encode yaml: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFiles writes [MarkdownFile] and [YAMLFile] for p into dir, creating
// dir when needed. It returns the paths written.
func WriteFiles(dir string, p *requirements.Product) ([]string, error) {
	md, err := Markdown(p)
	if err != nil {
		return nil, err
	}
	y, err := YAML(p)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("export: create %s: %w", dir, err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{MarkdownFile, []byte(md)},
		{YAMLFile, y},
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, f.data, 0o644); err != nil {
			return paths, fmt.Errorf("export: write %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
