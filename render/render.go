// Package render builds the template context for a packaging run and renders
// the RPM spec and systemd unit templates from it.
//
// Templates are Go text/template files named "<name>.tmpl". The defaults are
// compiled into the binary; a template directory can replace them wholesale.
package render

import (
	"bytes"
	"embed"
	"io/fs"
	"os"
	"path/filepath"
	"text/template"

	toolerrors "github.com/bibin-skaria/cosplay/internal/errors"
)

// Template names.
const (
	BaseOSSpec     = "baseos.spec"
	PackageSpec    = "package.spec"
	PackageService = "package.service"
)

const templateSuffix = ".tmpl"

//go:embed templates/*.tmpl
var defaultTemplates embed.FS

// TemplateRenderer turns a named template and a context into text. Rendering
// the same template with the same context must give the same text.
type TemplateRenderer interface {
	Render(name string, ctx Context) (string, error)
}

// SpecTemplateName picks the spec template: a package with a base declares
// a dependency on it, one built from scratch does not.
func SpecTemplateName(hasBase bool) string {
	if hasBase {
		return PackageSpec
	}
	return BaseOSSpec
}

// TextRenderer renders templates with text/template. A key referenced by a
// template but missing from the context is an error.
type TextRenderer struct {
	templates fs.FS
	dir       string
}

// NewTextRenderer loads templates from dir, or from the built-in set when
// dir is empty.
func NewTextRenderer(dir string) (*TextRenderer, error) {
	if dir == "" {
		sub, err := fs.Sub(defaultTemplates, "templates")
		if err != nil {
			return nil, err
		}
		return &TextRenderer{templates: sub}, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindConfigurationFailure, "load_templates", err, "template directory %s", dir)
	}
	if !info.IsDir() {
		return nil, toolerrors.New(toolerrors.KindConfigurationFailure, "load_templates", dir+" is not a directory")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &TextRenderer{templates: os.DirFS(abs), dir: abs}, nil
}

// Dir is the template directory, or "" for the built-in templates
func (r *TextRenderer) Dir() string {
	return r.dir
}

// Render executes the template name+".tmpl" against ctx. Keys missing from
// ctx fail the render instead of producing empty text; every failure is a
// TemplateFailure.
func (r *TextRenderer) Render(name string, ctx Context) (string, error) {
	data, err := fs.ReadFile(r.templates, name+templateSuffix)
	if err != nil {
		return "", toolerrors.Wrap(toolerrors.KindTemplateFailure, "render", err, "template %s not found", name)
	}

	tmpl, err := template.New(name).Option("missingkey=error").Parse(string(data))
	if err != nil {
		return "", toolerrors.Wrap(toolerrors.KindTemplateFailure, "render", err, "failed to parse template %s", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]interface{}(ctx)); err != nil {
		return "", toolerrors.Wrap(toolerrors.KindTemplateFailure, "render", err, "failed to render template %s", name)
	}
	return buf.String(), nil
}

// RenderFile renders name into path, creating or truncating it.
func RenderFile(r TemplateRenderer, name string, ctx Context, path string) error {
	text, err := r.Render(name, ctx)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return toolerrors.Wrap(toolerrors.KindTemplateFailure, "render", err, "failed to write %s", path)
	}
	return nil
}
