// Package documents fills document templates, exports them as files and
// publishes exported files for transports that need a URL.
package documents

import (
	"context"
	"errors"
)

var (
	// ErrPlaceholderNotFound is returned by FillField when the template has no {name} placeholder.
	ErrPlaceholderNotFound = errors.New("template placeholder not found")
	// ErrEmptyTemplateID is returned by CreateFromTemplate without a template id.
	ErrEmptyTemplateID = errors.New("template id cannot be empty")
)

// Handle identifies a document created from a template.
type Handle string

// Templater creates documents from a template, fills {name} placeholders and
// exports the result to a local file.
type Templater interface {
	CreateFromTemplate(ctx context.Context, templateID string) (Handle, error)
	FillField(ctx context.Context, h Handle, name, value string) error
	ExportAsFile(ctx context.Context, h Handle, path string) error
}

// Publisher makes a local file reachable by URL.
type Publisher interface {
	Publish(ctx context.Context, path string) (string, error)
}

// Placeholder returns the template text replaced for field name.
func Placeholder(name string) string {
	return "{" + name + "}"
}
