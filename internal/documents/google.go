package documents

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"google.golang.org/api/docs/v1"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// PDFMimeType is the export format used by ExportAsFile.
const PDFMimeType = "application/pdf"

// GoogleDocs is a Templater backed by Google Drive (copy, export) and
// Google Docs (placeholder replacement).
type GoogleDocs struct {
	docs     *docs.Service
	drive    *drive.Service
	copyName string
	discard  bool
}

var _ Templater = (*GoogleDocs)(nil)

// GoogleOpts holds configuration for GoogleDocs.
type GoogleOpts struct {
	CredentialsFile string
	CopyName        string
	// DiscardAfterExport deletes the copied document once exported.
	DiscardAfterExport bool
	DocsOptions        []option.ClientOption
	DriveOptions       []option.ClientOption
}

// GoogleOption defines a function that configures GoogleOpts.
type GoogleOption func(*GoogleOpts)

// WithCredentialsFile authenticates with a service account key file.
// Without it application default credentials are used.
func WithCredentialsFile(path string) GoogleOption {
	return func(o *GoogleOpts) { o.CredentialsFile = path }
}

// WithCopyName sets the title given to documents copied from the template.
func WithCopyName(name string) GoogleOption {
	return func(o *GoogleOpts) { o.CopyName = name }
}

// WithDiscardAfterExport deletes each copy after a successful export.
func WithDiscardAfterExport(discard bool) GoogleOption {
	return func(o *GoogleOpts) { o.DiscardAfterExport = discard }
}

// WithDocsClientOptions appends client options for the Docs API.
func WithDocsClientOptions(opts ...option.ClientOption) GoogleOption {
	return func(o *GoogleOpts) { o.DocsOptions = append(o.DocsOptions, opts...) }
}

// WithDriveClientOptions appends client options for the Drive API.
func WithDriveClientOptions(opts ...option.ClientOption) GoogleOption {
	return func(o *GoogleOpts) { o.DriveOptions = append(o.DriveOptions, opts...) }
}

// NewGoogleDocs creates the Docs and Drive clients.
func NewGoogleDocs(ctx context.Context, opts ...GoogleOption) (*GoogleDocs, error) {
	cfg := GoogleOpts{CopyName: "Morning journal"}
	for _, opt := range opts {
		opt(&cfg)
	}

	common := []option.ClientOption{option.WithScopes(docs.DocumentsScope, drive.DriveScope)}
	if cfg.CredentialsFile != "" {
		common = append(common, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	docsSvc, err := docs.NewService(ctx, append(common, cfg.DocsOptions...)...)
	if err != nil {
		slog.Error("GoogleDocs: failed to create docs client", "error", err)
		return nil, fmt.Errorf("failed to create docs client: %w", err)
	}
	driveSvc, err := drive.NewService(ctx, append(common, cfg.DriveOptions...)...)
	if err != nil {
		slog.Error("GoogleDocs: failed to create drive client", "error", err)
		return nil, fmt.Errorf("failed to create drive client: %w", err)
	}
	slog.Debug("GoogleDocs created", "credentialsFile", cfg.CredentialsFile != "", "discardAfterExport", cfg.DiscardAfterExport)
	return &GoogleDocs{docs: docsSvc, drive: driveSvc, copyName: cfg.CopyName, discard: cfg.DiscardAfterExport}, nil
}

// CreateFromTemplate copies the template document and returns the copy's id.
func (g *GoogleDocs) CreateFromTemplate(ctx context.Context, templateID string) (Handle, error) {
	if templateID == "" {
		return "", ErrEmptyTemplateID
	}
	f, err := g.drive.Files.Copy(templateID, &drive.File{Name: g.copyName}).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		slog.Error("GoogleDocs.CreateFromTemplate: copy failed", "error", err, "templateID", templateID)
		return "", fmt.Errorf("failed to copy template %s: %w", templateID, err)
	}
	if f.Id == "" {
		return "", fmt.Errorf("copy of template %s returned no document id", templateID)
	}
	slog.Debug("GoogleDocs.CreateFromTemplate: document created", "templateID", templateID, "docID", f.Id)
	return Handle(f.Id), nil
}

// FillField replaces every {name} placeholder with value. A template without
// the placeholder yields ErrPlaceholderNotFound.
func (g *GoogleDocs) FillField(ctx context.Context, h Handle, name, value string) error {
	req := &docs.BatchUpdateDocumentRequest{
		Requests: []*docs.Request{{
			ReplaceAllText: &docs.ReplaceAllTextRequest{
				ContainsText: &docs.SubstringMatchCriteria{
					Text:      Placeholder(name),
					MatchCase: true,
				},
				ReplaceText:     value,
				ForceSendFields: []string{"ReplaceText"},
			},
		}},
	}
	resp, err := g.docs.Documents.BatchUpdate(string(h), req).Context(ctx).Do()
	if err != nil {
		slog.Error("GoogleDocs.FillField: batch update failed", "error", err, "docID", h, "field", name)
		return fmt.Errorf("failed to fill field %s: %w", name, err)
	}
	var changed int64
	if len(resp.Replies) > 0 && resp.Replies[0].ReplaceAllText != nil {
		changed = resp.Replies[0].ReplaceAllText.OccurrencesChanged
	}
	if changed == 0 {
		return fmt.Errorf("%w: %s", ErrPlaceholderNotFound, Placeholder(name))
	}
	return nil
}

// ExportAsFile downloads the document as PDF to path, creating parent directories.
func (g *GoogleDocs) ExportAsFile(ctx context.Context, h Handle, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	resp, err := g.drive.Files.Export(string(h), PDFMimeType).Context(ctx).Download()
	if err != nil {
		slog.Error("GoogleDocs.ExportAsFile: export failed", "error", err, "docID", h)
		return fmt.Errorf("failed to export document %s: %w", h, err)
	}
	defer resp.Body.Close()

	if err := writeFile(path, resp.Body); err != nil {
		slog.Error("GoogleDocs.ExportAsFile: write failed", "error", err, "path", path)
		return err
	}
	slog.Debug("GoogleDocs.ExportAsFile: document exported", "docID", h, "path", path)

	if g.discard {
		if err := g.drive.Files.Delete(string(h)).SupportsAllDrives(true).Context(ctx).Do(); err != nil {
			slog.Warn("GoogleDocs.ExportAsFile: failed to delete copy", "error", err, "docID", h)
		}
	}
	return nil
}

// writeFile writes r to a temp file next to path and renames it into place.
func writeFile(path string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close export: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move export into place: %w", err)
	}
	return nil
}
