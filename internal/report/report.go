// Package report publishes the account of a finished run: a JSON document
// on disk, a console summary, a Postgres row set and a notification.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/JakeFAU/mdscrape/internal/download"
)

// Document is a run report together with what the run was for.
type Document struct {
	Mode       string `json:"mode"`
	ResourceID int    `json:"resource_id"`
	download.RunReport
}

// Publisher consumes finished run documents.
type Publisher interface {
	Publish(ctx context.Context, doc Document) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, doc Document) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, doc Document) error {
	return f(ctx, doc)
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

// Publish fans doc out. A failing publisher does not stop the others.
func (m Multi) Publish(ctx context.Context, doc Document) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, doc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriteJSON encodes doc as indented JSON.
func WriteJSON(w io.Writer, doc Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

// FileWriter writes the document to a fixed path.
type FileWriter struct {
	path string
}

// NewFileWriter returns a FileWriter for path.
func NewFileWriter(path string) (*FileWriter, error) {
	if path == "" {
		return nil, errors.New("report path is required")
	}
	return &FileWriter{path: path}, nil
}

// Path returns the destination file.
func (w *FileWriter) Path() string {
	return w.path
}

// Publish replaces the file with doc.
func (w *FileWriter) Publish(_ context.Context, doc Document) error {
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".report-*")
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	if err := WriteJSON(tmp, doc); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close report file: %w", err)
	}
	if err := os.Rename(tmp.Name(), w.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("move report into place: %w", err)
	}
	return nil
}
