package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"go.uber.org/zap"
)

// BlobStore persists report documents.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}

// Publisher announces finished runs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notification is the message published after a report is stored.
type Notification struct {
	RunID   string  `json:"run_id"`
	Report  string  `json:"report"`
	Summary Summary `json:"summary"`
}

// WriterConfig controls where reports go.
type WriterConfig struct {
	// Prefix is prepended to object names.
	Prefix string
	// Topic receives a Notification per report; empty disables publishing.
	Topic string
}

// Writer stores report JSON and publishes a summary.
type Writer struct {
	blobs  BlobStore
	pub    Publisher
	cfg    WriterConfig
	logger *zap.Logger
}

// NewWriter builds a Writer. pub may be nil.
func NewWriter(blobs BlobStore, pub Publisher, cfg WriterConfig, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{blobs: blobs, pub: pub, cfg: cfg, logger: logger}
}

// Write stores r as name (usually FileName) and returns the object URI. A
// failed publish is logged; the stored report stands.
func (w *Writer) Write(ctx context.Context, r Report, name string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}

	object := name
	if w.cfg.Prefix != "" {
		object = path.Join(w.cfg.Prefix, name)
	}
	uri, err := w.blobs.PutObject(ctx, object, "application/json", &buf)
	if err != nil {
		return "", fmt.Errorf("store report: %w", err)
	}
	w.logger.Info("report stored", zap.String("uri", uri), zap.String("run_id", r.RunID))

	if w.pub != nil && w.cfg.Topic != "" {
		msg := Notification{RunID: r.RunID, Report: uri, Summary: r.Summary}
		if id, err := w.pub.Publish(ctx, w.cfg.Topic, msg); err != nil {
			w.logger.Warn("publish report notification failed", zap.String("topic", w.cfg.Topic), zap.Error(err))
		} else {
			w.logger.Debug("report notification published", zap.String("message_id", id))
		}
	}
	return uri, nil
}
