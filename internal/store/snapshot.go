package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/JakeFAU/jenkins-dump/internal/crawler"
)

const snapshotContentType = "application/json"

// ObjectWriter is the write half of a blob store.
type ObjectWriter interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// ObjectReader is the read half of a blob store.
type ObjectReader interface {
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// SaveSnapshot writes doc as indented JSON under key, replacing any previous
// snapshot, and returns the location reported by the store.
func SaveSnapshot(ctx context.Context, w ObjectWriter, key string, doc crawler.Document) (string, error) {
	if doc == nil {
		doc = crawler.Document{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	data = append(data, '\n')
	uri, err := w.PutObject(ctx, key, snapshotContentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("write snapshot %s: %w", key, err)
	}
	return uri, nil
}

// LoadSnapshot reads a snapshot written by SaveSnapshot. A missing object or
// one that is not a JSON array of jobs is an error.
func LoadSnapshot(ctx context.Context, r ObjectReader, key string) (crawler.Document, error) {
	data, err := r.GetObject(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", key, err)
	}
	var doc crawler.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("decode snapshot %s: not a job array", key)
	}
	return doc, nil
}
