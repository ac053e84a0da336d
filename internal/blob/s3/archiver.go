package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/acheron/engine/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"
	// ArchivePrefix is the key prefix of every opportunity archive.
	ArchivePrefix = "archive/opportunities/"
	// Payloads above this go through the multipart uploader.
	multipartThreshold = 8 * 1024 * 1024
)

// OpportunityArchiveStore is the slice of domain.OpportunityStore the
// archiver needs.
type OpportunityArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.ArbitrageOpportunity, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver implements domain.Archiver: opportunities older than the cutoff
// are written to S3 as JSONL, the upload is verified, and only then are the
// rows deleted from postgres.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	store  OpportunityArchiveStore
	audit  domain.AuditStore
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, store OpportunityArchiveStore, audit domain.AuditStore) *Archiver {
	return &Archiver{writer: writer, reader: reader, store: store, audit: audit}
}

// ArchiveOpportunities moves every opportunity detected before the cutoff to
// cold storage and returns how many were archived.
func (a *Archiver) ArchiveOpportunities(ctx context.Context, before time.Time) (int64, error) {
	opps, err := a.store.ListBefore(ctx, before, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive opportunities query: %w", err)
	}
	if len(opps) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(opps)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive opportunities marshal: %w", err)
	}

	path := archivePath(before)
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive opportunities upload: %w", err)
	}

	ok, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive opportunities verify: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("s3blob: archive opportunities verify: %s missing after upload", path)
	}

	deleted, err := a.store.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive opportunities prune: %w", err)
	}

	count := int64(len(opps))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.opportunities", map[string]any{
			"path":    path,
			"count":   count,
			"deleted": deleted,
			"before":  before.Format(time.RFC3339),
		}); err != nil {
			return count, fmt.Errorf("s3blob: archive opportunities audit log: %w", err)
		}
	}
	return count, nil
}

// archivePath partitions archives by the cutoff's UTC month; the cutoff
// timestamp keeps daily runs from overwriting each other.
//
//	archive/opportunities/2026-01/20260115T000000Z.jsonl
func archivePath(before time.Time) string {
	u := before.UTC()
	return fmt.Sprintf("%s%s/%s.jsonl", ArchivePrefix, u.Format("2006-01"), u.Format("20060102T150405Z"))
}

// marshalJSONL encodes records one compact JSON value per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*Archiver)(nil)
