// Package archive keeps JSON snapshots of the raw movements fetched during a sync.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/dvloznov/movements-ledger/internal/domain"
)

// ObjectStore reads and writes objects in a bucket.
type ObjectStore interface {
	NewWriter(ctx context.Context, bucket, object string) io.WriteCloser
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
}

// Snapshot is the archived form of one account's movement batch.
type Snapshot struct {
	PrincipalID string               `json:"principal_id"`
	AccountID   string               `json:"account_id"`
	FetchedAt   time.Time            `json:"fetched_at"`
	Movements   []domain.RawMovement `json:"movements"`
}

// Archiver writes movement snapshots to a bucket.
type Archiver struct {
	objects ObjectStore
	bucket  string
	prefix  string
	now     func() time.Time
}

// NewArchiver creates an Archiver writing under gs://bucket/prefix.
func NewArchiver(objects ObjectStore, bucket, prefix string) *Archiver {
	return &Archiver{
		objects: objects,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		now:     time.Now,
	}
}

// ObjectName returns the object path of a snapshot.
func (a *Archiver) ObjectName(principalID, accountID string, at time.Time) string {
	name := fmt.Sprintf("%s/%s/%s.json", principalID, accountID, at.UTC().Format("20060102T150405.000000000Z"))
	if a.prefix == "" {
		return name
	}
	return path.Join(a.prefix, name)
}

// ArchiveMovements stores the batch and returns its gs:// URI.
func (a *Archiver) ArchiveMovements(ctx context.Context, principalID, accountID string, movements []domain.RawMovement) (string, error) {
	fetchedAt := a.now()
	object := a.ObjectName(principalID, accountID, fetchedAt)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := a.objects.NewWriter(ctx, a.bucket, object)
	snapshot := Snapshot{
		PrincipalID: principalID,
		AccountID:   accountID,
		FetchedAt:   fetchedAt,
		Movements:   movements,
	}
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("ArchiveMovements: encode snapshot: %w", err)
	}

	// Close to finalize the upload
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("ArchiveMovements: finalize upload: %w", err)
	}

	return "gs://" + a.bucket + "/" + object, nil
}

// Fetch reads a snapshot back from its gs:// URI.
func (a *Archiver) Fetch(ctx context.Context, uri string) (*Snapshot, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return nil, fmt.Errorf("Fetch: %w", err)
	}

	rc, err := a.objects.NewReader(ctx, bucket, object)
	if err != nil {
		return nil, fmt.Errorf("Fetch: reading object %s/%s: %w", bucket, object, err)
	}
	defer rc.Close()

	var snapshot Snapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("Fetch: decode snapshot: %w", err)
	}
	return &snapshot, nil
}

// ParseURI splits gs://bucket/path/to/object into its bucket and object.
func ParseURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}

// GCSObjects is the Cloud Storage implementation of ObjectStore.
type GCSObjects struct {
	client *storage.Client
}

// NewGCSObjects creates an ObjectStore using Application Default Credentials.
func NewGCSObjects(ctx context.Context) (*GCSObjects, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewGCSObjects: create storage client: %w", err)
	}
	return &GCSObjects{client: client}, nil
}

// NewWriter implements ObjectStore.
func (g *GCSObjects) NewWriter(ctx context.Context, bucket, object string) io.WriteCloser {
	w := g.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/json"
	return w
}

// NewReader implements ObjectStore.
func (g *GCSObjects) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return g.client.Bucket(bucket).Object(object).NewReader(ctx)
}

// Close closes the storage client.
func (g *GCSObjects) Close() error {
	return g.client.Close()
}
