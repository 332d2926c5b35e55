// Package archive exports a closed queue's event log to S3 so it can be
// pruned from the operational database. It is adapted from the teacher's
// internal/recordings.S3Store — same client interface and config-loading
// shape, repurposed from VNC recording blobs to per-queue JSON exports.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rjsadow/waitline/internal/store"
)

// s3API is the subset of the S3 client the archiver uses, enabling test
// mocking.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver exports a closed queue's event log as a single JSON object.
type Archiver struct {
	client s3API
	bucket string
	prefix string
	db     *store.DB
}

// NewArchiver configures an Archiver from AWS defaults. An empty endpoint
// uses the standard AWS S3 endpoint; a non-empty one targets MinIO or
// another S3-compatible service. prefix is prepended to every object key
// (e.g. "waitline/"), allowing one bucket to be shared across environments.
func NewArchiver(ctx context.Context, db *store.DB, bucket, region, endpoint, prefix string) (*Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("archive: failed to load AWS config: %w", err)
	}

	var opts []func(*s3.Options)
	if endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	return &Archiver{client: s3.NewFromConfig(cfg, opts...), bucket: bucket, prefix: prefix, db: db}, nil
}

// newArchiverWithClient builds an Archiver around an already-constructed
// client, for tests.
func newArchiverWithClient(client s3API, db *store.DB, bucket, prefix string) *Archiver {
	return &Archiver{client: client, bucket: bucket, prefix: prefix, db: db}
}

// exportDoc is the archived shape for one queue: its metadata, final
// party rows, and the full event log.
type exportDoc struct {
	Queue   *store.Queue   `json:"queue"`
	Parties []*store.Party `json:"parties"`
	Events  []*store.Event `json:"events"`
}

// ExportQueue uploads a closed queue's full history and returns the
// object key. Callers are expected to only archive sessions with
// status=closed; ExportQueue does not enforce that itself.
func (a *Archiver) ExportQueue(ctx context.Context, sessionID string) (string, error) {
	queue, err := a.db.GetQueue(sessionID)
	if err != nil {
		return "", err
	}
	parties, err := a.db.ListParties(sessionID)
	if err != nil {
		return "", err
	}
	events, err := a.db.ListEvents(sessionID)
	if err != nil {
		return "", err
	}

	doc := exportDoc{Queue: queue, Parties: parties, Events: events}
	body, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}

	now := time.Now()
	key := fmt.Sprintf("%s%d/%02d/%s.json", a.prefix, now.Year(), now.Month(), sessionID)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: failed to upload export: %w", err)
	}
	return key, nil
}
