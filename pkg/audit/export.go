package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/rezilient-labs/authplane/pkg/state"
)

// Bundle is an exportable archive of audit events. The bundle hash is
// computed over the RFC 8785 canonical form of the event list so the same
// events always produce the same hash regardless of map ordering.
type Bundle struct {
	BundleID   string             `json:"bundle_id"`
	CreatedAt  time.Time          `json:"created_at"`
	EventCount int                `json:"event_count"`
	Events     []state.AuditEvent `json:"events"`
	BundleHash string             `json:"bundle_hash"`
}

// BuildBundle assembles a bundle from the recorder's current event list.
func (r *Recorder) BuildBundle(ctx context.Context) (*Bundle, error) {
	events, err := r.List(ctx, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("no audit events to export")
	}

	raw, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle events: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize bundle events: %w", err)
	}
	sum := sha256.Sum256(canonical)

	return &Bundle{
		BundleID:   uuid.New().String(),
		CreatedAt:  r.clock.Now(),
		EventCount: len(events),
		Events:     events,
		BundleHash: "sha256:" + hex.EncodeToString(sum[:]),
	}, nil
}

// Uploader ships an export bundle to an archive destination.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte) error
}

// S3Uploader writes bundles to an S3 bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

// NewS3Uploader builds an uploader from the ambient AWS configuration.
func NewS3Uploader(ctx context.Context, bucket, region string) (*S3Uploader, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Uploader{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, key string, body []byte) error {
	contentType := "application/json"
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &u.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("upload audit bundle %q: %w", key, err)
	}
	return nil
}

// Export builds a bundle and uploads it under
// audit/<timestamp>_<bundle-id>.json, returning the bundle.
func (r *Recorder) Export(ctx context.Context, uploader Uploader) (*Bundle, error) {
	bundle, err := r.BuildBundle(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}
	key := fmt.Sprintf("audit/%s_%s.json", bundle.CreatedAt.UTC().Format("20060102T150405Z"), bundle.BundleID)
	if err := uploader.Upload(ctx, key, raw); err != nil {
		return nil, err
	}
	return bundle, nil
}
