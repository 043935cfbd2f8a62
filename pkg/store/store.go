// Package store persists room snapshots out of band.
//
// The collaboration core never reads these back on its own hot path; the
// saver exists so a room's latest document survives process restarts and
// can be inspected or restored by external tooling. Persistence is
// best-effort and debounced, so a burst of edits costs one write.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/palettelabs/palettesync/pkg/palette"
)

// Snapshot is one room's persistable state.
type Snapshot struct {
	Room     string              `json:"room"`
	Document *palette.Document   `json:"document"`
	Clock    palette.VectorClock `json:"clock"`
	SavedAt  time.Time           `json:"saved_at"`
}

// Saver persists room snapshots.
type Saver interface {
	Save(ctx context.Context, snap Snapshot) error
}

// SaverFunc adapts a function to the Saver interface.
type SaverFunc func(ctx context.Context, snap Snapshot) error

// Save calls f.
func (f SaverFunc) Save(ctx context.Context, snap Snapshot) error {
	return f(ctx, snap)
}

// s3API is the slice of the S3 client the saver needs. Narrowed to an
// interface so tests can substitute a capture mock.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Saver writes snapshots to an S3 bucket, one object per room at
// <prefix><room>.json, overwritten on every save.
type S3Saver struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Saver creates a saver backed by the given S3 client.
//
// Example:
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	saver := store.NewS3Saver(s3.NewFromConfig(cfg), "palette-snapshots", "rooms/")
func NewS3Saver(client *s3.Client, bucket, prefix string) *S3Saver {
	return &S3Saver{client: client, bucket: bucket, prefix: prefix}
}

// newS3SaverWithAPI is the test seam.
func newS3SaverWithAPI(client s3API, bucket, prefix string) *S3Saver {
	return &S3Saver{client: client, bucket: bucket, prefix: prefix}
}

// Save marshals the snapshot and uploads it.
func (s *S3Saver) Save(ctx context.Context, snap Snapshot) error {
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot for room %q: %w", snap.Room, err)
	}

	key := s.prefix + snap.Room + ".json"
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"saved-at": snap.SavedAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("store: put snapshot %s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// NewS3Client builds an S3 client from the ambient AWS configuration
// (environment, shared config files, instance role).
func NewS3Client(ctx context.Context) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}
