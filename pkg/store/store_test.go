package store

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/palettelabs/palettesync/pkg/palette"
)

// captureS3 records PutObject calls instead of talking to AWS.
type captureS3 struct {
	inputs []*s3.PutObjectInput
	err    error
}

func (c *captureS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.inputs = append(c.inputs, params)
	return &s3.PutObjectOutput{}, nil
}

func TestS3SaverWritesSnapshotJSON(t *testing.T) {
	capture := &captureS3{}
	saver := newS3SaverWithAPI(capture, "palette-snapshots", "rooms/")

	doc := palette.NewDocument()
	doc.Colors = append(doc.Colors, palette.Color{ID: "c1", Hex: "#FF0000", Name: "red"})

	snap := Snapshot{
		Room:     "room-1",
		Document: doc,
		Clock:    palette.VectorClock{"alice": 3},
		SavedAt:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := saver.Save(context.Background(), snap); err != nil {
		t.Fatal(err)
	}

	if len(capture.inputs) != 1 {
		t.Fatalf("PutObject called %d times, want 1", len(capture.inputs))
	}
	in := capture.inputs[0]
	if *in.Bucket != "palette-snapshots" {
		t.Errorf("bucket = %s", *in.Bucket)
	}
	if *in.Key != "rooms/room-1.json" {
		t.Errorf("key = %s", *in.Key)
	}
	if *in.ContentType != "application/json" {
		t.Errorf("content type = %s", *in.ContentType)
	}

	body, err := io.ReadAll(in.Body)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Snapshot
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Room != "room-1" || len(decoded.Document.Colors) != 1 {
		t.Fatalf("decoded = %+v", decoded)
	}
	if decoded.Clock.Seen("alice") != 3 {
		t.Fatalf("clock = %v", decoded.Clock)
	}
}

func TestS3SaverStampsSavedAt(t *testing.T) {
	capture := &captureS3{}
	saver := newS3SaverWithAPI(capture, "b", "")

	snap := Snapshot{Room: "r", Document: palette.NewDocument(), Clock: palette.NewVectorClock()}
	if err := saver.Save(context.Background(), snap); err != nil {
		t.Fatal(err)
	}

	body, _ := io.ReadAll(capture.inputs[0].Body)
	var decoded Snapshot
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.SavedAt.IsZero() {
		t.Fatal("SavedAt not stamped")
	}
}
