// Package snapshot stores memory-store snapshots in a JetStream object
// store bucket so state survives restarts.
package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/fyrsmithlabs/loopforge/internal/store/memory"
)

const objectName = "state.json"

// ObjectSink is a memory.Sink backed by a JetStream object store.
type ObjectSink struct {
	obj jetstream.ObjectStore
}

var _ memory.Sink = (*ObjectSink)(nil)

// NewObjectSink creates or opens bucket.
func NewObjectSink(ctx context.Context, js jetstream.JetStream, bucket string) (*ObjectSink, error) {
	obj, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "loopforge task store snapshots",
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store %s: %w", bucket, err)
	}
	return &ObjectSink{obj: obj}, nil
}

func (s *ObjectSink) Save(ctx context.Context, data []byte) error {
	if _, err := s.obj.PutBytes(ctx, objectName, data); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

func (s *ObjectSink) Load(ctx context.Context) ([]byte, error) {
	data, err := s.obj.GetBytes(ctx, objectName)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, memory.ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	return data, nil
}
