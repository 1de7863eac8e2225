package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCS is the production Store backed by a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS wraps an existing GCS client and bucket.
func NewGCS(client *storage.Client, bucket string) (*GCS, error) {
	if client == nil {
		return nil, fmt.Errorf("gcs store requires a client")
	}
	if bucket == "" {
		return nil, fmt.Errorf("gcs store requires a bucket")
	}
	return &GCS{client: client, bucket: bucket}, nil
}

func (s *GCS) Get(ctx context.Context, key string) (Object, error) {
	obj := s.client.Bucket(s.bucket).Object(key)
	reader, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return Object{}, ErrNotFound
		}
		return Object{}, fmt.Errorf("open %s: %w", key, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return Object{}, fmt.Errorf("read %s: %w", key, err)
	}
	return Object{Data: data, Generation: reader.Attrs.Generation}, nil
}

func (s *GCS) Put(ctx context.Context, key string, data []byte) (int64, error) {
	return s.write(ctx, s.client.Bucket(s.bucket).Object(key), data)
}

func (s *GCS) PutIfGeneration(ctx context.Context, key string, data []byte, generation int64) (int64, error) {
	obj := s.client.Bucket(s.bucket).Object(key)
	if generation == 0 {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	} else {
		obj = obj.If(storage.Conditions{GenerationMatch: generation})
	}

	newGen, err := s.write(ctx, obj, data)
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return 0, ErrPreconditionFailed
		}
		return 0, err
	}
	return newGen, nil
}

func (s *GCS) write(ctx context.Context, obj *storage.ObjectHandle, data []byte) (int64, error) {
	writer := obj.NewWriter(ctx)
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return 0, fmt.Errorf("write %s: %w", obj.ObjectName(), err)
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", obj.ObjectName(), err)
	}
	return writer.Attrs().Generation, nil
}

func (s *GCS) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *GCS) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
	sort.Strings(keys)
	return keys, nil
}

var _ Store = (*GCS)(nil)
