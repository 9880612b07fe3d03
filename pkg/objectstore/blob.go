package objectstore

import (
	"context"
	"errors"
	"io"
	"sort"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
	"gocloud.dev/gcerrors"
)

// BlobStore is a Store backed by a Go CDK bucket.
type BlobStore struct {
	bucket *blob.Bucket
	url    string
}

var _ Store = (*BlobStore)(nil)

// OpenBucket opens a bucket by URL: mem://, file:///path, s3://bucket or
// gs://bucket, with driver query parameters passed through.
func OpenBucket(ctx context.Context, url string) (*BlobStore, error) {
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, &StoreError{Op: "Open", Backend: "blob", Bucket: url, Err: err}
	}
	return &BlobStore{bucket: b, url: url}, nil
}

// NewBlobStore wraps an already opened bucket. The store takes ownership.
func NewBlobStore(b *blob.Bucket) *BlobStore {
	return &BlobStore{bucket: b}
}

func (s *BlobStore) Put(ctx context.Context, key string, data []byte) error {
	if err := s.bucket.WriteAll(ctx, key, data, nil); err != nil {
		return s.wrapError("Put", key, err)
	}
	return nil
}

func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, s.wrapError("Get", key, err)
	}
	return data, nil
}

func (s *BlobStore) List(ctx context.Context, prefix string) ([]Object, error) {
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	var out []Object
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, s.wrapError("List", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		out = append(out, Object{Key: obj.Key, Size: obj.Size, LastModified: obj.ModTime})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *BlobStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, key); err != nil {
		return s.wrapError("Delete", key, err)
	}
	return nil
}

func (s *BlobStore) Close() error {
	return s.bucket.Close()
}

func (s *BlobStore) wrapError(op, key string, err error) error {
	wrapped := &StoreError{Op: op, Backend: "blob", Bucket: s.url, Key: key, Err: err}
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		wrapped.Err = ErrNotFound
	case gcerrors.PermissionDenied:
		wrapped.Err = ErrAccessDenied
	case gcerrors.ResourceExhausted:
		wrapped.Err = ErrThrottled
	}
	return wrapped
}
