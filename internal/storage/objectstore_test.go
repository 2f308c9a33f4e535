package storage

import (
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string][]byte
	deleted []string
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.Key))
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	for _, object := range in.Delete.Objects {
		f.deleted = append(f.deleted, aws.ToString(object.Key))
		delete(f.objects, aws.ToString(object.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	output := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for key := range f.objects {
		if len(key) >= len(aws.ToString(in.Prefix)) && key[:len(aws.ToString(in.Prefix))] == aws.ToString(in.Prefix) {
			output.Contents = append(output.Contents, types.Object{Key: aws.String(key)})
		}
	}
	return output, nil
}

func TestS3ObjectStoreLifecycle(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{}}
	store := newS3ObjectStore(client, "kiosk-assets", "https://minio.local/kiosk-assets/")
	ctx := context.Background()

	ref, err := store.Put(ctx, "brands/acme/1-logo.png", []byte("logo"), "image/png")
	require.NoError(t, err)
	require.Equal(t, "https://minio.local/kiosk-assets/brands/acme/1-logo.png", ref)
	require.True(t, store.Owns(ref))
	require.False(t, store.Owns("https://other.example.com/kiosk-assets/x"))

	_, err = store.Put(ctx, "products/acme/drill-p1/2-a.png", []byte("a"), "image/png")
	require.NoError(t, err)
	_, err = store.Put(ctx, "products/acme/drill-p1/3-b.png", []byte("b"), "image/png")
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, ref))
	require.NotContains(t, client.objects, "brands/acme/1-logo.png")

	require.NoError(t, store.DeletePrefix(ctx, "products/acme/"))
	require.Empty(t, client.objects)
	require.Error(t, store.Delete(ctx, "https://other.example.com/x.png"))
}

func TestNewS3ObjectStoreRequiresBucket(t *testing.T) {
	_, err := NewS3ObjectStore(context.Background(), S3Config{Region: "us-east-1"})
	require.ErrorIs(t, err, ErrInvalidConfiguration)
}
