package s3client

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

// NewMemory returns a client backed by an in-memory gofakes3 server with
// bucketName already created. Call stop to shut the server down.
func NewMemory(ctx context.Context, bucketName string) (c *Client, stop func(), err error) {
	faker := gofakes3.New(s3mem.New())
	ts := httptest.NewServer(faker.Server())

	c, err = New(ctx, Config{
		Endpoint:        ts.URL,
		Region:          "us-east-1",
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
		BucketName:      bucketName,
		UsePathStyle:    true,
	})
	if err != nil {
		ts.Close()
		return nil, nil, err
	}
	if err := c.CreateBucket(ctx); err != nil {
		ts.Close()
		return nil, nil, err
	}
	return c, ts.Close, nil
}

// TestClient is NewMemory for tests. The server stops when the test completes.
func TestClient(t testing.TB, bucketName string) *Client {
	t.Helper()

	c, stop, err := NewMemory(context.Background(), bucketName)
	if err != nil {
		t.Fatalf("failed to create in-memory S3 client: %v", err)
	}
	t.Cleanup(stop)
	return c
}
