package s3client

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/specrun/internal/errs"
)

func testPutGet_RoundTrip(t *rapid.T, c *Client) {
	key := rapid.StringMatching(`runs/run-[a-z0-9]{1,8}/[a-z]{1,8}\.json`).Draw(t, "key")
	body := rapid.SliceOf(rapid.Byte()).Draw(t, "body")
	ctx := context.Background()

	if err := c.PutObject(ctx, key, body, "application/json"); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	got, err := c.GetObject(ctx, key)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("got %q, want %q", got, body)
	}
}

func TestPutGet_RoundTrip(t *testing.T) {
	c := TestClient(t, "artifacts")
	rapid.Check(t, func(rt *rapid.T) { testPutGet_RoundTrip(rt, c) })
}

func TestGetObject_Missing(t *testing.T) {
	c := TestClient(t, "artifacts")
	_, err := c.GetObject(context.Background(), "runs/nope/summary.json")
	require.ErrorIs(t, err, ErrObjectNotFound)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestListKeys_AndDelete(t *testing.T) {
	c := TestClient(t, "artifacts")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, c.PutObject(ctx, fmt.Sprintf("runs/run-1/f%d.json", i), []byte("{}"), "application/json"))
	}
	require.NoError(t, c.PutObject(ctx, "runs/run-2/summary.json", []byte("{}"), "application/json"))

	keys, err := c.ListKeys(ctx, "runs/run-1/")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"runs/run-1/f0.json", "runs/run-1/f1.json", "runs/run-1/f2.json"}, keys)

	require.NoError(t, c.DeleteObject(ctx, "runs/run-1/f0.json"))
	keys, err = c.ListKeys(ctx, "runs/run-1/")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestPublicURL(t *testing.T) {
	c := NewFromS3Client(nil, "b", "https://cdn.example.com/")
	assert.Equal(t, "https://cdn.example.com/runs/x/report.html", c.PublicURL("/runs/x/report.html"))
	assert.Equal(t, "b", c.BucketName())
}
