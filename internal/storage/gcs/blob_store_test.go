package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

const testBucket = "test-bucket"

// newTestBlobStore points a GCS client at a fake JSON API server.
func newTestBlobStore(t *testing.T, handler http.Handler, prefix string) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: testBucket, Prefix: prefix})
	require.NoError(t, err)
	return store
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: testBucket})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	s := &BlobStore{bucket: testBucket, prefix: "dumps/ci"}
	name, err := s.objectName("/job/A/1/build_info.json")
	require.NoError(t, err)
	assert.Equal(t, "dumps/ci/job/A/1/build_info.json", name)

	s.prefix = ""
	name, err = s.objectName("jobs.json")
	require.NoError(t, err)
	assert.Equal(t, "jobs.json", name)

	_, err = s.objectName("/")
	require.Error(t, err)
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	objectData := []byte(`{"number":1}`)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/b/%s/o", testBucket))
		assert.Equal(t, "dumps/job/A/1/build_info.json", r.URL.Query().Get("name"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), string(objectData))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"bucket":"`+testBucket+`","name":"dumps/job/A/1/build_info.json"}`)
	})
	store := newTestBlobStore(t, handler, "dumps/")

	uri, err := store.PutObject(context.Background(), "job/A/1/build_info.json", "application/json", bytes.NewReader(objectData))
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/dumps/job/A/1/build_info.json", uri)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store := newTestBlobStore(t, handler, "")

	_, err := store.PutObject(context.Background(), "jobs.json", "application/json", bytes.NewReader([]byte("[]")))
	require.Error(t, err)
}

func TestExistsMissingObject(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, `{"error":{"code":404,"message":"No such object"}}`)
	})
	store := newTestBlobStore(t, handler, "")

	ok, err := store.Exists(context.Background(), "job/A/1/build_info.json")
	require.NoError(t, err)
	assert.False(t, ok)
}
