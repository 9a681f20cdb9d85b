package store_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jenkins-dump/internal/crawler"
	"github.com/JakeFAU/jenkins-dump/internal/storage"
	"github.com/JakeFAU/jenkins-dump/internal/storage/memory"
	"github.com/JakeFAU/jenkins-dump/internal/store"
)

func strPtr(s string) *string { return &s }

func sampleDocument() crawler.Document {
	return crawler.Document{
		{
			Name: strPtr("folder"),
			URL:  "http://h/job/folder/",
			SubJobs: []crawler.JobNode{
				{Name: strPtr("a"), URL: "http://h/job/folder/job/a/", Builds: []string{"http://h/job/folder/job/a/2/", "http://h/job/folder/job/a/1/"}},
				{Name: strPtr("empty"), URL: "http://h/job/folder/job/empty/", Builds: []string{}},
				{Name: strPtr("sub"), URL: "http://h/job/folder/job/sub/", SubJobs: []crawler.JobNode{}},
			},
		},
		{URL: "http://h/job/anon/", Builds: []string{"http://h/job/anon/7/", "http://h/job/folder/job/a/1/"}},
	}
}

func TestSnapshotRoundTripPreservesCollectedBuilds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	blobs := memory.NewBlobStore()
	doc := sampleDocument()

	uri, err := store.SaveSnapshot(ctx, blobs, "jobs.json", doc)
	require.NoError(t, err)
	assert.Equal(t, "memory://jobs.json", uri)

	loaded, err := store.LoadSnapshot(ctx, blobs, "jobs.json")
	require.NoError(t, err)
	assert.Equal(t, doc, loaded)
	assert.Equal(t, crawler.CollectBuildURLs(doc), crawler.CollectBuildURLs(loaded))
}

func TestSaveSnapshotFormat(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	blobs := memory.NewBlobStore()
	_, err := store.SaveSnapshot(ctx, blobs, "jobs.json", crawler.Document{
		{URL: "http://h/job/x/"},
		{Name: strPtr("y"), URL: "http://h/job/y/", Builds: []string{}},
	})
	require.NoError(t, err)

	raw, err := blobs.GetObject(ctx, "jobs.json")
	require.NoError(t, err)
	want := `[
  {
    "name": null,
    "url": "http://h/job/x/"
  },
  {
    "name": "y",
    "url": "http://h/job/y/",
    "builds": []
  }
]
`
	assert.Equal(t, want, string(raw))

	// overwrite
	_, err = store.SaveSnapshot(ctx, blobs, "jobs.json", nil)
	require.NoError(t, err)
	raw, err = blobs.GetObject(ctx, "jobs.json")
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(raw))
}

func TestLoadSnapshotErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	blobs := memory.NewBlobStore()

	_, err := store.LoadSnapshot(ctx, blobs, "missing.json")
	require.ErrorIs(t, err, storage.ErrNotFound)

	for name, body := range map[string]string{
		"not json":  "{{",
		"object":    `{"name":"x"}`,
		"null":      "null",
		"bad field": `[{"url": 5}]`,
	} {
		_, err := blobs.PutObject(ctx, name, "", bytes.NewReader([]byte(body)))
		require.NoError(t, err)
		_, err = store.LoadSnapshot(ctx, blobs, name)
		require.Error(t, err, name)
		assert.True(t, strings.Contains(err.Error(), "decode snapshot"), name)
	}
}
