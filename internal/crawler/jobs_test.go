package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mapFetcher serves canned bodies keyed by target and records calls.
type mapFetcher struct {
	mu        sync.Mutex
	bodies    map[string]string
	errs      map[string]error
	calls     []string
	delay     time.Duration
	inFlight  atomic.Int64
	maxFlight atomic.Int64
}

func newMapFetcher(bodies map[string]string) *mapFetcher {
	return &mapFetcher{bodies: bodies, errs: map[string]error{}}
}

func (f *mapFetcher) Fetch(_ context.Context, target string) ([]byte, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxFlight.Load()
		if cur <= prev || f.maxFlight.CompareAndSwap(prev, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.calls = append(f.calls, target)
	err, hasErr := f.errs[target]
	body, ok := f.bodies[target]
	f.mu.Unlock()

	if hasErr {
		return nil, err
	}
	if !ok {
		return nil, &FetchError{URL: target, StatusCode: http.StatusNotFound}
	}
	return []byte(body), nil
}

func (f *mapFetcher) called(target string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == target {
			return true
		}
	}
	return false
}

func strPtr(s string) *string { return &s }

func TestCrawl_ScenarioAllBuilds(t *testing.T) {
	t.Parallel()

	fetcher := newMapFetcher(map[string]string{
		"api/json":                 `{"jobs":[{"url":"http://h/job/A"}]}`,
		"http://h/job/A/api/json": `{"name":"A","url":"http://h/job/A","builds":[{"url":"http://h/job/A/1"},{"url":"http://h/job/A/2"}]}`,
	})
	c := NewJobCrawler(fetcher, JobCrawlerConfig{Policy: BuildPolicyAll}, zap.NewNop())

	doc, err := c.Crawl(context.Background())
	require.NoError(t, err)

	got, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"A","url":"http://h/job/A","builds":["http://h/job/A/1","http://h/job/A/2"]}]`, string(got))
}

func TestCrawl_ScenarioLastOnlyFallsBackToFirstBuild(t *testing.T) {
	t.Parallel()

	fetcher := newMapFetcher(map[string]string{
		"api/json":                 `{"jobs":[{"url":"http://h/job/A"}]}`,
		"http://h/job/A/api/json": `{"name":"A","url":"http://h/job/A","builds":[{"url":"http://h/job/A/1"},{"url":"http://h/job/A/2"}]}`,
	})
	c := NewJobCrawler(fetcher, JobCrawlerConfig{Policy: BuildPolicyLastOnly}, zap.NewNop())

	doc, err := c.Crawl(context.Background())
	require.NoError(t, err)
	require.Len(t, doc, 1)
	assert.Equal(t, []string{"http://h/job/A/1"}, doc[0].Builds)
}

func TestSelectBuilds_LastOnlyProbeOrder(t *testing.T) {
	t.Parallel()

	builds := &[]buildRef{{URL: "http://h/job/A/9"}, {URL: "http://h/job/A/8"}}
	testCases := []struct {
		name    string
		payload jobPayload
		want    []string
	}{
		{
			name: "last successful wins over completed",
			payload: jobPayload{
				Builds:              builds,
				LastSuccessfulBuild: &buildRef{URL: "http://h/job/A/7"},
				LastCompletedBuild:  &buildRef{URL: "http://h/job/A/9"},
				LastStableBuild:     &buildRef{URL: "http://h/job/A/6"},
			},
			want: []string{"http://h/job/A/7"},
		},
		{
			name: "completed before stable",
			payload: jobPayload{
				Builds:             builds,
				LastCompletedBuild: &buildRef{URL: "http://h/job/A/9"},
				LastStableBuild:    &buildRef{URL: "http://h/job/A/6"},
			},
			want: []string{"http://h/job/A/9"},
		},
		{
			name: "stable before first build",
			payload: jobPayload{
				Builds:          builds,
				LastStableBuild: &buildRef{URL: "http://h/job/A/6"},
			},
			want: []string{"http://h/job/A/6"},
		},
		{
			name:    "first build",
			payload: jobPayload{Builds: builds},
			want:    []string{"http://h/job/A/9"},
		},
		{
			name:    "nothing",
			payload: jobPayload{Builds: &[]buildRef{}},
			want:    []string{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, selectBuilds(BuildPolicyLastOnly, tc.payload))
		})
	}
}

func TestCrawl_NestedTreePreservesSiblingOrder(t *testing.T) {
	t.Parallel()

	bodies := map[string]string{
		"api/json": `{"jobs":[{"url":"http://h/job/F/"},{"url":"http://h/job/Z/"},{"url":"http://h/job/B/"}]}`,
		"http://h/job/F/api/json": `{"name":"F","url":"http://h/job/F/","jobs":[` +
			`{"url":"http://h/job/F/job/c3/"},{"url":"http://h/job/F/job/c1/"},{"url":"http://h/job/F/job/c2/"}]}`,
		"http://h/job/F/job/c3/api/json": `{"name":"c3","url":"http://h/job/F/job/c3/","builds":[{"url":"http://h/job/F/job/c3/1/"}]}`,
		"http://h/job/F/job/c1/api/json": `{"name":"c1","url":"http://h/job/F/job/c1/","jobs":[{"url":"http://h/job/F/job/c1/job/leaf/"}]}`,
		"http://h/job/F/job/c1/job/leaf/api/json": `{"name":"leaf","url":"http://h/job/F/job/c1/job/leaf/","builds":[]}`,
		"http://h/job/F/job/c2/api/json":          `{"name":"c2","url":"http://h/job/F/job/c2/","jobs":[]}`,
		"http://h/job/Z/api/json":                 `{"name":"Z","url":"http://h/job/Z/"}`,
		"http://h/job/B/api/json":                 `{"url":"http://h/job/B/","builds":[{"url":"http://h/job/B/2/"},{"url":"http://h/job/B/1/"}]}`,
	}
	fetcher := newMapFetcher(bodies)
	fetcher.delay = time.Millisecond
	c := NewJobCrawler(fetcher, JobCrawlerConfig{Policy: BuildPolicyAll, Concurrency: 2}, zap.NewNop())

	doc, err := c.Crawl(context.Background())
	require.NoError(t, err)

	want := Document{
		{
			Name: strPtr("F"),
			URL:  "http://h/job/F/",
			SubJobs: []JobNode{
				{Name: strPtr("c3"), URL: "http://h/job/F/job/c3/", Builds: []string{"http://h/job/F/job/c3/1/"}},
				{
					Name: strPtr("c1"),
					URL:  "http://h/job/F/job/c1/",
					SubJobs: []JobNode{
						{Name: strPtr("leaf"), URL: "http://h/job/F/job/c1/job/leaf/", Builds: []string{}},
					},
				},
				{Name: strPtr("c2"), URL: "http://h/job/F/job/c2/", SubJobs: []JobNode{}},
			},
		},
		{Name: strPtr("Z"), URL: "http://h/job/Z/"},
		{URL: "http://h/job/B/", Builds: []string{"http://h/job/B/2/", "http://h/job/B/1/"}},
	}
	assert.Equal(t, want, doc)
	assert.LessOrEqual(t, fetcher.maxFlight.Load(), int64(2))
	assert.Equal(t, JobProgress{Resolved: 7}, c.Progress())
}

func TestCrawl_SubJobFailureDropsOnlyThatRootSubtree(t *testing.T) {
	t.Parallel()

	fetcher := newMapFetcher(map[string]string{
		"api/json":                 `{"jobs":[{"url":"http://h/job/A"},{"url":"http://h/job/B"}]}`,
		"http://h/job/A/api/json": `{"name":"A","url":"http://h/job/A","jobs":[{"url":"http://h/job/A/job/ok"},{"url":"http://h/job/A/job/broken"}]}`,
		"http://h/job/A/job/ok/api/json": `{"name":"ok","url":"http://h/job/A/job/ok","builds":[{"url":"http://h/job/A/job/ok/1"}]}`,
		"http://h/job/B/api/json":         `{"name":"B","url":"http://h/job/B","builds":[{"url":"http://h/job/B/1"}]}`,
	})
	fetcher.errs["http://h/job/A/job/broken/api/json"] = &FetchError{
		URL: "http://h/job/A/job/broken/api/json",
		Err: errors.New("connection refused"),
	}
	c := NewJobCrawler(fetcher, JobCrawlerConfig{}, zap.NewNop())

	doc, err := c.Crawl(context.Background())
	require.NoError(t, err)
	require.Len(t, doc, 1)
	assert.Equal(t, "http://h/job/B", doc[0].URL)
	assert.Equal(t, []string{"http://h/job/B/1"}, doc[0].Builds)
	assert.Equal(t, int64(1), c.Progress().Failed)
}

func TestCrawl_InteriorDecodeFailurePropagates(t *testing.T) {
	t.Parallel()

	fetcher := newMapFetcher(map[string]string{
		"http://h/job/A/api/json":          `{"name":"A","url":"http://h/job/A","jobs":[{"url":"http://h/job/A/job/x"}]}`,
		"http://h/job/A/job/x/api/json":    `{"name":"x","url":"http://h/job/A/job/x","jobs":[{"url":"http://h/job/A/job/x/job/y"}]}`,
		"http://h/job/A/job/x/job/y/api/json": `not json`,
	})
	c := NewJobCrawler(fetcher, JobCrawlerConfig{}, zap.NewNop())

	run := &crawlRun{visited: newConcurrentVisitTracker()}
	res := c.resolve(context.Background(), run, "http://h/job/A")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "sub-job http://h/job/A/job/x")
	assert.Contains(t, res.err.Error(), "decode job http://h/job/A/job/x/job/y")
}

func TestCrawl_RootAuthenticationRequiredIsFatal(t *testing.T) {
	t.Parallel()

	fetcher := newMapFetcher(map[string]string{
		"api/json": `{"jobs":[{"url":"http://h/job/A"}], "msg": "Authentication required"}`,
		"http://h/job/A/api/json": `{"name":"A","url":"http://h/job/A"}`,
	})
	c := NewJobCrawler(fetcher, JobCrawlerConfig{}, zap.NewNop())

	doc, err := c.Crawl(context.Background())
	require.ErrorIs(t, err, ErrAuthenticationRequired)
	assert.Nil(t, doc)
	assert.False(t, fetcher.called("http://h/job/A/api/json"))
}

func TestCrawl_RootAuthMarkerInErrorBody(t *testing.T) {
	t.Parallel()

	fetcher := newMapFetcher(nil)
	fetcher.errs["api/json"] = &FetchError{
		URL:        "http://h/api/json",
		StatusCode: http.StatusForbidden,
		Body:       []byte("<html>\nAccess Denied\nanonymous is missing the Overall/Read permission\n</html>"),
	}
	c := NewJobCrawler(fetcher, JobCrawlerConfig{}, zap.NewNop())

	_, err := c.Crawl(context.Background())
	require.ErrorIs(t, err, ErrMissingReadPermission)
}

func TestCrawl_RootTransportFailureIsFatal(t *testing.T) {
	t.Parallel()

	fetcher := newMapFetcher(nil)
	fetcher.errs["api/json"] = &FetchError{URL: "http://h/api/json", Err: errors.New("dial tcp: refused")}
	c := NewJobCrawler(fetcher, JobCrawlerConfig{}, zap.NewNop())

	_, err := c.Crawl(context.Background())
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.True(t, fetchErr.Unreachable())
}

func TestCrawl_RootListingDecodeFailureIsFatal(t *testing.T) {
	t.Parallel()

	fetcher := newMapFetcher(map[string]string{"api/json": "<html>oops</html>"})
	c := NewJobCrawler(fetcher, JobCrawlerConfig{}, zap.NewNop())

	_, err := c.Crawl(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode root listing")
}

func TestCrawl_RevisitedJobIsSkipped(t *testing.T) {
	t.Parallel()

	fetcher := newMapFetcher(map[string]string{
		"http://h/job/A/api/json":       `{"name":"A","url":"http://h/job/A/","jobs":[{"url":"http://h/job/A/job/loop/"}]}`,
		"http://h/job/A/job/loop/api/json": `{"name":"loop","url":"http://h/job/A/job/loop/","jobs":[{"url":"http://h/job/A"}]}`,
	})
	c := NewJobCrawler(fetcher, JobCrawlerConfig{}, zap.NewNop())

	doc, err := c.CrawlJobs(context.Background(), []string{"http://h/job/A"})
	require.NoError(t, err)
	require.Len(t, doc, 1)
	require.Len(t, doc[0].SubJobs, 1)
	assert.Empty(t, doc[0].SubJobs[0].SubJobs)
	assert.Equal(t, int64(1), c.Progress().Skipped)
}

func TestCrawl_IsomorphicForGeneratedTrees(t *testing.T) {
	t.Parallel()

	for _, shape := range []struct{ depth, breadth int }{{1, 1}, {2, 3}, {3, 2}, {4, 3}} {
		t.Run(fmt.Sprintf("depth%d_breadth%d", shape.depth, shape.breadth), func(t *testing.T) {
			bodies := map[string]string{}
			want := buildTree(bodies, "http://h", shape.depth, shape.breadth)
			rootRefs := make([]jobRef, 0, len(want))
			for _, n := range want {
				rootRefs = append(rootRefs, jobRef{URL: n.URL})
			}
			raw, err := json.Marshal(rootListing{Jobs: rootRefs})
			require.NoError(t, err)
			bodies["api/json"] = string(raw)

			c := NewJobCrawler(newMapFetcher(bodies), JobCrawlerConfig{Concurrency: 3}, zap.NewNop())
			doc, err := c.Crawl(context.Background())
			require.NoError(t, err)
			assert.Equal(t, want, doc)
		})
	}
}

// buildTree registers a synthetic job tree in bodies and returns the expected
// document for it.
func buildTree(bodies map[string]string, prefix string, depth, breadth int) Document {
	if depth == 0 {
		return nil
	}
	nodes := make(Document, 0, breadth)
	for i := 0; i < breadth; i++ {
		url := fmt.Sprintf("%s/job/n%d", prefix, i)
		node := JobNode{Name: strPtr(fmt.Sprintf("n%d", i)), URL: url}
		payload := map[string]any{"name": *node.Name, "url": url}
		if depth > 1 {
			children := buildTree(bodies, url, depth-1, breadth)
			refs := make([]map[string]string, 0, len(children))
			for _, child := range children {
				refs = append(refs, map[string]string{"url": child.URL})
			}
			payload["jobs"] = refs
			node.SubJobs = []JobNode(children)
		} else {
			build := url + "/1"
			payload["builds"] = []map[string]string{{"url": build}}
			node.Builds = []string{build}
		}
		raw, _ := json.Marshal(payload)
		bodies[url+"/api/json"] = string(raw)
		nodes = append(nodes, node)
	}
	return nodes
}

func TestParseBuildPolicy(t *testing.T) {
	t.Parallel()

	p, err := ParseBuildPolicy("last-only")
	require.NoError(t, err)
	assert.Equal(t, BuildPolicyLastOnly, p)

	p, err = ParseBuildPolicy("")
	require.NoError(t, err)
	assert.Equal(t, BuildPolicyAll, p)

	_, err = ParseBuildPolicy("newest")
	require.Error(t, err)

	assert.Equal(t, BuildPolicyLastOnly, PolicyFor(true))
	assert.Equal(t, BuildPolicyAll, PolicyFor(false))
}
