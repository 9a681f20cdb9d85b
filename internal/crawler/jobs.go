package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/jenkins-dump/internal/metrics"
)

const (
	rootListingPath = "api/json"
	apiSuffix       = "api/json"

	defaultJobConcurrency = 16
)

// JobCrawlerConfig controls a JobCrawler.
type JobCrawlerConfig struct {
	// Policy is applied to the builds list of every node.
	Policy BuildPolicy
	// Concurrency caps simultaneous job fetches across the whole tree.
	Concurrency int
}

// JobProgress is a point-in-time view of a running crawl.
type JobProgress struct {
	Resolved int64 `json:"resolved"`
	Failed   int64 `json:"failed"`
	Skipped  int64 `json:"skipped"`
}

// JobCrawler resolves the remote job hierarchy into a Document.
//
// Sibling subtrees are resolved concurrently at every level. A node is only
// published to its parent once all of its children have resolved; the first
// failed child (in sibling order) fails the parent. Top-level subtrees are the
// exception: a failed top-level job is logged and left out of the result.
type JobCrawler struct {
	fetcher Fetcher
	policy  BuildPolicy
	slots   *semaphore.Weighted
	logger  *zap.Logger

	resolved atomic.Int64
	failed   atomic.Int64
	skipped  atomic.Int64
}

// NewJobCrawler builds a JobCrawler.
func NewJobCrawler(fetcher Fetcher, cfg JobCrawlerConfig, logger *zap.Logger) *JobCrawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Policy == "" {
		cfg.Policy = BuildPolicyAll
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultJobConcurrency
	}
	return &JobCrawler{
		fetcher: fetcher,
		policy:  cfg.Policy,
		slots:   semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger:  logger,
	}
}

// Progress reports how many nodes have been resolved so far.
func (c *JobCrawler) Progress() JobProgress {
	return JobProgress{
		Resolved: c.resolved.Load(),
		Failed:   c.failed.Load(),
		Skipped:  c.skipped.Load(),
	}
}

// Crawl fetches the root listing and resolves every top-level job.
// A root listing that cannot be fetched, decoded, or that carries an
// authorization failure marker aborts the crawl with no partial output.
func (c *JobCrawler) Crawl(ctx context.Context) (Document, error) {
	urls, err := c.ListRootJobs(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Info("root listing fetched", zap.Int("jobs", len(urls)))
	return c.CrawlJobs(ctx, urls)
}

// ListRootJobs fetches and classifies the root listing and returns the URLs
// of the top-level jobs in server order.
func (c *JobCrawler) ListRootJobs(ctx context.Context) ([]string, error) {
	body, err := c.fetchBounded(ctx, rootListingPath)
	if err != nil {
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) {
			if authErr := Classify(fetchErr.Body); authErr != nil {
				return nil, fmt.Errorf("root listing: %w", authErr)
			}
		}
		return nil, fmt.Errorf("root listing: %w", err)
	}
	if authErr := Classify(body); authErr != nil {
		return nil, fmt.Errorf("root listing: %w", authErr)
	}

	var listing rootListing
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("decode root listing: %w", err)
	}
	return c.refURLs("root listing", listing.Jobs), nil
}

// CrawlJobs resolves the given top-level jobs. Failed subtrees are logged and
// omitted; the crawl itself only fails when ctx ends.
func (c *JobCrawler) CrawlJobs(ctx context.Context, urls []string) (Document, error) {
	run := &crawlRun{visited: newConcurrentVisitTracker()}
	results := c.resolveAll(ctx, run, urls)

	doc := make(Document, 0, len(results))
	for _, res := range results {
		switch {
		case res.err != nil:
			c.logger.Warn("skipping job subtree", zap.String("url", res.url), zap.Error(res.err))
			metrics.ObserveJob("subtree_skipped")
		case res.skipped:
		default:
			doc = append(doc, res.node)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("crawl jobs: %w", err)
	}
	return doc, nil
}

// crawlRun holds the state scoped to one CrawlJobs call.
type crawlRun struct {
	visited visitTracker
}

// subtreeResult is the outcome of resolving one subtree: either a node, a
// skip (already visited), or the URL and cause of the failure.
type subtreeResult struct {
	url     string
	node    JobNode
	skipped bool
	err     error
}

func (c *JobCrawler) resolveAll(ctx context.Context, run *crawlRun, urls []string) []subtreeResult {
	results := make([]subtreeResult, len(urls))
	var wg sync.WaitGroup
	for i, jobURL := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.resolve(ctx, run, jobURL)
		}()
	}
	wg.Wait()
	return results
}

func (c *JobCrawler) resolve(ctx context.Context, run *crawlRun, jobURL string) subtreeResult {
	res := subtreeResult{url: jobURL}
	if !run.visited.MarkIfNew(jobURL) {
		c.logger.Warn("job already visited; skipping", zap.String("url", jobURL))
		c.skipped.Add(1)
		metrics.ObserveJob("revisited")
		res.skipped = true
		return res
	}

	payload, err := c.fetchJob(ctx, jobURL)
	if err != nil {
		c.failed.Add(1)
		metrics.ObserveJob("failed")
		res.err = err
		return res
	}

	node := JobNode{Name: payload.Name, URL: payload.URL}
	if node.URL == "" {
		node.URL = jobURL
	}

	if payload.Jobs != nil {
		children := c.resolveAll(ctx, run, c.refURLs(node.URL, *payload.Jobs))
		subJobs := make([]JobNode, 0, len(children))
		for _, child := range children {
			if child.err != nil {
				res.err = fmt.Errorf("sub-job %s: %w", child.url, child.err)
				return res
			}
			if child.skipped {
				continue
			}
			subJobs = append(subJobs, child.node)
		}
		node.SubJobs = subJobs
	}

	if payload.Builds != nil {
		node.Builds = selectBuilds(c.policy, payload)
	}

	c.resolved.Add(1)
	metrics.ObserveJob("resolved")
	c.logger.Debug("job resolved",
		zap.String("url", node.URL),
		zap.Int("sub_jobs", len(node.SubJobs)),
		zap.Int("builds", len(node.Builds)),
	)
	res.node = node
	return res
}

func (c *JobCrawler) fetchJob(ctx context.Context, jobURL string) (jobPayload, error) {
	body, err := c.fetchBounded(ctx, JoinURL(jobURL, apiSuffix))
	if err != nil {
		return jobPayload{}, err
	}
	var payload jobPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return jobPayload{}, fmt.Errorf("decode job %s: %w", jobURL, err)
	}
	return payload, nil
}

// fetchBounded holds one crawl slot for the duration of a single fetch. The
// slot is never held while waiting on children, so the bound cannot deadlock
// the recursion.
func (c *JobCrawler) fetchBounded(ctx context.Context, target string) ([]byte, error) {
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire fetch slot: %w", err)
	}
	defer c.slots.Release(1)
	return c.fetcher.Fetch(ctx, target)
}

func (c *JobCrawler) refURLs(parent string, refs []jobRef) []string {
	urls := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref.URL == "" {
			c.logger.Warn("job entry without url", zap.String("parent", parent), zap.String("name", ref.Name))
			continue
		}
		urls = append(urls, ref.URL)
	}
	return urls
}

// selectBuilds applies policy to a payload whose builds array is present.
func selectBuilds(policy BuildPolicy, payload jobPayload) []string {
	var builds []buildRef
	if payload.Builds != nil {
		builds = *payload.Builds
	}

	if policy == BuildPolicyLastOnly {
		for _, ref := range []*buildRef{
			payload.LastSuccessfulBuild,
			payload.LastCompletedBuild,
			payload.LastStableBuild,
		} {
			if ref != nil && ref.URL != "" {
				return []string{ref.URL}
			}
		}
		if len(builds) > 0 && builds[0].URL != "" {
			return []string{builds[0].URL}
		}
		return []string{}
	}

	urls := make([]string, 0, len(builds))
	for _, b := range builds {
		if b.URL != "" {
			urls = append(urls, b.URL)
		}
	}
	return urls
}
