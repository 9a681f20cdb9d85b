// Package collyfetcher implements crawler.Fetcher against the Jenkins JSON API
// using gocolly.
package collyfetcher

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/jenkins-dump/internal/crawler"
	"github.com/JakeFAU/jenkins-dump/internal/metrics"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "jenkins-dump"
)

// Config controls collector behavior.
type Config struct {
	// BaseURL is the Jenkins root; relative targets are resolved against it.
	BaseURL   string
	Username  string
	Password  string
	UserAgent string
	Timeout   time.Duration
	// Insecure disables TLS certificate verification.
	Insecure bool
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	base          *url.URL
	authHeader    string
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchResult is filled in by the collector callbacks of a single visit.
type fetchResult struct {
	status int
	body   []byte
	err    error
}

// New builds a Fetcher. BaseURL must be an absolute http(s) URL.
func New(cfg Config) (*Fetcher, error) {
	base, err := parseBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.MaxBodySize = 0
	c.UserAgent = cfg.UserAgent
	// Clones share the base collector's HTTP backend, so transport and timeout
	// are configured once here and never touched per request.
	c.WithTransport(newHTTPTransport(cfg.Insecure))
	c.SetRequestTimeout(cfg.Timeout)

	f := &Fetcher{
		cfg:           cfg,
		base:          base,
		baseCollector: c,
	}
	if cfg.Username != "" || cfg.Password != "" {
		token := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		f.authHeader = "Basic " + token
	}
	return f, nil
}

// Fetch performs one authenticated GET and returns the body of a successful
// response. Failures are reported as *crawler.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, target string) ([]byte, error) {
	absolute, err := f.Resolve(target)
	if err != nil {
		return nil, &crawler.FetchError{URL: target, Err: err}
	}

	var result fetchResult
	start := time.Now()
	collector := f.baseCollector.Clone()
	f.configureCollectorHooks(collector, absolute, start, &result)

	if err := f.runCollector(ctx, collector, absolute, &result); err != nil {
		return nil, err
	}
	return result.body, nil
}

// Resolve turns a target into an absolute URL. Absolute targets are returned
// unchanged; anything else is joined onto the base URL.
func (f *Fetcher) Resolve(target string) (string, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse target %q: %w", target, err)
	}
	if ref.IsAbs() {
		return target, nil
	}
	return f.base.ResolveReference(&url.URL{
		Path:     strings.TrimPrefix(ref.Path, "/"),
		RawQuery: ref.RawQuery,
	}).String(), nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, target string, start time.Time, result *fetchResult) {
	hooks.OnRequest(func(r *colly.Request) {
		if f.authHeader != "" {
			r.Headers.Set("Authorization", f.authHeader)
		}
		r.Headers.Set("Accept", "application/json, text/plain, */*")
	})

	hooks.OnResponse(func(r *colly.Response) {
		result.status = r.StatusCode
		result.body = append([]byte(nil), r.Body...)
		metrics.ObserveRequest(target, r.StatusCode, len(r.Body), time.Since(start))
	})

	hooks.OnError(func(r *colly.Response, err error) {
		result.err = err
		if r == nil {
			metrics.ObserveRequest(target, 0, 0, time.Since(start))
			return
		}
		result.status = r.StatusCode
		result.body = append([]byte(nil), r.Body...)
		metrics.ObserveRequest(target, r.StatusCode, len(r.Body), time.Since(start))
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, result *fetchResult) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return &crawler.FetchError{URL: target, Err: fmt.Errorf("colly fetch canceled: %w", ctx.Err())}
	case err := <-done:
		if err == nil && result.err == nil {
			return nil
		}
		if err == nil {
			err = result.err
		}
		if result.status == 0 {
			return &crawler.FetchError{URL: target, Err: err}
		}
		return &crawler.FetchError{
			URL:        target,
			StatusCode: result.status,
			Body:       result.body,
			Err:        errors.New(http.StatusText(result.status)),
		}
	}
}

func parseBaseURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("base url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be an absolute http(s) url", raw)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u, nil
}

func newHTTPTransport(insecure bool) *http.Transport {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}
	if insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via --insecure
	}
	return t
}
