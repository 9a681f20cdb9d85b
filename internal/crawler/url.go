package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a job URL so that the same job reached through
// slightly different spellings is recognized as one node.
// It lowercases the scheme and host, removes default ports, drops fragments
// and makes the path end with a slash.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
		if u.RawPath != "" {
			u.RawPath += "/"
		}
	}

	return u.String(), nil
}

// JoinURL appends a relative endpoint to a Jenkins object URL, tolerating
// either spelling of the trailing slash (".../job/A" and ".../job/A/").
func JoinURL(base, endpoint string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(endpoint, "/")
}

// URLPath returns the escaped path of rawURL without leading or trailing
// slashes, e.g. "http://h/job/MyJob/1/" -> "job/MyJob/1".
func URLPath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", rawURL)
	}
	return strings.Trim(u.EscapedPath(), "/"), nil
}
