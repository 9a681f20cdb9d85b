// Package crawler walks the Jenkins job tree and turns it into a Document.
package crawler

import (
	"fmt"
	"strings"
)

// BuildPolicy selects which builds of a job end up in the job tree.
type BuildPolicy string

// Supported build selection policies.
const (
	BuildPolicyAll      BuildPolicy = "all"
	BuildPolicyLastOnly BuildPolicy = "last-only"
)

// ParseBuildPolicy maps a textual policy onto a BuildPolicy.
func ParseBuildPolicy(raw string) (BuildPolicy, error) {
	switch BuildPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", BuildPolicyAll:
		return BuildPolicyAll, nil
	case BuildPolicyLastOnly, "last":
		return BuildPolicyLastOnly, nil
	default:
		return "", fmt.Errorf("unknown build policy %q", raw)
	}
}

// PolicyFor returns the policy implied by the "last build only" toggle.
func PolicyFor(lastOnly bool) BuildPolicy {
	if lastOnly {
		return BuildPolicyLastOnly
	}
	return BuildPolicyAll
}

// JobNode is one job (or folder) in the remote hierarchy.
//
// SubJobs and Builds use omitzero so that a nil slice (field absent upstream)
// and an empty slice (field present but empty) survive a snapshot round-trip.
type JobNode struct {
	Name    *string   `json:"name"`
	URL     string    `json:"url"`
	SubJobs []JobNode `json:"sub_jobs,omitzero"`
	Builds  []string  `json:"builds,omitzero"`
}

// Document is the materialized job tree: the ordered top-level jobs.
type Document []JobNode

// buildRef is the {url} object Jenkins uses for build references.
type buildRef struct {
	URL string `json:"url"`
}

// jobRef is an entry of a "jobs" array.
type jobRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// rootListing is the subset of {base}/api/json the crawler reads.
type rootListing struct {
	Jobs []jobRef `json:"jobs"`
}

// jobPayload is the subset of {job}/api/json the crawler reads. Pointer
// fields distinguish "absent" from "empty".
type jobPayload struct {
	Name                *string     `json:"name"`
	URL                 string      `json:"url"`
	Jobs                *[]jobRef   `json:"jobs"`
	Builds              *[]buildRef `json:"builds"`
	LastSuccessfulBuild *buildRef   `json:"lastSuccessfulBuild"`
	LastCompletedBuild  *buildRef   `json:"lastCompletedBuild"`
	LastStableBuild     *buildRef   `json:"lastStableBuild"`
}
