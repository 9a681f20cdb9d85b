package crawler

import "bytes"

// authMarkers are the Jenkins page fragments that identify an authorization
// failure. Order matters only when a body contains several of them.
var authMarkers = []struct {
	marker []byte
	err    error
}{
	{[]byte("Authentication required"), ErrAuthenticationRequired},
	{[]byte("Invalid password/token"), ErrInvalidCredentials},
	{[]byte("missing the Overall/Read permission"), ErrMissingReadPermission},
}

// Classify scans a raw response body for known authorization failure markers
// and returns the matching fatal error, or nil for a normal payload. The match
// is a case-sensitive substring search over the whole body, so it applies
// regardless of whether the surrounding text is valid JSON.
func Classify(body []byte) error {
	for _, m := range authMarkers {
		if bytes.Contains(body, m.marker) {
			return m.err
		}
	}
	return nil
}
