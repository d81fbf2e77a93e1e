package security

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// Safe patterns for validation
	jobSegmentPattern = regexp.MustCompile(`^[a-zA-Z0-9 _.()-]+$`)
	entityIDPattern   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	paramNamePattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

const MaxIDListLength = 200

// ValidateJobPath ensures a slash-delimited job path is safe to embed in
// build server URLs. Prevents traversal through "." and ".." segments.
func ValidateJobPath(jobPath string) error {
	trimmed := strings.Trim(jobPath, "/")
	if trimmed == "" {
		return fmt.Errorf("job path cannot be empty")
	}
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == "" {
			return fmt.Errorf("job path %q contains an empty segment", jobPath)
		}
		if seg == "." || seg == ".." {
			return fmt.Errorf("job path %q contains a traversal segment", jobPath)
		}
		if !jobSegmentPattern.MatchString(seg) {
			return fmt.Errorf("job path segment %q contains invalid characters", seg)
		}
	}
	return nil
}

// ValidateEntityID ensures a workflow or credential id is safe for use in
// build parameters and URLs.
func ValidateEntityID(id string) error {
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if strings.HasPrefix(id, "-") {
		return fmt.Errorf("id cannot start with '-'")
	}
	if !entityIDPattern.MatchString(id) {
		return fmt.Errorf("id %q contains invalid characters (only a-z, A-Z, 0-9, _, - allowed)", id)
	}
	return nil
}

// ValidateParamName ensures a build parameter name is a plain identifier.
func ValidateParamName(name string) error {
	if !paramNamePattern.MatchString(name) {
		return fmt.Errorf("parameter name %q must be an identifier", name)
	}
	return nil
}

// ValidateBuildURL ensures rawURL is an absolute http(s) URL on the same
// host as baseURL. Prevents the server from being used to reach arbitrary
// hosts.
func ValidateBuildURL(rawURL, baseURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("only http(s) URLs allowed, got %q", u.Scheme)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if !strings.EqualFold(u.Host, base.Host) {
		return fmt.Errorf("host %q is not the build server", u.Host)
	}
	return nil
}

// ParseIDList splits a comma separated id list, trims blanks, drops
// duplicates and validates every id.
func ParseIDList(raw string) ([]string, error) {
	return NormalizeIDs(strings.Split(raw, ","))
}

// NormalizeIDs trims, de-duplicates and validates ids, keeping order.
func NormalizeIDs(ids []string) ([]string, error) {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		if err := ValidateEntityID(id); err != nil {
			return nil, err
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) > MaxIDListLength {
		return nil, fmt.Errorf("too many ids (maximum %d)", MaxIDListLength)
	}
	return out, nil
}
