package jenkins

import (
	"fmt"
	"net/url"
	"strings"

	"promobox/internal/security"
)

// JobURLPath converts a slash-delimited job path ("teamA/sync") into the
// nested folder form Jenkins expects ("job/teamA/job/sync/").
func JobURLPath(jobPath string) (string, error) {
	if err := security.ValidateJobPath(jobPath); err != nil {
		return "", err
	}

	var b strings.Builder
	for _, seg := range strings.Split(strings.Trim(jobPath, "/"), "/") {
		b.WriteString("job/")
		b.WriteString(url.PathEscape(seg))
		b.WriteString("/")
	}
	return b.String(), nil
}

// withSlash returns u with a trailing slash so relative references resolve
// beneath it.
func withSlash(raw string) string {
	if strings.HasSuffix(raw, "/") {
		return raw
	}
	return raw + "/"
}

// Locator resolves references found in build-system responses to absolute
// URLs. Root-relative references ("/job/x/1/input/a/abort") resolve against
// the server root; path-relative ones against the build.
type Locator struct {
	Base  *url.URL
	Build *url.URL
}

// NewLocator parses the base and build URLs.
func NewLocator(baseURL, buildURL string) (Locator, error) {
	base, err := url.Parse(withSlash(baseURL))
	if err != nil {
		return Locator{}, fmt.Errorf("parse base url: %w", err)
	}
	build, err := base.Parse(withSlash(buildURL))
	if err != nil {
		return Locator{}, fmt.Errorf("parse build url: %w", err)
	}
	return Locator{Base: base, Build: build}, nil
}

// Resolve returns ref as an absolute URL, or "" when ref is empty or
// cannot be parsed.
func (l Locator) Resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if u.IsAbs() {
		return u.String()
	}
	if strings.HasPrefix(ref, "/") {
		return l.Base.ResolveReference(u).String()
	}
	return l.Build.ResolveReference(u).String()
}

// InputPage is the build's input page ("<build>/input/").
func (l Locator) InputPage() string {
	return l.Build.ResolveReference(&url.URL{Path: "input/"}).String()
}

func (l Locator) inputAction(id, action string) string {
	if id == "" {
		return ""
	}
	u, err := l.Build.Parse("input/" + url.PathEscape(id) + "/" + action)
	if err != nil {
		return ""
	}
	return u.String()
}
