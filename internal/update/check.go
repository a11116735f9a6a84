// Package update checks a release manifest for newer versions of the
// daemon. It only reports; downloading and installing are left to the user.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ///////////////////////////////////////////////
// Checker
// ///////////////////////////////////////////////

// Result is the outcome of one check.
type Result struct {
	Current string
	Latest  string
	// Newer is true when Latest is a higher version than Current.
	Newer bool
}

// Checker compares the running version with the manifest at URL. The
// manifest is a JSON object whose "." key holds the latest stable version.
type Checker struct {
	url     string
	current string
	client  *retryablehttp.Client
}

// NewChecker creates a Checker. An empty url disables checking.
func NewChecker(url, current string) *Checker {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil
	client.HTTPClient.Timeout = 5 * time.Second
	return &Checker{url: url, current: current, client: client}
}

// Enabled reports whether a manifest URL is configured.
func (c *Checker) Enabled() bool { return c.url != "" }

// Check fetches the manifest once.
func (c *Checker) Check(ctx context.Context) (Result, error) {
	res := Result{Current: c.current}
	latest, err := c.fetchLatest(ctx)
	if err != nil {
		return res, err
	}
	res.Latest = latest
	res.Newer = latest != "" && Less(c.current, latest)
	return res, nil
}

// Run checks at start and then every interval until ctx is done, logging
// when a newer version exists. Failures are logged at debug level only.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in version check", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if !c.Enabled() {
		slog.Debug("skipping version check: no manifest URL configured")
		return
	}

	var announced string
	for {
		res, err := c.Check(ctx)
		switch {
		case err != nil:
			slog.Debug("version check failed", "error", err)
		case res.Newer && res.Latest != announced:
			slog.Info("new version available", "current", res.Current, "latest", res.Latest)
			announced = res.Latest
		}

		if interval <= 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (c *Checker) fetchLatest(ctx context.Context) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("GET %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: status %d", c.url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	var manifest map[string]string
	if err := json.Unmarshal(body, &manifest); err != nil {
		return "", fmt.Errorf("parsing manifest: %w", err)
	}
	return strings.TrimSpace(manifest["."]), nil
}

// ///////////////////////////////////////////////
// Versions
// ///////////////////////////////////////////////

// version is a parsed "major.minor.patch[-pre][+build]" string.
type version struct {
	parts [3]int
	pre   bool
}

// parseVersion accepts an optional "v" prefix. Build metadata is ignored.
func parseVersion(s string) (version, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if i := strings.IndexByte(s, '+'); i >= 0 {
		s = s[:i]
	}
	var v version
	if i := strings.IndexByte(s, '-'); i >= 0 {
		v.pre = true
		s = s[:i]
	}
	fields := strings.Split(s, ".")
	if len(fields) != 3 {
		return version{}, false
	}
	for i, f := range fields {
		if f == "" || strings.TrimLeft(f, "0123456789") != "" {
			return version{}, false
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return version{}, false
		}
		v.parts[i] = n
	}
	return v, true
}

// Less reports whether version a is lower than b. A pre-release sorts below
// the release with the same numbers; two pre-releases of the same numbers
// are not ordered. Unparseable versions are never less.
func Less(a, b string) bool {
	va, okA := parseVersion(a)
	vb, okB := parseVersion(b)
	if !okA || !okB {
		return false
	}
	for i := range va.parts {
		if va.parts[i] != vb.parts[i] {
			return va.parts[i] < vb.parts[i]
		}
	}
	return va.pre && !vb.pre
}
