package loadgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Options configures one traffic run against a gateway instance.
type Options struct {
	BaseURL     string
	Profile     string
	Requests    int
	Concurrency int
	Email       string
	Password    string
	Timeout     time.Duration
}

// Report aggregates the outcome of a run. Throttled counts responses that
// carried 429, which is the signal the tool exists to provoke.
type Report struct {
	Profile       string
	Total         int
	StatusClasses map[string]int
	Throttled     int
	RetryAfterMax time.Duration
	Elapsed       time.Duration
}

func normalizeProfile(profile string) string {
	v := strings.TrimSpace(strings.ToLower(profile))
	if v == "" {
		return "mixed"
	}
	return v
}

func classifyStatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "other"
	}
}

// Run fires Requests requests at the gateway and aggregates status classes
// and throttling responses. The auth profile hammers the login route to
// exhaust the strict window; the api profile exercises the liveness route;
// mixed alternates between the two.
func Run(ctx context.Context, opts Options) (*Report, error) {
	profile := normalizeProfile(opts.Profile)
	switch profile {
	case "auth", "api", "mixed":
	default:
		return nil, fmt.Errorf("unknown profile %q", profile)
	}
	if opts.Requests <= 0 {
		opts.Requests = 30
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	client := &http.Client{Timeout: opts.Timeout}
	report := &Report{Profile: profile, StatusClasses: map[string]int{}}
	var mu sync.Mutex

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i := 0; i < opts.Requests; i++ {
		i := i
		g.Go(func() error {
			req, err := buildRequest(ctx, opts, profile, i)
			if err != nil {
				return err
			}
			res, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			_, _ = io.Copy(io.Discard, res.Body)
			_ = res.Body.Close()

			mu.Lock()
			defer mu.Unlock()
			report.Total++
			report.StatusClasses[classifyStatusClass(res.StatusCode)]++
			if res.StatusCode == http.StatusTooManyRequests {
				report.Throttled++
				if retry, err := time.ParseDuration(res.Header.Get("Retry-After") + "s"); err == nil && retry > report.RetryAfterMax {
					report.RetryAfterMax = retry
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	report.Elapsed = time.Since(start)
	return report, nil
}

func buildRequest(ctx context.Context, opts Options, profile string, seq int) (*http.Request, error) {
	useAuth := profile == "auth" || (profile == "mixed" && seq%2 == 0)
	if useAuth {
		payload, err := json.Marshal(map[string]string{"email": opts.Email, "password": opts.Password})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.BaseURL+"/api/v1/auth/login", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, opts.BaseURL+"/health/live", nil)
}

// Summary renders a stable, line-oriented report for terminals and CI logs.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "profile=%s total=%d throttled=%d elapsed=%s\n", r.Profile, r.Total, r.Throttled, r.Elapsed.Round(time.Millisecond))
	classes := make([]string, 0, len(r.StatusClasses))
	for class := range r.StatusClasses {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	for _, class := range classes {
		fmt.Fprintf(&b, "  %s: %d\n", class, r.StatusClasses[class])
	}
	if r.RetryAfterMax > 0 {
		fmt.Fprintf(&b, "  max retry-after: %s\n", r.RetryAfterMax)
	}
	return b.String()
}
