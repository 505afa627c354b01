package loadgen

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestClassifyStatusClass(t *testing.T) {
	cases := map[int]string{
		200: "2xx",
		302: "3xx",
		404: "4xx",
		500: "5xx",
		100: "other",
	}
	for status, want := range cases {
		if got := classifyStatusClass(status); got != want {
			t.Fatalf("classifyStatusClass(%d)=%q want %q", status, got, want)
		}
	}
}

func TestNormalizeProfile(t *testing.T) {
	if got := normalizeProfile(""); got != "mixed" {
		t.Fatalf("normalizeProfile empty=%q want mixed", got)
	}
	if got := normalizeProfile("  AUTH  "); got != "auth" {
		t.Fatalf("normalizeProfile auth=%q want auth", got)
	}
}

func TestRunCountsThrottledResponses(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) > 5 {
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	report, err := Run(context.Background(), Options{
		BaseURL:     srv.URL,
		Profile:     "auth",
		Requests:    8,
		Concurrency: 2,
		Email:       "a@b.com",
		Password:    "wrong",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Total != 8 {
		t.Fatalf("total=%d want 8", report.Total)
	}
	if report.Throttled != 3 {
		t.Fatalf("throttled=%d want 3", report.Throttled)
	}
	if report.StatusClasses["4xx"] != 8 {
		t.Fatalf("4xx=%d want 8", report.StatusClasses["4xx"])
	}
	if !strings.Contains(report.Summary(), "throttled=3") {
		t.Fatalf("summary missing throttle count: %s", report.Summary())
	}
}

func TestRunRejectsUnknownProfile(t *testing.T) {
	if _, err := Run(context.Background(), Options{Profile: "chaos"}); err == nil {
		t.Fatal("unknown profile must error")
	}
}
