package dispatcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxstream/ttscore/internal/domain"
)

func TestSynthesizeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(synthesizeResponse{
			AudioBase64: base64.StdEncoding.EncodeToString([]byte("bytes")),
			DurationMs:  750,
		})
	}))
	defer srv.Close()

	client := NewClient([]Endpoint{{ModelSlug: "m1", URL: srv.URL, Codec: "mp3"}},
		RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
		5, time.Second, 2, RateLimitConfig{})

	audio, codec, durationMs, err := client.Synthesize(context.Background(), domain.Job{JobID: "j1", ModelSlug: "m1", Text: "hi"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "bytes" || codec != "mp3" || durationMs != 750 {
		t.Errorf("got audio=%q codec=%q duration=%d", audio, codec, durationMs)
	}
}

func TestSynthesizeRetriesOnRetryableStatus(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(synthesizeResponse{
			AudioBase64: base64.StdEncoding.EncodeToString([]byte("ok")),
			DurationMs:  100,
		})
	}))
	defer srv.Close()

	client := NewClient([]Endpoint{{ModelSlug: "m1", URL: srv.URL, Codec: "mp3"}},
		RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
		5, time.Second, 2, RateLimitConfig{})

	audio, _, _, err := client.Synthesize(context.Background(), domain.Job{JobID: "j1", ModelSlug: "m1"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "ok" {
		t.Errorf("got %q", audio)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestSynthesizeTripsCircuitBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient([]Endpoint{{ModelSlug: "m1", URL: srv.URL, Codec: "mp3"}},
		RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		2, time.Hour, 1, RateLimitConfig{})

	for i := 0; i < 2; i++ {
		if _, _, _, err := client.Synthesize(context.Background(), domain.Job{JobID: "j", ModelSlug: "m1"}); err == nil {
			t.Fatal("expected failure from unhealthy endpoint")
		}
	}

	_, _, _, err := client.Synthesize(context.Background(), domain.Job{JobID: "j", ModelSlug: "m1"})
	if err == nil {
		t.Fatal("expected circuit-open error")
	}
	if _, ok := err.(*errCircuitOpen); !ok {
		t.Errorf("expected errCircuitOpen, got %T: %v", err, err)
	}
}

func TestSynthesizeUnknownModel(t *testing.T) {
	client := NewClient(nil, RetryPolicy{}, 5, time.Second, 2, RateLimitConfig{})
	_, _, _, err := client.Synthesize(context.Background(), domain.Job{JobID: "j", ModelSlug: "unknown"})
	if err == nil {
		t.Fatal("expected error for unconfigured model")
	}
}

func TestSynthesizeRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(synthesizeResponse{
			AudioBase64: base64.StdEncoding.EncodeToString([]byte("bytes")),
			DurationMs:  100,
		})
	}))
	defer srv.Close()

	client := NewClient([]Endpoint{{ModelSlug: "m1", URL: srv.URL, Codec: "mp3"}},
		RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		5, time.Second, 2,
		RateLimitConfig{Enabled: true, DefaultRate: 1, DefaultBurst: 1})

	if _, _, _, err := client.Synthesize(context.Background(), domain.Job{JobID: "j1", ModelSlug: "m1"}); err != nil {
		t.Fatalf("first call should consume the single burst token: %v", err)
	}

	_, _, _, err := client.Synthesize(context.Background(), domain.Job{JobID: "j2", ModelSlug: "m1"})
	if err == nil {
		t.Fatal("expected rate-limited error on second call")
	}
	if _, ok := err.(*errRateLimited); !ok {
		t.Errorf("expected errRateLimited, got %T: %v", err, err)
	}
}

func TestSynthesizeRateLimitDisabledByDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(synthesizeResponse{
			AudioBase64: base64.StdEncoding.EncodeToString([]byte("bytes")),
			DurationMs:  100,
		})
	}))
	defer srv.Close()

	client := NewClient([]Endpoint{{ModelSlug: "m1", URL: srv.URL, Codec: "mp3"}},
		RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		5, time.Second, 2, RateLimitConfig{})

	for i := 0; i < 5; i++ {
		if _, _, _, err := client.Synthesize(context.Background(), domain.Job{JobID: "j", ModelSlug: "m1"}); err != nil {
			t.Fatalf("call %d: rate limiting should be a no-op when disabled: %v", i, err)
		}
	}
}
