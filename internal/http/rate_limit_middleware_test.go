package httpx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMemoryLimiterRefillsOverWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := newMemoryRateLimiter(func() time.Time { return now })
	defer rl.Close()

	for i := 0; i < 3; i++ {
		if d := rl.Allow("actor:a", 3, time.Minute); !d.allowed {
			t.Fatalf("request %d: expected allowed", i+1)
		}
	}
	d := rl.Allow("actor:a", 3, time.Minute)
	if d.allowed || d.count != 3 {
		t.Fatalf("expected fourth request to be rejected, got %+v", d)
	}
	if !d.windowEnd.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected reset %s", d.windowEnd)
	}
	if d := rl.Allow("actor:b", 3, time.Minute); !d.allowed {
		t.Fatalf("other keys keep their own budget")
	}

	now = now.Add(20 * time.Second)
	if d := rl.Allow("actor:a", 3, time.Minute); !d.allowed {
		t.Fatalf("expected a token after a third of the window")
	}

	now = now.Add(2 * time.Minute)
	rl.cleanup(now)
	if len(rl.buckets) != 0 {
		t.Fatalf("expected idle buckets to be swept, got %d", len(rl.buckets))
	}
}

func TestWebhookRateKeyIsPerProject(t *testing.T) {
	mux := http.NewServeMux()
	var keys []string
	mux.HandleFunc("POST /webhooks/github/{webhookSecret}", func(w http.ResponseWriter, req *http.Request) {
		keys = append(keys, webhookRateKey(req))
	})
	for _, secret := range []string{"secret-one", "secret-two", "secret-one"} {
		mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/webhooks/github/"+secret, nil))
	}
	if len(keys) != 3 || keys[0] == keys[1] || keys[0] != keys[2] {
		t.Fatalf("unexpected keys %v", keys)
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, "project:") || strings.Contains(key, "secret") {
			t.Fatalf("key %q must name the project without the secret", key)
		}
	}
}

func TestNoisyProjectDoesNotThrottleOthers(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Limiter = NewMemoryRateLimiter() })
	defer h.router.Close()

	throttled := 0
	for i := 0; i < 2*rateLimitWebhook; i++ {
		if rr := h.deliver(t, "noisy-secret", "ping", `{}`, ""); rr.Code == http.StatusTooManyRequests {
			if i < rateLimitWebhook {
				t.Fatalf("delivery %d throttled early", i+1)
			}
			throttled++
		}
	}
	if throttled == 0 {
		t.Fatalf("expected noisy project to be throttled")
	}
	if rr := h.deliver(t, pathSecret, "ping", `{"zen":"ok"}`, ""); rr.Code != http.StatusOK {
		t.Fatalf("expected other project to be served, got %d", rr.Code)
	}
}

func TestRateMetricKeyKind(t *testing.T) {
	cases := map[string]string{"actor:op": "actor", "project:ab12": "project", "ip:10.0.0.1": "ip", "": "unknown", "bare": "unknown"}
	for key, want := range cases {
		if got := rateMetricKey(key); got != want {
			t.Fatalf("rateMetricKey(%q) = %q, want %q", key, got, want)
		}
	}
}
