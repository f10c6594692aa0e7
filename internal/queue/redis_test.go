package queue

import (
	"testing"
	"time"
)

func TestWorkerOfProcessingKey(t *testing.T) {
	cases := map[string]string{
		processingKey("peep:jobs", "w-1"): "w-1",
		"peep:jobs:processing:":           "",
		"peep:jobs:pending":               "",
		"other:processing:w-1":            "",
		heartbeatKey("peep:jobs", "w-1"):  "",
	}
	for key, want := range cases {
		if got := workerOf("peep:jobs", key); got != want {
			t.Fatalf("workerOf(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestHeartbeatOutlivesBlockingDequeue(t *testing.T) {
	for _, poll := range []time.Duration{time.Second, 5 * time.Second, 20 * time.Second} {
		ttl := heartbeatTTL(poll)
		if ttl < 30*time.Second || ttl <= 3*poll {
			t.Fatalf("heartbeatTTL(%s) = %s", poll, ttl)
		}
	}
}
