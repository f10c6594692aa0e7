package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/splax/localvercel/internal/domain"
)

func TestHTTPNotifierPostsEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("X-Peep-Event") != KindDeploymentSucceeded {
			t.Fatalf("unexpected event header %q", r.Header.Get("X-Peep-Event"))
		}
		var event Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if event.DeploymentID != "dep-1" || event.URL != "https://app.example.test" {
			t.Fatalf("unexpected event %+v", event)
		}
		if event.OccurredAt.IsZero() {
			t.Fatalf("expected occurred_at to be populated")
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n, err := NewHTTPNotifier(srv.URL, nil)
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	event := NewEvent(KindDeploymentSucceeded, domain.Project{ID: "p1", Name: "app"}, domain.Deployment{ID: "dep-1", URL: "https://app.example.test"})
	if err := n.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
}

func TestHTTPNotifierReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	n, err := NewHTTPNotifier(srv.URL, &http.Client{Timeout: time.Second})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	err = n.Notify(context.Background(), Event{Kind: KindDeploymentFailed})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestNewHTTPNotifierRequiresURL(t *testing.T) {
	if _, err := NewHTTPNotifier("  ", nil); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

type failingNotifier struct{ err error }

func (f failingNotifier) Notify(context.Context, Event) error { return f.err }

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	m := Multi{nil, failingNotifier{}, failingNotifier{err: boom}}
	if err := m.Notify(context.Background(), Event{}); !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
}
