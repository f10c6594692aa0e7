package scm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCommentOnPullRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/web/issues/7/comments" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Fatalf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload["body"] != "preview ready" {
			t.Fatalf("unexpected body %q", payload["body"])
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	gh := NewGitHub(srv.URL, "tok", nil)
	if err := gh.CommentOnPullRequest(context.Background(), "acme/web", 7, "preview ready"); err != nil {
		t.Fatalf("comment: %v", err)
	}
}

func TestCommentWithoutTokenIsNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request to %s", r.URL.Path)
	}))
	defer srv.Close()

	gh := NewGitHub(srv.URL, "", nil)
	if err := gh.CommentOnPullRequest(context.Background(), "acme/web", 7, "x"); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestCommentUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	gh := NewGitHub(srv.URL, "tok", nil)
	err := gh.CommentOnPullRequest(context.Background(), "acme/web", 7, "x")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestCommentRejectsMalformedRepo(t *testing.T) {
	gh := NewGitHub("http://127.0.0.1:1", "tok", nil)
	if err := gh.CommentOnPullRequest(context.Background(), "no-slash", 1, "x"); err == nil {
		t.Fatalf("expected error for malformed repository name")
	}
}
