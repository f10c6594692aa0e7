// Package scm talks to the repository host.
package scm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxErrorBodySize = 4096

// ErrUnauthorized indicates the repository host rejected the configured token.
var ErrUnauthorized = errors.New("scm unauthorized")

// Client posts feedback to pull requests.
type Client interface {
	CommentOnPullRequest(ctx context.Context, repoFullName string, number int, body string) error
}

// GitHub implements Client against the GitHub REST API.
type GitHub struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewGitHub returns a client for baseURL. With an empty token every call is a
// no-op, so installations without a token still accept pull request events.
func NewGitHub(baseURL, token string, client *http.Client) *GitHub {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "https://api.github.com"
	}
	return &GitHub{baseURL: base, token: strings.TrimSpace(token), client: client}
}

// Enabled reports whether a token is configured.
func (g *GitHub) Enabled() bool {
	return g != nil && g.token != ""
}

func (g *GitHub) CommentOnPullRequest(ctx context.Context, repoFullName string, number int, body string) error {
	if !g.Enabled() {
		return nil
	}
	owner, repo, ok := strings.Cut(repoFullName, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return fmt.Errorf("invalid repository name %q", repoFullName)
	}
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return fmt.Errorf("marshal comment: %w", err)
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments", g.baseURL, owner, repo, number)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build comment request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("post comment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		summary := strings.TrimSpace(string(buf))
		if summary == "" {
			summary = resp.Status
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
		}
		return fmt.Errorf("comment on %s#%d failed: %s", repoFullName, number, summary)
	}
	return nil
}
