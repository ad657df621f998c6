package capabilities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ashureev/conductor/internal/authz"
)

// DefaultGitHubAPI is the public GitHub REST endpoint.
const DefaultGitHubAPI = "https://api.github.com"

// GitHubClient calls the GitHub REST API with an owner's token.
type GitHubClient struct {
	api           *apiClient
	webhookURL    string
	webhookSecret string
}

// NewGitHubClient creates a client. webhookURL is the public address of the
// push webhook endpoint registered by setup_github_webhook.
func NewGitHubClient(baseURL, webhookURL, webhookSecret string, hc *http.Client) *GitHubClient {
	if baseURL == "" {
		baseURL = DefaultGitHubAPI
	}
	return &GitHubClient{
		api: newAPIClient(authz.ProviderGitHub, baseURL, hc, map[string]string{
			"X-GitHub-Api-Version": "2022-11-28",
		}),
		webhookURL:    webhookURL,
		webhookSecret: webhookSecret,
	}
}

type githubRepo struct {
	FullName    string `json:"full_name"`
	Private     bool   `json:"private"`
	Description string `json:"description"`
	HTMLURL     string `json:"html_url"`
	PushedAt    string `json:"pushed_at"`
}

func (g *GitHubClient) listRepositories(ctx context.Context, token string, raw json.RawMessage) (string, error) {
	var args struct {
		Limit int `json:"limit"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if args.Limit <= 0 || args.Limit > 100 {
		args.Limit = 30
	}

	var repos []githubRepo
	path := fmt.Sprintf("/user/repos?sort=updated&per_page=%d", args.Limit)
	if err := g.api.do(ctx, token, http.MethodGet, path, nil, &repos); err != nil {
		return "", err
	}
	if len(repos) == 0 {
		return "No repositories found.", nil
	}
	return toJSON(repos), nil
}

func (g *GitHubClient) setupWebhook(ctx context.Context, token string, raw json.RawMessage) (string, error) {
	var args struct {
		Repository string `json:"repository"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	owner, repo, ok := strings.Cut(strings.TrimSpace(args.Repository), "/")
	if !ok || owner == "" || repo == "" {
		return "", errors.New(`repository must look like "owner/name"`)
	}
	if g.webhookURL == "" {
		return "", errors.New("webhook endpoint is not configured")
	}

	body := map[string]any{
		"name":   "web",
		"active": true,
		"events": []string{"push"},
		"config": map[string]any{
			"url":          g.webhookURL,
			"content_type": "json",
			"secret":       g.webhookSecret,
		},
	}
	var hook struct {
		ID int64 `json:"id"`
	}
	if err := g.api.do(ctx, token, http.MethodPost, "/repos/"+owner+"/"+repo+"/hooks", body, &hook); err != nil {
		return "", err
	}
	return toJSON(map[string]any{"status": "created", "hook_id": hook.ID, "repository": owner + "/" + repo}), nil
}
