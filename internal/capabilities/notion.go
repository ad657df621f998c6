package capabilities

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ashureev/conductor/internal/authz"
)

// DefaultNotionAPI is the public Notion endpoint.
const DefaultNotionAPI = "https://api.notion.com/v1"

const notionVersion = "2022-06-28"

// NotionClient calls the Notion API.
type NotionClient struct {
	api *apiClient
}

// NewNotionClient creates a client. An empty base URL selects the public API.
func NewNotionClient(baseURL string, hc *http.Client) *NotionClient {
	if baseURL == "" {
		baseURL = DefaultNotionAPI
	}
	return &NotionClient{
		api: newAPIClient(authz.ProviderNotion, baseURL, hc, map[string]string{"Notion-Version": notionVersion}),
	}
}

type notionPage struct {
	ID  string `json:"id"`
	URL string `json:"url"`
	// Title properties are keyed by the workspace's property name.
	Properties map[string]struct {
		Type  string `json:"type"`
		Title []struct {
			PlainText string `json:"plain_text"`
		} `json:"title"`
	} `json:"properties"`
}

func (p notionPage) title() string {
	for _, prop := range p.Properties {
		if prop.Type != "title" {
			continue
		}
		var parts []string
		for _, t := range prop.Title {
			parts = append(parts, t.PlainText)
		}
		return strings.Join(parts, "")
	}
	return ""
}

func (n *NotionClient) search(ctx context.Context, token string, raw json.RawMessage) (string, error) {
	var args struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if args.Limit <= 0 || args.Limit > 50 {
		args.Limit = 10
	}

	body := map[string]any{
		"query":     args.Query,
		"page_size": args.Limit,
		"filter":    map[string]string{"property": "object", "value": "page"},
	}
	var resp struct {
		Results []notionPage `json:"results"`
	}
	if err := n.api.do(ctx, token, http.MethodPost, "/search", body, &resp); err != nil {
		return "", err
	}
	if len(resp.Results) == 0 {
		return "No pages found.", nil
	}

	type hit struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		URL   string `json:"url"`
	}
	hits := make([]hit, 0, len(resp.Results))
	for _, p := range resp.Results {
		hits = append(hits, hit{ID: p.ID, Title: p.title(), URL: p.URL})
	}
	return toJSON(hits), nil
}

func (n *NotionClient) createPage(ctx context.Context, token string, raw json.RawMessage) (string, error) {
	var args struct {
		ParentID string `json:"parent_id"`
		Title    string `json:"title"`
		Content  string `json:"content"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if args.ParentID == "" || strings.TrimSpace(args.Title) == "" {
		return "", errors.New("parent_id and title are required")
	}

	body := map[string]any{
		"parent": map[string]string{"page_id": args.ParentID},
		"properties": map[string]any{
			"title": map[string]any{
				"title": []any{map[string]any{"text": map[string]string{"content": args.Title}}},
			},
		},
	}
	if args.Content != "" {
		body["children"] = []any{map[string]any{
			"object": "block",
			"type":   "paragraph",
			"paragraph": map[string]any{
				"rich_text": []any{map[string]any{"type": "text", "text": map[string]string{"content": args.Content}}},
			},
		}}
	}
	var page notionPage
	if err := n.api.do(ctx, token, http.MethodPost, "/pages", body, &page); err != nil {
		return "", err
	}
	return toJSON(map[string]any{"status": "created", "page_id": page.ID, "url": page.URL}), nil
}
