// Package knowledge answers factual questions against the business's hosted
// search service.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout = 8 * time.Second
	maxRetries     = 2
	retryBackoff   = 200 * time.Millisecond
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client queries the knowledge base over HTTP. Lookups run on the live call
// path, so the timeout stays short; the caller degrades to an apology when
// the service cannot answer in time.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("knowledge base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type searchRequest struct {
	Query             string `json:"query"`
	IncludeAnswer     bool   `json:"include_answer"`
	MaxResults        int    `json:"max_results"`
	SearchDepth       string `json:"search_depth"`
	IncludeRawContent bool   `json:"include_raw_content"`
}

type searchResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"results"`
}

// Lookup asks the service for an answer to query. When the service returns
// no synthesized answer, the top result's content stands in for it.
func (c *Client) Lookup(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("query is required")
	}

	payload, err := json.Marshal(searchRequest{
		Query:         query,
		IncludeAnswer: true,
		MaxResults:    3,
		SearchDepth:   "basic",
	})
	if err != nil {
		return "", fmt.Errorf("encode search request: %w", err)
	}

	attempt := 0
	backoff := retryBackoff
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(payload))
		if err != nil {
			return "", fmt.Errorf("build search request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if shouldRetry(ctx, attempt) {
				time.Sleep(backoff)
				backoff *= 2
				attempt++
				continue
			}
			return "", err
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return "", fmt.Errorf("read search response: %w", readErr)
		}

		if resp.StatusCode != http.StatusOK {
			if resp.StatusCode >= 500 && shouldRetry(ctx, attempt) {
				time.Sleep(backoff)
				backoff *= 2
				attempt++
				continue
			}
			return "", fmt.Errorf("knowledge search failed (status %d): %s", resp.StatusCode, truncate(body, 200))
		}

		var out searchResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return "", fmt.Errorf("decode search response: %w", err)
		}
		if answer := strings.TrimSpace(out.Answer); answer != "" {
			return answer, nil
		}
		for _, r := range out.Results {
			if content := strings.TrimSpace(r.Content); content != "" {
				return content, nil
			}
		}
		return "", fmt.Errorf("knowledge search returned no answer for %q", query)
	}
}

func shouldRetry(ctx context.Context, attempt int) bool {
	if ctx.Err() != nil {
		return false
	}
	return attempt < maxRetries
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n]
	}
	return s
}
