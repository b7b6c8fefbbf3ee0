package loadtest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/tiercache/internal/httputil"
)

type queryRequest struct {
	Query        string `json:"query"`
	ForceRefresh bool   `json:"forceRefresh"`
}

type queryMetadata struct {
	Source    string `json:"source"`
	CacheType string `json:"cache_type"`
	RiskLevel string `json:"risk_level"`
}

type queryResponse struct {
	Response string        `json:"response"`
	Metadata queryMetadata `json:"metadata"`
}

type apiClient struct {
	url  string
	http *http.Client
}

func newAPIClient(baseURL string, client *http.Client) *apiClient {
	return &apiClient{
		url:  strings.TrimRight(baseURL, "/") + "/api/query",
		http: client,
	}
}

func (c *apiClient) query(ctx context.Context, query string, forceRefresh bool) (*queryResponse, error) {
	body, err := json.Marshal(queryRequest{Query: query, ForceRefresh: forceRefresh})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxResponseBodyBytes)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var out queryResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}
