package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPJSONAdapter expects a JSON API under its base URL.
//
// Expected endpoints (placeholders, not target-specific):
//
//	POST {base}/api/listings                       -> CreateResult JSON
//	PUT  {base}/api/listings/{external_id}/price   -> ReviseResult JSON
//	POST {base}/api/listings/{external_id}/end     -> EndResult JSON
type HTTPJSONAdapter struct {
	baseURL   string
	client    *http.Client
	userAgent string
	apiKey    string
}

// HTTPJSONAdapterOptions configures NewHTTPJSONAdapter.
type HTTPJSONAdapterOptions struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
}

// NewHTTPJSONAdapter validates the options and builds the adapter.
func NewHTTPJSONAdapter(opts HTTPJSONAdapterOptions) (*HTTPJSONAdapter, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("marketplace: BaseURL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("marketplace: invalid BaseURL: %w", err)
	}
	to := opts.Timeout
	if to <= 0 {
		to = 20 * time.Second
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "lister/1.0"
	}
	return &HTTPJSONAdapter{
		baseURL:   strings.TrimRight(base, "/"),
		client:    &http.Client{Timeout: to},
		userAgent: ua,
		apiKey:    opts.APIKey,
	}, nil
}

func (a *HTTPJSONAdapter) CreateListing(ctx context.Context, payload []byte) (CreateResult, CallMeta, error) {
	start := time.Now()
	if !json.Valid(payload) {
		return CreateResult{}, CallMeta{Latency: time.Since(start)}, errors.New("marketplace: payload is not valid JSON")
	}

	body, status, err := a.do(ctx, http.MethodPost, a.baseURL+"/api/listings", payload)
	meta := CallMeta{StatusCode: status, Latency: time.Since(start)}
	if err != nil {
		return CreateResult{}, meta, err
	}

	var res CreateResult
	if err := json.Unmarshal(body, &res); err != nil {
		return CreateResult{}, meta, fmt.Errorf("marketplace: create response parse: %w", err)
	}
	if res.Success && res.ExternalID == "" {
		return CreateResult{}, meta, errors.New("marketplace: success response missing external_id")
	}
	return res, meta, nil
}

func (a *HTTPJSONAdapter) ReviseListingPrice(ctx context.Context, externalID string, newPrice float64) (ReviseResult, CallMeta, error) {
	start := time.Now()
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return ReviseResult{}, CallMeta{Latency: time.Since(start)}, errors.New("marketplace: externalID is required")
	}

	payload, err := json.Marshal(map[string]float64{"price": newPrice})
	if err != nil {
		return ReviseResult{}, CallMeta{Latency: time.Since(start)}, err
	}

	u := a.baseURL + "/api/listings/" + url.PathEscape(externalID) + "/price"
	body, status, err := a.do(ctx, http.MethodPut, u, payload)
	meta := CallMeta{StatusCode: status, Latency: time.Since(start)}
	if err != nil {
		return ReviseResult{}, meta, err
	}

	var res ReviseResult
	if err := json.Unmarshal(body, &res); err != nil {
		return ReviseResult{}, meta, fmt.Errorf("marketplace: revise response parse: %w", err)
	}
	return res, meta, nil
}

func (a *HTTPJSONAdapter) EndListing(ctx context.Context, externalID, reason string) (EndResult, CallMeta, error) {
	start := time.Now()
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return EndResult{}, CallMeta{Latency: time.Since(start)}, errors.New("marketplace: externalID is required")
	}

	payload, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return EndResult{}, CallMeta{Latency: time.Since(start)}, err
	}

	u := a.baseURL + "/api/listings/" + url.PathEscape(externalID) + "/end"
	body, status, err := a.do(ctx, http.MethodPost, u, payload)
	meta := CallMeta{StatusCode: status, Latency: time.Since(start)}
	if err != nil {
		return EndResult{}, meta, err
	}

	var res EndResult
	if err := json.Unmarshal(body, &res); err != nil {
		return EndResult{}, meta, fmt.Errorf("marketplace: end response parse: %w", err)
	}
	return res, meta, nil
}

func (a *HTTPJSONAdapter) do(ctx context.Context, method, u string, payload []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", a.userAgent)
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	status := resp.StatusCode
	b, _ := io.ReadAll(resp.Body)
	if status < 200 || status >= 300 {
		return nil, status, fmt.Errorf("marketplace: http status %d", status)
	}
	return b, status, nil
}
