package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"track-resolver-go/circuitbreaker"
	"track-resolver-go/logcolors"
	"track-resolver-go/track"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const listPageSize = 500

// HTTPConfig configures the HTTP catalog adapter
type HTTPConfig struct {
	BaseURL   string
	APIToken  string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 disables limiting
	Burst     int
	Breaker   *circuitbreaker.CircuitBreaker
	Client    *http.Client
}

// HTTPProvider queries a JSON catalog API:
//
//	GET {base}/search?title=&artist=&album=&limit=  -> {"tracks": [...]}
//	GET {base}/tracks/{id}                          -> {...} or 404
//	GET {base}/tracks?offset=&limit=                -> {"tracks": [...], "next_offset": n}
//
// The rate limiter belongs to the adapter instance; two adapters never
// share budget.
type HTTPProvider struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
}

var (
	_ SearchProvider = (*HTTPProvider)(nil)
	_ Lister         = (*HTTPProvider)(nil)
)

type tracksResponse struct {
	Tracks     []track.Candidate `json:"tracks"`
	NextOffset *int              `json:"next_offset,omitempty"`
}

// NewHTTPProvider creates the adapter
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("catalog base URL is empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid catalog base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &HTTPProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.APIToken,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		breaker: cfg.Breaker,
	}, nil
}

// Name returns "http"
func (p *HTTPProvider) Name() string { return "http" }

// Breaker returns the circuit breaker guarding the adapter, if any
func (p *HTTPProvider) Breaker() *circuitbreaker.CircuitBreaker { return p.breaker }

// Search queries the catalog
func (p *HTTPProvider) Search(ctx context.Context, f Filters, limit int) ([]track.Candidate, error) {
	params := url.Values{}
	if f.Title != "" {
		params.Set("title", f.Title)
	}
	if f.Artist != "" {
		params.Set("artist", f.Artist)
	}
	if f.Album != "" {
		params.Set("album", f.Album)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var resp tracksResponse
	if err := p.getJSON(ctx, "/search?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	if limit > 0 && len(resp.Tracks) > limit {
		resp.Tracks = resp.Tracks[:limit]
	}
	log.Debugf("%s search %+v returned %d tracks", logcolors.LogCatalog, f, len(resp.Tracks))
	return resp.Tracks, nil
}

// Fetch returns one track by id
func (p *HTTPProvider) Fetch(ctx context.Context, externalID string) (track.Candidate, error) {
	var c track.Candidate
	if err := p.getJSON(ctx, "/tracks/"+url.PathEscape(externalID), &c); err != nil {
		return track.Candidate{}, err
	}
	if c.ExternalID == "" {
		c.ExternalID = externalID
	}
	return c, nil
}

// List pages through every track
func (p *HTTPProvider) List(ctx context.Context, fn func(track.Candidate) bool) error {
	offset := 0
	for {
		params := url.Values{}
		params.Set("offset", strconv.Itoa(offset))
		params.Set("limit", strconv.Itoa(listPageSize))

		var resp tracksResponse
		if err := p.getJSON(ctx, "/tracks?"+params.Encode(), &resp); err != nil {
			return err
		}
		for _, t := range resp.Tracks {
			if !fn(t) {
				return nil
			}
		}
		if resp.NextOffset == nil || *resp.NextOffset <= offset || len(resp.Tracks) == 0 {
			return nil
		}
		offset = *resp.NextOffset
	}
}

func (p *HTTPProvider) getJSON(ctx context.Context, path string, out interface{}) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return NewProviderError(p.Name(), "rate limiter", fmt.Errorf("%w: %v", ErrUnavailable, err))
	}

	call := func() error { return p.do(ctx, path, out) }
	if p.breaker == nil {
		return call()
	}

	err := p.breaker.Execute(call, IsUnavailable)
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return NewProviderError(p.Name(), "circuit open", fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	return err
}

func (p *HTTPProvider) do(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return NewProviderError(p.Name(), "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return NewProviderError(p.Name(), "request failed", fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return NewProviderError(p.Name(), "GET "+path, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Warnf("%s catalog returned %d: %s", logcolors.LogHTTP, resp.StatusCode, strings.TrimSpace(string(body)))
		return NewProviderError(p.Name(), fmt.Sprintf("status %d", resp.StatusCode), ErrUnavailable)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewProviderError(p.Name(), "decode response", fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	return nil
}
