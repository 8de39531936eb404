package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

func init() {
	Register("nivoda", func(baseURL string, maxPageSize int) (Adapter, error) {
		if baseURL == "" {
			return nil, fmt.Errorf("nivoda adapter: base_url is required")
		}
		if maxPageSize <= 0 || maxPageSize > 50 {
			maxPageSize = 50
		}
		return NewNivodaAdapter(baseURL, maxPageSize), nil
	})
}

// nivodaQuery mirrors demoQuery's shape: a price sub-range plus an update
// window, serialized into the vendor's POST body at Search/Count time.
type nivodaQuery struct {
	minPrice, maxPrice     float64
	updatedFrom, updatedTo time.Time
}

func (q nivodaQuery) WithPriceRange(min, max float64) Query {
	q.minPrice, q.maxPrice = min, max
	return q
}

// tokenCache holds the adapter's current bearer token and re-authenticates
// transparently a safety buffer before the upstream-declared expiry, treating
// that expiry as a soft deadline to reconnect ahead of rather than after the
// fact.
type tokenCache struct {
	mu           sync.Mutex
	token        string
	expiresAt    time.Time
	safetyBuffer time.Duration
}

func (c *tokenCache) valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != "" && time.Now().Before(c.expiresAt.Add(-c.safetyBuffer))
}

func (c *tokenCache) get() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *tokenCache) set(token string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.expiresAt = expiresAt
}

// NivodaAdapter is the HTTP REST implementation of the Feed Adapter interface
// against a single paginated search endpoint with cursor-free offset
// pagination and a separate auth-token endpoint.
type NivodaAdapter struct {
	baseURL     string
	maxPageSize int
	httpClient  *http.Client
	tokens      *tokenCache

	username string
	password string
}

// NewNivodaAdapter constructs an adapter bound to baseURL. Credentials are
// read from NIVODA_USERNAME/NIVODA_PASSWORD at auth time rather than at
// construction, so the adapter can be registered before secrets are
// available in the process environment.
func NewNivodaAdapter(baseURL string, maxPageSize int) *NivodaAdapter {
	return &NivodaAdapter{
		baseURL:     baseURL,
		maxPageSize: maxPageSize,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		tokens:      &tokenCache{safetyBuffer: 2 * time.Minute},
	}
}

func (a *NivodaAdapter) MaxPageSize() int { return a.maxPageSize }

func (a *NivodaAdapter) BuildBaseQuery(updatedFrom, updatedTo time.Time) Query {
	return nivodaQuery{updatedFrom: updatedFrom, updatedTo: updatedTo}
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Token     string `json:"access_token"`
	ExpiresIn int    `json:"expires_in"`
}

// authenticate exchanges credentials for a bearer token and caches it with
// its declared lifetime, so subsequent requests skip the round trip until
// the safety buffer is reached.
func (a *NivodaAdapter) authenticate(ctx context.Context) error {
	if a.tokens.valid() {
		return nil
	}
	if a.username == "" {
		a.username = os.Getenv("NIVODA_USERNAME")
	}
	if a.password == "" {
		a.password = os.Getenv("NIVODA_PASSWORD")
	}
	body, err := json.Marshal(authRequest{Username: a.username, Password: a.password})
	if err != nil {
		return &FatalError{Cause: fmt.Errorf("marshal auth request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return &FatalError{Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &RetryableError{Cause: fmt.Errorf("auth: upstream status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return &FatalError{Cause: fmt.Errorf("auth: upstream status %d", resp.StatusCode)}
	}

	var out authResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return &FatalError{Cause: fmt.Errorf("decode auth response: %w", err)}
	}
	a.tokens.set(out.Token, time.Now().Add(time.Duration(out.ExpiresIn)*time.Second))
	return nil
}

type searchRequest struct {
	MinPrice    float64 `json:"min_price"`
	MaxPrice    float64 `json:"max_price"`
	UpdatedFrom string  `json:"updated_from,omitempty"`
	UpdatedTo   string  `json:"updated_to,omitempty"`
	Offset      int     `json:"offset"`
	Limit       int     `json:"limit"`
	CountOnly   bool    `json:"count_only,omitempty"`
}

type searchResponse struct {
	Items      []Item `json:"items"`
	TotalCount int    `json:"total_count"`
}

func (a *NivodaAdapter) doSearch(ctx context.Context, q nivodaQuery, offset, limit int, countOnly bool) (searchResponse, error) {
	if err := a.authenticate(ctx); err != nil {
		return searchResponse{}, err
	}

	reqBody := searchRequest{
		MinPrice:  q.minPrice,
		MaxPrice:  q.maxPrice,
		Offset:    offset,
		Limit:     limit,
		CountOnly: countOnly,
	}
	if !q.updatedFrom.IsZero() {
		reqBody.UpdatedFrom = q.updatedFrom.Format(time.RFC3339)
	}
	if !q.updatedTo.IsZero() {
		reqBody.UpdatedTo = q.updatedTo.Format(time.RFC3339)
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return searchResponse{}, &FatalError{Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/diamonds/search", bytes.NewReader(body))
	if err != nil {
		return searchResponse{}, &FatalError{Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.tokens.get())

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return searchResponse{}, &RetryableError{Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return searchResponse{}, &RetryableError{Cause: ErrRateLimited}
	case resp.StatusCode == http.StatusUnauthorized:
		a.tokens.set("", time.Time{})
		return searchResponse{}, &RetryableError{Cause: ErrAuthExpired}
	case resp.StatusCode >= 500:
		data, _ := io.ReadAll(resp.Body)
		return searchResponse{}, &RetryableError{Cause: fmt.Errorf("search: upstream status %d: %s", resp.StatusCode, data)}
	case resp.StatusCode != http.StatusOK:
		data, _ := io.ReadAll(resp.Body)
		return searchResponse{}, &FatalError{Cause: fmt.Errorf("search: upstream status %d: %s", resp.StatusCode, data)}
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return searchResponse{}, &FatalError{Cause: fmt.Errorf("decode search response: %w", err)}
	}
	return out, nil
}

func (a *NivodaAdapter) Count(ctx context.Context, query Query) (int, error) {
	q, ok := query.(nivodaQuery)
	if !ok {
		return 0, &FatalError{Cause: fmt.Errorf("nivoda adapter: unexpected query type %T", query)}
	}
	out, err := a.doSearch(ctx, q, 0, 1, true)
	if err != nil {
		return 0, err
	}
	return out.TotalCount, nil
}

func (a *NivodaAdapter) Search(ctx context.Context, query Query, offset, limit int) (SearchResult, error) {
	q, ok := query.(nivodaQuery)
	if !ok {
		return SearchResult{}, &FatalError{Cause: fmt.Errorf("nivoda adapter: unexpected query type %T", query)}
	}
	if limit <= 0 || limit > a.maxPageSize {
		limit = a.maxPageSize
	}
	out, err := a.doSearch(ctx, q, offset, limit, false)
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{Items: out.Items, TotalCount: out.TotalCount}, nil
}

func (a *NivodaAdapter) ExtractIdentity(item Item) (Identity, error) {
	stoneID, _ := item["supplier_stone_id"].(string)
	if stoneID == "" {
		if idf, ok := item["id"].(float64); ok {
			stoneID = strconv.FormatInt(int64(idf), 10)
		}
	}
	if stoneID == "" {
		return Identity{}, &FatalError{Cause: fmt.Errorf("nivoda adapter: item missing supplier_stone_id")}
	}
	offerID, _ := item["offer_id"].(string)
	payload, err := json.Marshal(item)
	if err != nil {
		return Identity{}, &FatalError{Cause: fmt.Errorf("marshal payload: %w", err)}
	}
	updatedAt := time.Now()
	if s, ok := item["updated_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			updatedAt = t
		}
	}
	return Identity{
		SupplierStoneID: stoneID,
		OfferID:         offerID,
		Payload:         payload,
		SourceUpdatedAt: updatedAt,
	}, nil
}

func (a *NivodaAdapter) MapRawToCanonical(payload []byte) (CanonicalFields, error) {
	var item Item
	if err := json.Unmarshal(payload, &item); err != nil {
		return CanonicalFields{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	str := func(k string) string { v, _ := item[k].(string); return v }
	num := func(k string) float64 { v, _ := item[k].(float64); return v }
	availability := str("availability")
	if availability == "" {
		availability = "available"
	}
	return CanonicalFields{
		Shape:            str("shape"),
		CaratWeight:      num("carat_weight"),
		Color:            str("color"),
		Clarity:          str("clarity"),
		Cut:              str("cut"),
		Polish:           str("polish"),
		Symmetry:         str("symmetry"),
		Fluorescence:     str("fluorescence"),
		LabGradingReport: str("lab_grading_report"),
		CertificateURL:   str("certificate_url"),
		Price:            num("price"),
		Availability:     availability,
	}, nil
}
