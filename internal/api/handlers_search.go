package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/nivoda/diamond-ingest/internal/cache"
	"github.com/nivoda/diamond-ingest/internal/models"
)

type searchResponse struct {
	Total int              `json:"total"`
	Items []models.Diamond `json:"items"`
}

// maxCachedResults bounds how many matching rows a single filter's cache
// entry holds. A filter whose match count exceeds this falls back to an
// uncached per-page query rather than caching a partial result set.
const maxCachedResults = 5000

// handleSearchDiamonds serves the canonical-table read path, version-gated
// through internal/cache ahead of the database. The cache key is derived
// from the filter alone (min/max price), not from offset/limit, so one
// cached entry holds every row matching a filter and every page request
// against that filter is served from it by slicing in process.
func (s *Server) handleSearchDiamonds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	feed := q.Get("feed")
	if feed == "" {
		writeValidationError(w, "feed is required")
		return
	}

	minPrice, err := parseFloatParam(q, "min_price", 0)
	if err != nil {
		writeValidationError(w, "min_price must be a number")
		return
	}
	maxPrice, err := parseFloatParam(q, "max_price", math.MaxFloat64)
	if err != nil {
		writeValidationError(w, "max_price must be a number")
		return
	}
	offset, err := parseIntParam(q, "offset", 0)
	if err != nil {
		writeValidationError(w, "offset must be an integer")
		return
	}
	limit, err := parseIntParam(q, "limit", 50)
	if err != nil {
		writeValidationError(w, "limit must be an integer")
		return
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	version := s.versionPoller.Current()
	key := cache.Fingerprint(cache.Params{Feed: feed, MinPrice: minPrice, MaxPrice: maxPrice})

	full, cacheHit, err := s.fullFilteredSet(ctx, key, version, feed, minPrice, maxPrice)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	page := pageSlice(full.Items, offset, limit)
	if full.Total > maxCachedResults {
		page, full.Total, err = s.repo.SearchDiamonds(ctx, feed, minPrice, maxPrice, offset, limit)
		if err != nil {
			writeInternalError(w, err)
			return
		}
		if page == nil {
			page = []models.Diamond{}
		}
	}
	body, err := json.Marshal(searchResponse{Total: full.Total, Items: page})
	if err != nil {
		writeInternalError(w, err)
		return
	}

	if cacheHit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// fullFilteredSet returns every row matching the filter, from the cache when
// a fresh entry exists, otherwise from the database. For a match count beyond
// maxCachedResults it returns only the first maxCachedResults rows and leaves
// the result out of the cache; handleSearchDiamonds then queries the
// requested page directly.
func (s *Server) fullFilteredSet(ctx context.Context, key, version, feed string, minPrice, maxPrice float64) (searchResponse, bool, error) {
	if body, ok := s.cache.Get(key, version); ok {
		var cached searchResponse
		if err := json.Unmarshal(body, &cached); err == nil {
			return cached, true, nil
		}
	}

	items, total, err := s.repo.SearchDiamonds(ctx, feed, minPrice, maxPrice, 0, maxCachedResults)
	if err != nil {
		return searchResponse{}, false, err
	}
	full := searchResponse{Total: total, Items: items}

	if total <= maxCachedResults {
		if body, err := json.Marshal(full); err == nil {
			s.cache.Set(key, body, version)
		}
	}
	return full, false, nil
}

func pageSlice(items []models.Diamond, offset, limit int) []models.Diamond {
	if offset >= len(items) {
		return []models.Diamond{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func parseFloatParam(q map[string][]string, name string, fallback float64) (float64, error) {
	vals, ok := q[name]
	if !ok || len(vals) == 0 || vals[0] == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(vals[0], 64)
}

func parseIntParam(q map[string][]string, name string, fallback int) (int, error) {
	vals, ok := q[name]
	if !ok || len(vals) == 0 || vals[0] == "" {
		return fallback, nil
	}
	return strconv.Atoi(vals[0])
}
