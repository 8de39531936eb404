package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

func init() {
	Register("demo", func(baseURL string, maxPageSize int) (Adapter, error) {
		if maxPageSize <= 0 {
			maxPageSize = 50
		}
		return NewDemoAdapter(42, maxPageSize), nil
	})
}

// demoQuery is the opaque Query implementation for the demo adapter: a
// price sub-range plus the run's update window.
type demoQuery struct {
	minPrice, maxPrice     float64
	updatedFrom, updatedTo time.Time
}

func (q demoQuery) WithPriceRange(min, max float64) Query {
	q.minPrice, q.maxPrice = min, max
	return q
}

// DemoAdapter is a deterministic, seed-driven synthetic feed used for tests
// and local development. It generates a fixed universe of rows in
// [0, totalRows) with a reproducible price distribution, so partitioner and
// pipeline tests can assert exact counts.
//
// The RNG fast-forward technique used by some seed generators elsewhere in
// this codebase's ancestry is not reproduced here byte-for-byte (see
// DESIGN.md open question (a)) — this generator instead derives every
// record directly from its index via a hash, so it is trivially reproducible
// and requires no sequential draw-count bookkeeping at all.
type DemoAdapter struct {
	seed        int64
	totalRows   int
	maxPageSize int
	minPrice    float64
	maxPrice    float64
}

// NewDemoAdapter constructs a demo feed with 100,000 synthetic rows priced
// in [800, 90000].
func NewDemoAdapter(seed int64, maxPageSize int) *DemoAdapter {
	return &DemoAdapter{
		seed:        seed,
		totalRows:   100000,
		maxPageSize: maxPageSize,
		minPrice:    800,
		maxPrice:    90000,
	}
}

func (a *DemoAdapter) MaxPageSize() int { return a.maxPageSize }

func (a *DemoAdapter) BuildBaseQuery(updatedFrom, updatedTo time.Time) Query {
	return demoQuery{minPrice: 0, maxPrice: math.MaxFloat64, updatedFrom: updatedFrom, updatedTo: updatedTo}
}

// priceForIndex derives a stable price for row i from (seed, i) via SHA-256,
// so repeated calls for the same index always agree without storing
// anything.
func (a *DemoAdapter) priceForIndex(i int) float64 {
	h := sha256.New()
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(a.seed))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(i))
	h.Write(buf[:])
	sum := h.Sum(nil)
	frac := float64(binary.LittleEndian.Uint32(sum[:4])) / float64(^uint32(0))
	// Bias toward the low end: most diamond inventories are dense near the
	// bottom of the price range and sparse at the top.
	biased := math.Pow(frac, 3)
	return a.minPrice + biased*(a.maxPrice-a.minPrice)
}

func (a *DemoAdapter) updatedAtForIndex(i int) time.Time {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(i) * time.Minute)
}

func (a *DemoAdapter) itemForIndex(i int) Item {
	price := a.priceForIndex(i)
	return Item{
		"supplier_stone_id": fmt.Sprintf("demo-%08d", i),
		"offer_id":          fmt.Sprintf("offer-%08d", i),
		"price":             price,
		"carat":             0.3 + math.Mod(price, 3.0),
		"shape":             []string{"round", "princess", "oval", "cushion", "emerald"}[i%5],
		"color":             []string{"D", "E", "F", "G", "H"}[i%5],
		"clarity":           []string{"FL", "VVS1", "VVS2", "VS1", "VS2"}[i%5],
		"updated_at":        a.updatedAtForIndex(i).Format(time.RFC3339),
	}
}

func (a *DemoAdapter) matches(i int, q demoQuery) bool {
	price := a.priceForIndex(i)
	if price < q.minPrice || price >= q.maxPrice {
		return false
	}
	if !q.updatedTo.IsZero() {
		u := a.updatedAtForIndex(i)
		if u.Before(q.updatedFrom) || u.After(q.updatedTo) {
			return false
		}
	}
	return true
}

func (a *DemoAdapter) Count(ctx context.Context, query Query) (int, error) {
	q, ok := query.(demoQuery)
	if !ok {
		return 0, fmt.Errorf("demo adapter: unexpected query type %T", query)
	}
	count := 0
	for i := 0; i < a.totalRows; i++ {
		if a.matches(i, q) {
			count++
		}
	}
	return count, nil
}

func (a *DemoAdapter) Search(ctx context.Context, query Query, offset, limit int) (SearchResult, error) {
	q, ok := query.(demoQuery)
	if !ok {
		return SearchResult{}, fmt.Errorf("demo adapter: unexpected query type %T", query)
	}
	if limit <= 0 || limit > a.maxPageSize {
		limit = a.maxPageSize
	}

	var matching []int
	for i := 0; i < a.totalRows; i++ {
		if a.matches(i, q) {
			matching = append(matching, i)
		}
	}

	total := len(matching)
	if offset >= total {
		return SearchResult{Items: nil, TotalCount: total}, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}

	items := make([]Item, 0, end-offset)
	for _, idx := range matching[offset:end] {
		items = append(items, a.itemForIndex(idx))
	}
	return SearchResult{Items: items, TotalCount: total}, nil
}

func (a *DemoAdapter) ExtractIdentity(item Item) (Identity, error) {
	stoneID, _ := item["supplier_stone_id"].(string)
	offerID, _ := item["offer_id"].(string)
	if stoneID == "" {
		return Identity{}, fmt.Errorf("demo adapter: item missing supplier_stone_id")
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return Identity{}, fmt.Errorf("demo adapter: marshal payload: %w", err)
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

func (a *DemoAdapter) MapRawToCanonical(payload []byte) (CanonicalFields, error) {
	var item Item
	if err := json.Unmarshal(payload, &item); err != nil {
		return CanonicalFields{}, fmt.Errorf("demo adapter: unmarshal payload: %w", err)
	}
	price, _ := item["price"].(float64)
	carat, _ := item["carat"].(float64)
	shape, _ := item["shape"].(string)
	color, _ := item["color"].(string)
	clarity, _ := item["clarity"].(string)
	return CanonicalFields{
		Shape:        shape,
		CaratWeight:  carat,
		Color:        color,
		Clarity:      clarity,
		Price:        price,
		Availability: "available",
	}, nil
}
