// Package catalog loads the static product catalog: a JSON mapping of
// product identifier to subscription tier rank. The catalog decides which
// products the entitlement store tracks and how their tiers order.
package catalog

import (
	"encoding/json"
	"os"
	"sort"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog/log"
)

// Tier ranks a subscription product. Higher rank means higher service
// level. The zero Tier is the sentinel for identifiers the catalog does
// not track.
type Tier struct {
	ProductID string `json:"productId"`
	Rank      int    `json:"rank"`
}

// EmptyTier is returned for identifiers absent from the catalog.
var EmptyTier = Tier{}

// Catalog is an immutable product-id to tier-rank mapping, built once per
// load and never mutated.
type Catalog struct {
	ranks map[string]int
}

// Load reads a catalog file. A missing, unreadable, or malformed file
// degrades to an empty catalog so the system stays usable with zero
// tracked products. Load never returns an error.
func Load(path string) *Catalog {
	c := &Catalog{ranks: make(map[string]int)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", path).Msg("Catalog file not found, starting with empty catalog")
		} else {
			log.Warn().Err(err).Str("path", path).Msg("Failed to read catalog file, starting with empty catalog")
		}
		return c
	}

	var raw map[string]int
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Malformed catalog file, starting with empty catalog")
		return c
	}

	for id, rank := range raw {
		if id == "" || rank <= 0 {
			log.Warn().Str("product", id).Int("rank", rank).Msg("Dropping catalog entry with invalid id or rank")
			continue
		}
		c.ranks[id] = rank
	}

	log.Info().Str("path", path).Int("products", len(c.ranks)).Msg("Loaded product catalog")
	return c
}

// New builds a catalog from an in-memory mapping. Entries with empty ids
// or non-positive ranks are dropped.
func New(ranks map[string]int) *Catalog {
	c := &Catalog{ranks: make(map[string]int, len(ranks))}
	for id, rank := range ranks {
		if id == "" || rank <= 0 {
			continue
		}
		c.ranks[id] = rank
	}
	return c
}

// TierFor returns the tier for a product id, or EmptyTier when the id is
// not tracked.
func (c *Catalog) TierFor(id string) Tier {
	if c == nil {
		return EmptyTier
	}
	rank, ok := c.ranks[id]
	if !ok {
		return EmptyTier
	}
	return Tier{ProductID: id, Rank: rank}
}

// Has reports whether the catalog tracks the product id.
func (c *Catalog) Has(id string) bool {
	if c == nil {
		return false
	}
	_, ok := c.ranks[id]
	return ok
}

// IDs returns all tracked product ids sorted by rank ascending, then id.
func (c *Catalog) IDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.ranks))
	for id := range c.ranks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ri, rj := c.ranks[ids[i]], c.ranks[ids[j]]
		if ri != rj {
			return ri < rj
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Len returns the number of tracked products.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.ranks)
}

// Filter returns a sub-catalog of the products whose id matches the
// wildcard pattern. "*" and "" keep everything.
func (c *Catalog) Filter(pattern string) *Catalog {
	if c == nil {
		return &Catalog{ranks: make(map[string]int)}
	}
	if pattern == "" || pattern == "*" {
		return c
	}
	filtered := &Catalog{ranks: make(map[string]int)}
	for id, rank := range c.ranks {
		if wildcard.Match(pattern, id) {
			filtered.ranks[id] = rank
		}
	}
	if filtered.Len() < c.Len() {
		log.Debug().Str("pattern", pattern).Int("kept", filtered.Len()).Int("total", c.Len()).Msg("Filtered product catalog")
	}
	return filtered
}
