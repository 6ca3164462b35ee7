// Package stock maintains the warm suffix inventory: dynamic watermarks,
// per-campaign replenishment and the all-campaign batch sweep.
package stock

import (
	"log"
	"math"
	"time"

	"github.com/maypok86/otter"

	"github.com/rotor-ads/rotor/internal/store"
)

// WatermarkConfig holds the tunables of the dynamic watermark formula.
type WatermarkConfig struct {
	Window   time.Duration // consumption lookback, default 24h
	Factor   float64       // buffer hours at the observed rate, default 2
	Default  int           // new campaigns with no consumption, default 5
	Min      int           // clamp floor, default 3
	Max      int           // clamp ceiling, default 20
	CacheTTL time.Duration // computed value reuse, default 60s
}

func (c *WatermarkConfig) fill() {
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
	if c.Factor <= 0 {
		c.Factor = 2
	}
	if c.Default <= 0 {
		c.Default = 5
	}
	if c.Min <= 0 {
		c.Min = 3
	}
	if c.Max <= 0 {
		c.Max = 20
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 60 * time.Second
	}
}

// Watermarker computes per-campaign replenish watermarks from recent
// consumption, caching results briefly so a batch sweep does not recount the
// same campaign per produced item.
type Watermarker struct {
	store *store.Store
	cfg   WatermarkConfig
	cache otter.Cache[string, int]
}

func NewWatermarker(st *store.Store, cfg WatermarkConfig) *Watermarker {
	cfg.fill()
	cache, err := otter.MustBuilder[string, int](4096).
		WithTTL(cfg.CacheTTL).
		Build()
	if err != nil {
		panic("stock: watermark cache: " + err.Error())
	}
	return &Watermarker{store: st, cfg: cfg, cache: cache}
}

// For returns the watermark for (userID, campaignID). Falls back to the
// configured minimum when the consumption count cannot be computed.
func (w *Watermarker) For(userID, campaignID string) int {
	key := userID + "\x00" + campaignID
	if v, ok := w.cache.Get(key); ok {
		return v
	}
	v := w.compute(userID, campaignID)
	w.cache.Set(key, v)
	return v
}

func (w *Watermarker) compute(userID, campaignID string) int {
	sinceNs := time.Now().Add(-w.cfg.Window).UnixNano()
	c24, err := w.store.Stock.CountConsumedSince(userID, campaignID, sinceNs)
	if err != nil {
		log.Printf("[stock] watermark for %s/%s: %v, using floor %d", userID, campaignID, err, w.cfg.Min)
		return w.cfg.Min
	}
	if c24 == 0 {
		return w.cfg.Default
	}
	hours := w.cfg.Window.Hours()
	wm := int(math.Ceil(float64(c24) / hours * w.cfg.Factor))
	if wm < w.cfg.Min {
		wm = w.cfg.Min
	}
	if wm > w.cfg.Max {
		wm = w.cfg.Max
	}
	return wm
}

// Invalidate drops the cached value so the next For recomputes. Used by
// tests and by forced replenishes.
func (w *Watermarker) Invalidate(userID, campaignID string) {
	w.cache.Delete(userID + "\x00" + campaignID)
}
