package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/edgecoder/mesh/internal/apierr"
	"github.com/edgecoder/mesh/internal/credit"
	"github.com/edgecoder/mesh/internal/metrics"
)

// ModelInfo describes one installed model.
type ModelInfo struct {
	Name       string  `json:"name"`
	ParamB     float64 `json:"paramB"`
	SizeBytes  int64   `json:"sizeBytes"`
	Installed  bool    `json:"installed"`
	Seeders    int     `json:"seeders"`
	CostCredits float64 `json:"costCredits"`
}

// PullProgress reports an in-flight model download.
type PullProgress struct {
	Model          string  `json:"model"`
	TotalBytes     int64   `json:"totalBytes"`
	CompletedBytes int64   `json:"completedBytes"`
	Percent        float64 `json:"percent"`
	UpdatedAtMs    int64   `json:"updatedAtMs"`
}

// CatalogStatus is the /model/status answer.
type CatalogStatus struct {
	ActiveModel    string  `json:"activeModel"`
	ParamB         float64 `json:"paramB"`
	Provider       string  `json:"provider"`
	SwapInProgress bool    `json:"swapInProgress"`
}

// Lister enumerates models available from the backing provider.
// Ollama's /api/tags endpoint is the usual implementation; tests use a
// static lister.
type Lister interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// StaticLister serves a fixed model list.
type StaticLister struct {
	Models []ModelInfo
}

func (s StaticLister) ListModels(_ context.Context) ([]ModelInfo, error) {
	return s.Models, nil
}

// Catalog tracks the node's installed models, the active model, swap
// state, and pull progress. Swap triggers a capability re-announce via
// the OnSwap hook.
type Catalog struct {
	mu           sync.RWMutex
	lister       Lister
	providerName string
	active       string
	activeParamB float64
	swapping     bool
	models       []ModelInfo
	refreshedAt  time.Time
	pulls        map[string]*PullProgress
	sf           singleflight.Group
	metrics      *metrics.Metrics

	// OnSwap runs after a successful swap, outside the catalog lock.
	OnSwap func(model string, paramB float64)
}

// NewCatalog builds a catalog with an initial active model.
func NewCatalog(lister Lister, providerName, activeModel string, activeParamB float64, m *metrics.Metrics) *Catalog {
	return &Catalog{
		lister:       lister,
		providerName: providerName,
		active:       activeModel,
		activeParamB: activeParamB,
		pulls:        make(map[string]*PullProgress),
		metrics:      m,
	}
}

// Status reports the active model and swap state.
func (c *Catalog) Status() CatalogStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CatalogStatus{
		ActiveModel:    c.active,
		ParamB:         c.activeParamB,
		Provider:       c.providerName,
		SwapInProgress: c.swapping,
	}
}

// List returns the installed models, refreshing through the lister at
// most once per 30s window. Concurrent refreshes are deduplicated.
func (c *Catalog) List(ctx context.Context) ([]ModelInfo, error) {
	c.mu.RLock()
	fresh := time.Since(c.refreshedAt) < 30*time.Second
	cached := c.models
	c.mu.RUnlock()
	if fresh {
		return cached, nil
	}

	v, err, _ := c.sf.Do("list", func() (any, error) {
		models, err := c.lister.ListModels(ctx)
		if err != nil {
			return nil, fmt.Errorf("model list refresh failed: %w", err)
		}
		for i := range models {
			models[i].CostCredits = credit.ModelCostCredits(models[i].ParamB)
		}
		c.mu.Lock()
		c.models = models
		c.refreshedAt = time.Now()
		c.mu.Unlock()
		return models, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]ModelInfo), nil
}

// Swap switches the active model. Only one swap runs at a time; the
// capability record shows swapInProgress for its duration.
func (c *Catalog) Swap(ctx context.Context, model string, paramB float64) error {
	c.mu.Lock()
	if c.swapping {
		c.mu.Unlock()
		return apierr.New(apierr.KindValidation, "model swap already in progress")
	}
	c.swapping = true
	c.mu.Unlock()

	models, err := c.List(ctx)
	if err == nil && len(models) > 0 {
		found := false
		for _, m := range models {
			if m.Name == model {
				found = true
				if m.ParamB > 0 {
					paramB = m.ParamB
				}
				break
			}
		}
		if !found {
			c.mu.Lock()
			c.swapping = false
			c.mu.Unlock()
			return apierr.New(apierr.KindNotFound, "model not installed: "+model)
		}
	}

	c.mu.Lock()
	c.active = model
	c.activeParamB = paramB
	c.swapping = false
	onSwap := c.OnSwap
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ModelSwaps.WithLabelValues(model).Inc()
	}
	if onSwap != nil {
		onSwap(model, paramB)
	}
	return nil
}

// ReportPull records download progress for a model.
func (c *Catalog) ReportPull(model string, completed, total int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pct := 0.0
	if total > 0 {
		pct = float64(completed) / float64(total) * 100
	}
	c.pulls[model] = &PullProgress{
		Model:          model,
		TotalBytes:     total,
		CompletedBytes: completed,
		Percent:        pct,
		UpdatedAtMs:    time.Now().UnixMilli(),
	}
}

// PullProgressAll lists in-flight and recent pulls.
func (c *Catalog) PullProgressAll() []PullProgress {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]PullProgress, 0, len(c.pulls))
	for _, p := range c.pulls {
		out = append(out, *p)
	}
	return out
}

// SeedCredits prices the node's seeding contribution for a model it
// hosts for download.
func (c *Catalog) SeedCredits(model string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.models {
		if m.Name == model {
			return credit.ModelSeedCredits(m.SizeBytes, m.Seeders)
		}
	}
	return 0
}
