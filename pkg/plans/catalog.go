package plans

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultFreePlanID is the plan every unknown or missing entitlement falls back to
const DefaultFreePlanID = "free"

// PlanDefinition describes a canonical plan and how each provider refers to it
type PlanDefinition struct {
	ID              string              `yaml:"id" json:"planId"`
	DisplayName     string              `yaml:"display_name" json:"displayName"`
	TokenQuota      int64               `yaml:"token_quota" json:"tokenQuota"`
	ProviderPlanIDs map[string][]string `yaml:"provider_plan_ids" json:"providerPlanIds,omitempty"`
}

// ModelPrice is the list price of a model in USD per million tokens
type ModelPrice struct {
	InputPerMillion  float64 `yaml:"input_per_million" json:"inputPerMillion"`
	OutputPerMillion float64 `yaml:"output_per_million" json:"outputPerMillion"`
}

// File is the on-disk catalog layout
type File struct {
	FreePlan string                `yaml:"free_plan"`
	Plans    []PlanDefinition      `yaml:"plans"`
	Models   map[string]ModelPrice `yaml:"models"`
}

// Catalog is the immutable set of plans and model prices loaded at startup.
// It is safe for concurrent use because nothing mutates it after construction.
type Catalog struct {
	plans      map[string]PlanDefinition
	byProvider map[string]map[string]string // provider -> provider plan id -> plan id
	free       string
	models     map[string]ModelPrice
}

// New validates the file contents and builds a catalog
func New(f File) (*Catalog, error) {
	free := f.FreePlan
	if free == "" {
		free = DefaultFreePlanID
	}

	c := &Catalog{
		plans:      make(map[string]PlanDefinition, len(f.Plans)),
		byProvider: make(map[string]map[string]string),
		free:       free,
		models:     make(map[string]ModelPrice, len(f.Models)),
	}

	for _, p := range f.Plans {
		if p.ID == "" {
			return nil, fmt.Errorf("plan id is required")
		}
		if p.TokenQuota < 0 {
			return nil, fmt.Errorf("plan %s: token quota must not be negative", p.ID)
		}
		if _, exists := c.plans[p.ID]; exists {
			return nil, fmt.Errorf("duplicate plan id: %s", p.ID)
		}
		if p.DisplayName == "" {
			p.DisplayName = p.ID
		}
		c.plans[p.ID] = p

		for provider, ids := range p.ProviderPlanIDs {
			provider = strings.ToLower(provider)
			if c.byProvider[provider] == nil {
				c.byProvider[provider] = make(map[string]string)
			}
			for _, id := range ids {
				if owner, taken := c.byProvider[provider][id]; taken {
					return nil, fmt.Errorf("provider plan %s/%s mapped to both %s and %s", provider, id, owner, p.ID)
				}
				c.byProvider[provider][id] = p.ID
			}
		}
	}

	if _, ok := c.plans[free]; !ok {
		return nil, fmt.Errorf("free plan %q is not defined", free)
	}

	for model, price := range f.Models {
		if price.InputPerMillion < 0 || price.OutputPerMillion < 0 {
			return nil, fmt.Errorf("model %s: prices must not be negative", model)
		}
		c.models[strings.ToLower(model)] = price
	}

	return c, nil
}

// Load parses a YAML catalog
func Load(data []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return New(f)
}

// LoadFile reads a YAML catalog from disk
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Load(data)
}

// Default returns the built-in catalog used when no file is configured
func Default() *Catalog {
	c, err := New(DefaultFile())
	if err != nil {
		panic(fmt.Sprintf("built-in plan catalog is invalid: %v", err))
	}
	return c
}

// DefaultFile is the built-in catalog definition
func DefaultFile() File {
	return File{
		FreePlan: DefaultFreePlanID,
		Plans: []PlanDefinition{
			{
				ID:          DefaultFreePlanID,
				DisplayName: "Free",
				TokenQuota:  50_000,
			},
			{
				ID:          "pro",
				DisplayName: "Pro",
				TokenQuota:  1_000_000,
				ProviderPlanIDs: map[string][]string{
					"stripe":     {"price_pro_monthly", "price_pro_yearly"},
					"membership": {"plan_pro"},
				},
			},
			{
				ID:          "premium",
				DisplayName: "Premium",
				TokenQuota:  5_000_000,
				ProviderPlanIDs: map[string][]string{
					"stripe":     {"price_premium_monthly", "price_premium_yearly"},
					"membership": {"plan_premium"},
				},
			},
		},
		Models: map[string]ModelPrice{
			"gpt-4o":       {InputPerMillion: 2.50, OutputPerMillion: 10.00},
			"gpt-4o-mini":  {InputPerMillion: 0.15, OutputPerMillion: 0.60},
			"gpt-4.1":      {InputPerMillion: 2.00, OutputPerMillion: 8.00},
			"gpt-4.1-mini": {InputPerMillion: 0.40, OutputPerMillion: 1.60},
		},
	}
}

// Get returns a plan by canonical id
func (c *Catalog) Get(planID string) (PlanDefinition, bool) {
	p, ok := c.plans[planID]
	return p, ok
}

// Free returns the lowest-privilege plan
func (c *Catalog) Free() PlanDefinition {
	return c.plans[c.free]
}

// Lookup maps a provider-specific plan id to its canonical plan.
// The second return value is false when the id is not in the catalog.
func (c *Catalog) Lookup(provider, providerPlanID string) (PlanDefinition, bool) {
	ids, ok := c.byProvider[strings.ToLower(provider)]
	if !ok {
		return PlanDefinition{}, false
	}
	planID, ok := ids[providerPlanID]
	if !ok {
		return PlanDefinition{}, false
	}
	return c.plans[planID], true
}

// Plans lists all plans ordered by quota
func (c *Catalog) Plans() []PlanDefinition {
	out := make([]PlanDefinition, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TokenQuota == out[j].TokenQuota {
			return out[i].ID < out[j].ID
		}
		return out[i].TokenQuota < out[j].TokenQuota
	})
	return out
}

// Price returns the list price for a model
func (c *Catalog) Price(model string) (ModelPrice, bool) {
	p, ok := c.models[strings.ToLower(model)]
	return p, ok
}

// EstimateCost derives a reporting-only USD cost. Unknown models cost nothing.
func (c *Catalog) EstimateCost(model string, promptTokens, completionTokens int64) float64 {
	p, ok := c.Price(model)
	if !ok {
		return 0
	}
	return (float64(promptTokens)*p.InputPerMillion + float64(completionTokens)*p.OutputPerMillion) / 1_000_000
}
