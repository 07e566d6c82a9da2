package catalog

import (
	"errors"
	"fmt"
)

var ErrModelNotFound = errors.New("model not found")

type CostTier string

const (
	CostFree     CostTier = "free"
	CostUltraLow CostTier = "ultra-low"
	CostLow      CostTier = "low"
	CostMedium   CostTier = "medium"
	CostHigh     CostTier = "high"
	CostPremium  CostTier = "premium"
)

type Tier string

const (
	TierFree    Tier = "free"
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
)

// ModelDescriptor is an immutable entry in the model registry. Costs are USD
// per 1000 tokens.
type ModelDescriptor struct {
	ID               string
	Provider         string
	CostTier         CostTier
	InputCostPerKTok float64
	OutputCostPerKTok float64
	ReasoningCapable bool
}

// TierPolicy bounds what a subscription tier may request.
type TierPolicy struct {
	Name                Tier
	AllowedModelIDs     []string
	ContextWindowTokens int
	UserMaySelectModel  bool
}

// Designated model roles used by the router. These are registry-level
// decisions, not per-request ones.
const (
	TopReasoningModel       = "claude-3-7-sonnet"
	EfficientReasoningModel = "deepseek-r1"
	CodingModel             = "qwen-2.5-coder-32b"
	MathModel               = "deepseek-r1"
	EfficientDefaultModel   = "gpt-4o-mini"
	PremiumFallbackModel    = "gpt-4o-mini"
)

// VarietyPool is the set of general-purpose models the router picks from at
// random when no routing signal is present.
var VarietyPool = []string{"gemini-2.0-flash", "gpt-4o-mini", "deepseek-v3"}

type Catalog struct {
	models   map[string]ModelDescriptor
	policies map[Tier]TierPolicy
}

// New builds the process-wide registry. Called once at startup; the returned
// catalog is read-only and safe for concurrent use.
func New() *Catalog {
	descriptors := []ModelDescriptor{
		{ID: "gpt-4o", Provider: "openai", CostTier: CostHigh, InputCostPerKTok: 0.0025, OutputCostPerKTok: 0.01},
		{ID: "gpt-4o-mini", Provider: "openai", CostTier: CostUltraLow, InputCostPerKTok: 0.00015, OutputCostPerKTok: 0.0006},
		{ID: "o1", Provider: "openai", CostTier: CostPremium, InputCostPerKTok: 0.015, OutputCostPerKTok: 0.06, ReasoningCapable: true},
		{ID: "o3-mini", Provider: "openai", CostTier: CostLow, InputCostPerKTok: 0.0011, OutputCostPerKTok: 0.0044, ReasoningCapable: true},
		{ID: "claude-3-5-sonnet", Provider: "anthropic", CostTier: CostMedium, InputCostPerKTok: 0.003, OutputCostPerKTok: 0.015},
		{ID: "claude-3-5-haiku", Provider: "anthropic", CostTier: CostLow, InputCostPerKTok: 0.0008, OutputCostPerKTok: 0.004},
		{ID: "claude-3-7-sonnet", Provider: "anthropic", CostTier: CostPremium, InputCostPerKTok: 0.003, OutputCostPerKTok: 0.015, ReasoningCapable: true},
		{ID: "gemini-2.0-flash", Provider: "google", CostTier: CostFree, InputCostPerKTok: 0.000125, OutputCostPerKTok: 0.000375},
		{ID: "gemini-1.5-pro", Provider: "google", CostTier: CostMedium, InputCostPerKTok: 0.00125, OutputCostPerKTok: 0.005},
		{ID: "deepseek-v3", Provider: "deepseek", CostTier: CostUltraLow, InputCostPerKTok: 0.00027, OutputCostPerKTok: 0.0011},
		{ID: "deepseek-r1", Provider: "deepseek", CostTier: CostUltraLow, InputCostPerKTok: 0.00055, OutputCostPerKTok: 0.00219, ReasoningCapable: true},
		{ID: "qwen-2.5-coder-32b", Provider: "deepseek", CostTier: CostUltraLow, InputCostPerKTok: 0.0002, OutputCostPerKTok: 0.0002},
	}

	models := make(map[string]ModelDescriptor, len(descriptors))
	for _, d := range descriptors {
		models[d.ID] = d
	}

	policies := map[Tier]TierPolicy{
		TierFree: {
			Name:                TierFree,
			AllowedModelIDs:     []string{"gemini-2.0-flash", "gpt-4o-mini", "deepseek-v3", "deepseek-r1", "qwen-2.5-coder-32b"},
			ContextWindowTokens: 16000,
			UserMaySelectModel:  false,
		},
		TierBasic: {
			Name:                TierBasic,
			AllowedModelIDs:     []string{"gemini-2.0-flash", "gpt-4o-mini", "deepseek-v3", "deepseek-r1", "qwen-2.5-coder-32b", "claude-3-5-haiku", "o3-mini"},
			ContextWindowTokens: 64000,
			UserMaySelectModel:  false,
		},
		TierPremium: {
			Name:                TierPremium,
			AllowedModelIDs:     []string{"gemini-2.0-flash", "gpt-4o-mini", "deepseek-v3", "deepseek-r1", "qwen-2.5-coder-32b", "claude-3-5-haiku", "o3-mini", "gpt-4o", "o1", "claude-3-5-sonnet", "claude-3-7-sonnet", "gemini-1.5-pro"},
			ContextWindowTokens: 128000,
			UserMaySelectModel:  true,
		},
	}

	return &Catalog{models: models, policies: policies}
}

func (c *Catalog) Describe(modelID string) (ModelDescriptor, error) {
	d, ok := c.models[modelID]
	if !ok {
		return ModelDescriptor{}, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	return d, nil
}

func (c *Catalog) ModelsForTier(tier Tier) []ModelDescriptor {
	policy, ok := c.policies[tier]
	if !ok {
		return nil
	}
	out := make([]ModelDescriptor, 0, len(policy.AllowedModelIDs))
	for _, id := range policy.AllowedModelIDs {
		if d, ok := c.models[id]; ok {
			out = append(out, d)
		}
	}
	return out
}

func (c *Catalog) IsAllowed(modelID string, tier Tier) bool {
	policy, ok := c.policies[tier]
	if !ok {
		return false
	}
	for _, id := range policy.AllowedModelIDs {
		if id == modelID {
			return true
		}
	}
	return false
}

func (c *Catalog) PolicyFor(tier Tier) TierPolicy {
	policy, ok := c.policies[tier]
	if !ok {
		return c.policies[TierFree]
	}
	return policy
}

// DefaultModel returns the tier's default model id.
func (c *Catalog) DefaultModel(tier Tier) string {
	switch tier {
	case TierPremium:
		return "claude-3-5-sonnet"
	case TierBasic:
		return "gpt-4o-mini"
	default:
		return "gemini-2.0-flash"
	}
}

// CostUSD computes the dollar cost of a completed request from registry
// prices. Unknown models cost zero rather than failing usage logging.
func (c *Catalog) CostUSD(modelID string, inputTokens, outputTokens int) float64 {
	d, ok := c.models[modelID]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000*d.InputCostPerKTok + float64(outputTokens)/1000*d.OutputCostPerKTok
}
