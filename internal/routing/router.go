package routing

import (
	"math/rand"
	"sync"

	"github.com/vnmchuo/ai-orchestrator/internal/catalog"
)

// Rationale tags explain which branch of the policy produced a decision.
type Rationale string

const (
	RationaleReasoning    Rationale = "reasoning-mode"
	RationaleCode         Rationale = "content-code"
	RationaleMath         Rationale = "content-math"
	RationaleVariety      Rationale = "default-variety"
	RationaleExplicit     Rationale = "explicit-choice"
	RationaleCostDowngrade Rationale = "cost-downgrade"
	RationaleCostLimit    Rationale = "cost-hard-limit"
	RationaleTierDefault  Rationale = "tier-default"
)

// AutoModelID is the sentinel the caller sends to request smart routing.
const AutoModelID = "auto"

// CostControl carries the tenant's current month spend and the configured
// thresholds. Only consulted for explicit premium model choices.
type CostControl struct {
	MonthlySpendUSD     float64
	WarningThresholdUSD float64
	HardLimitUSD        float64
}

type Decision struct {
	ModelID         string
	Rationale       Rationale
	FallbackModelID string
}

type Request struct {
	Tier            catalog.Tier
	Signals         ContentSignals
	ExplicitModelID string
	CostControl     *CostControl
	ReasoningMode   bool
}

// Router chooses a model id for one generation request. All branches are
// deterministic except the no-signal default, which picks from a small
// variety pool using the injected random source.
type Router struct {
	catalog *catalog.Catalog

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds a router with a seeded random source so tests can pin the
// variety branch.
func New(cat *catalog.Catalog, seed int64) *Router {
	return &Router{
		catalog: cat,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Route evaluates the policy axes top to bottom, first match wins:
// reasoning flag, then smart content routing for "auto" or non-premium
// tiers, then explicit premium selection gated by cost control, then the
// tier default. A disallowed explicit model silently falls back to the tier
// default rather than failing the request.
func (r *Router) Route(req Request) Decision {
	fallback := r.catalog.DefaultModel(req.Tier)

	if req.ReasoningMode {
		model := catalog.EfficientReasoningModel
		if req.Tier == catalog.TierPremium {
			model = catalog.TopReasoningModel
		}
		return Decision{ModelID: model, Rationale: RationaleReasoning, FallbackModelID: fallback}
	}

	if req.ExplicitModelID == AutoModelID || req.Tier != catalog.TierPremium {
		return r.routeByContent(req, fallback)
	}

	if req.ExplicitModelID != "" && r.catalog.IsAllowed(req.ExplicitModelID, req.Tier) {
		if req.CostControl != nil {
			return r.applyCostGate(req, fallback)
		}
		return Decision{ModelID: req.ExplicitModelID, Rationale: RationaleExplicit, FallbackModelID: fallback}
	}

	return Decision{ModelID: fallback, Rationale: RationaleTierDefault, FallbackModelID: catalog.PremiumFallbackModel}
}

func (r *Router) routeByContent(req Request, fallback string) Decision {
	switch {
	case req.Signals.HasCode:
		return Decision{ModelID: catalog.CodingModel, Rationale: RationaleCode, FallbackModelID: fallback}
	case req.Signals.IsMathRelated:
		return Decision{ModelID: catalog.MathModel, Rationale: RationaleMath, FallbackModelID: fallback}
	default:
		r.mu.Lock()
		pick := catalog.VarietyPool[r.rng.Intn(len(catalog.VarietyPool))]
		r.mu.Unlock()
		return Decision{ModelID: pick, Rationale: RationaleVariety, FallbackModelID: fallback}
	}
}

func (r *Router) applyCostGate(req Request, fallback string) Decision {
	cc := req.CostControl
	switch {
	case cc.MonthlySpendUSD > cc.HardLimitUSD:
		return Decision{ModelID: fallback, Rationale: RationaleCostLimit, FallbackModelID: catalog.PremiumFallbackModel}
	case cc.MonthlySpendUSD > cc.WarningThresholdUSD:
		return Decision{ModelID: catalog.EfficientDefaultModel, Rationale: RationaleCostDowngrade, FallbackModelID: fallback}
	default:
		return Decision{ModelID: req.ExplicitModelID, Rationale: RationaleExplicit, FallbackModelID: fallback}
	}
}
