package seeder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"

	"github.com/vnmchuo/ai-orchestrator/internal/auth"
	"github.com/vnmchuo/ai-orchestrator/internal/catalog"
)

const (
	TestAPIKey   = "test-api-key-12345"
	TestTenantID = "00000000-0000-0000-0000-000000000001"

	TestPremiumAPIKey   = "test-premium-key-12345"
	TestPremiumTenantID = "00000000-0000-0000-0000-000000000002"
)

// SeedTestAPIKeys creates one free-tier and one premium-tier key for local
// development. Safe to call on every boot; existing keys are left alone.
func SeedTestAPIKeys(ctx context.Context, store auth.Store) {
	seed(ctx, store, TestAPIKey, TestTenantID, catalog.TierFree)
	seed(ctx, store, TestPremiumAPIKey, TestPremiumTenantID, catalog.TierPremium)
}

func seed(ctx context.Context, store auth.Store, key, tenantID string, tier catalog.Tier) {
	h := sha256.New()
	h.Write([]byte(key))
	keyHash := hex.EncodeToString(h.Sum(nil))

	apiKey := &auth.APIKey{
		TenantID:  tenantID,
		KeyHash:   keyHash,
		Tier:      string(tier),
		RateLimit: 1000000,
		Active:    true,
	}

	err := store.Create(ctx, apiKey)
	if err != nil {
		log.Printf("[Seeder] API key may already exist, skipping: %v", err)
		return
	}
	log.Printf("[Seeder] Test API key created successfully")
	log.Printf("[Seeder] Key: %s", key)
	log.Printf("[Seeder] TenantID: %s (tier %s)", tenantID, tier)
}
