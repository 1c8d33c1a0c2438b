package auth

import (
	"context"

	gateway "github.com/torii-gw/torii/internal"
)

// ModelLister is the slice of the model catalog the flag builder needs to
// resolve allowed-model sets.
type ModelLister interface {
	FreeModelIDs(ctx context.Context) []string
}

// FlagBuilder derives per-tier feature flags. The tier matrix is static; only
// the allowed-model set depends on live catalog state.
type FlagBuilder struct {
	models ModelLister
}

// NewFlagBuilder returns a FlagBuilder resolving model sets against models.
func NewFlagBuilder(models ModelLister) *FlagBuilder {
	return &FlagBuilder{models: models}
}

// Build returns the flag set for tier with AllowedModels resolved against the
// current catalog. Anonymous and free callers get the free-variant models;
// paid tiers carry the literal wildcard, never a catalog snapshot, so models
// the catalog has not seen yet pass through and Router stays the authority
// on what exists.
func (b *FlagBuilder) Build(ctx context.Context, tier gateway.Tier) gateway.FeatureFlags {
	f := flagsForTier(tier)
	switch tier {
	case gateway.TierPro, gateway.TierEnterprise:
		f.AllowedModels = []string{gateway.WildcardModel}
	default:
		f.AllowedModels = b.models.FreeModelIDs(ctx)
	}
	return f
}

// flagsForTier is the tier matrix without model resolution. Unknown tiers
// collapse to anonymous.
func flagsForTier(tier gateway.Tier) gateway.FeatureFlags {
	switch tier {
	case gateway.TierFree:
		return gateway.FeatureFlags{
			CanSyncConversations:     true,
			CanExportConversations:   true,
			MaxRequestsPerHour:       100,
			MaxTokensPerRequest:      10_000,
			MaxAttachmentsPerMessage: 0,
		}
	case gateway.TierPro:
		return gateway.FeatureFlags{
			CanUseCustomSystemPrompt: true,
			CanUseCustomTemperature:  true,
			CanUseAttachments:        true,
			CanUseWebSearch:          true,
			CanUseReasoning:          true,
			CanSyncConversations:     true,
			CanExportConversations:   true,
			MaxRequestsPerHour:       500,
			MaxTokensPerRequest:      20_000,
			MaxAttachmentsPerMessage: gateway.MaxAttachmentsPerMessage,
		}
	case gateway.TierEnterprise:
		return gateway.FeatureFlags{
			CanUseCustomSystemPrompt: true,
			CanUseCustomTemperature:  true,
			CanUseAttachments:        true,
			CanUseWebSearch:          true,
			CanUseReasoning:          true,
			CanUseImageGeneration:    true,
			CanSyncConversations:     true,
			CanExportConversations:   true,
			CanAccessAnalytics:       true,
			CanBypassRateLimit:       true,
			MaxRequestsPerHour:       2000,
			MaxTokensPerRequest:      50_000,
			MaxAttachmentsPerMessage: gateway.MaxAttachmentsPerMessage,
		}
	default:
		return gateway.FeatureFlags{
			MaxRequestsPerHour:       10,
			MaxTokensPerRequest:      5_000,
			MaxAttachmentsPerMessage: 0,
		}
	}
}
