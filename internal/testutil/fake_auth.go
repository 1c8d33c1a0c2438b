package testutil

import (
	"context"
	"net/http"

	gateway "github.com/torii-gw/torii/internal"
)

// FakeResolver returns a fixed AuthContext, or an error when set. Invalidated
// records which user snapshots were dropped; Levels records the access level
// of each Resolve call.
type FakeResolver struct {
	Auth        *gateway.AuthContext
	Err         error
	Invalidated []string
	Levels      []gateway.AccessLevel
}

// Resolve returns the configured context with the requested level applied.
func (f *FakeResolver) Resolve(_ *http.Request, level gateway.AccessLevel) (*gateway.AuthContext, error) {
	f.Levels = append(f.Levels, level)
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Auth == nil {
		return &gateway.AuthContext{
			AccessLevel: level,
			Features:    AnonymousFeatures(),
			IPHash:      "cafe0123",
			RequestID:   "test-req",
		}, nil
	}
	cp := *f.Auth
	cp.AccessLevel = level
	return &cp, nil
}

// Invalidate records the user ID.
func (f *FakeResolver) Invalidate(_ context.Context, userID string) error {
	f.Invalidated = append(f.Invalidated, userID)
	return nil
}

// AnonymousFeatures returns the anonymous-tier flag set used across tests.
func AnonymousFeatures() gateway.FeatureFlags {
	return gateway.FeatureFlags{
		AllowedModels:       []string{"vendor/free-small", "vendor/free-vision"},
		MaxRequestsPerHour:  10,
		MaxTokensPerRequest: 5_000,
	}
}

// ProFeatures returns a pro-tier flag set used across tests.
func ProFeatures() gateway.FeatureFlags {
	return gateway.FeatureFlags{
		AllowedModels:            []string{"vendor/free-small", "vendor/free-vision", "vendor/vision-pro"},
		CanUseCustomSystemPrompt: true,
		CanUseCustomTemperature:  true,
		CanUseAttachments:        true,
		CanUseWebSearch:          true,
		CanUseReasoning:          true,
		CanSyncConversations:     true,
		CanExportConversations:   true,
		MaxRequestsPerHour:       500,
		MaxTokensPerRequest:      20_000,
		MaxAttachmentsPerMessage: 3,
	}
}

// ProAuth returns an authenticated pro-tier context for user u1.
func ProAuth() *gateway.AuthContext {
	return &gateway.AuthContext{
		AccessLevel:     gateway.AccessEnhanced,
		IsAuthenticated: true,
		User:            &gateway.User{ID: "u1"},
		Profile:         &gateway.UserProfile{ID: "u1", Tier: gateway.TierPro, AccountType: gateway.AccountUser},
		Features:        ProFeatures(),
		RequestID:       "test-req",
	}
}

// AdminAuth returns an authenticated enterprise admin context for user adm1.
func AdminAuth() *gateway.AuthContext {
	f := ProFeatures()
	f.CanAccessAnalytics = true
	return &gateway.AuthContext{
		AccessLevel:     gateway.AccessProtected,
		IsAuthenticated: true,
		User:            &gateway.User{ID: "adm1"},
		Profile:         &gateway.UserProfile{ID: "adm1", Tier: gateway.TierEnterprise, AccountType: gateway.AccountAdmin},
		Features:        f,
		RequestID:       "test-req",
	}
}
