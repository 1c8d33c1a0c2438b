// Package app holds the request-processing services between the HTTP layer
// and the upstream Router: validation and tier gating, attachment
// resolution, and the chat orchestration for buffered and streaming calls.
package app

import (
	"context"

	gateway "github.com/torii-gw/torii/internal"
	"github.com/torii-gw/torii/internal/catalog"
	"github.com/torii-gw/torii/internal/tokencount"
)

// WarnModelDowngraded is appended whenever the requested model was replaced
// by a tier-allowed one. Clients match on this string.
const WarnModelDowngraded = "model downgraded"

// Validated is the outcome of request validation: a rewritten request, the
// resolved model, and the output budget for the upstream call.
type Validated struct {
	Request         *gateway.ChatRequest
	Model           *gateway.ModelDescriptor
	MaxOutputTokens int
	InputTokens     int
	Warnings        []string
}

// Validator applies feature flags, model gating, and the token budget to a
// chat request. Validation is idempotent: running it on its own output
// changes nothing.
type Validator struct {
	catalog *catalog.Catalog
	counter *tokencount.Counter
}

// NewValidator wires the validator to the model catalog.
func NewValidator(cat *catalog.Catalog, counter *tokencount.Counter) *Validator {
	return &Validator{catalog: cat, counter: counter}
}

// Validate gates req against auth's feature flags. It never mutates req; the
// returned request is a shallow copy with rewritten fields.
func (v *Validator) Validate(ctx context.Context, req *gateway.ChatRequest, auth *gateway.AuthContext) (*Validated, error) {
	out := *req
	features := auth.Features
	var warnings []string

	// Model gating: downgrade, never reject. Unknown models inside an
	// allowed set pass through so upstream errors stay observable.
	if out.Model == "" || !features.AllowsModel(out.Model) {
		target := v.downgradeTarget(ctx, &out, features.AllowedModels)
		if target == "" {
			return nil, gateway.ErrModelUnavailable.WithMessage("no model available for your plan")
		}
		if out.Model != "" && out.Model != target {
			warnings = append(warnings, WarnModelDowngraded)
		}
		out.Model = target
	}

	model, ok := v.catalog.Get(ctx, out.Model)
	if !ok {
		// Wildcard tiers can name models the catalog has not seen; build a
		// permissive descriptor and let Router be the judge.
		model = &gateway.ModelDescriptor{
			ID:              out.Model,
			InputModalities: []gateway.Modality{gateway.ModalityText, gateway.ModalityImage},
		}
	}

	// Feature gating. Prompt and temperature drop silently; search,
	// reasoning, and image output fail loudly so quality changes are never
	// silent.
	if out.SystemPrompt != "" && !features.CanUseCustomSystemPrompt {
		out.SystemPrompt = ""
	}
	if out.Temperature != nil && !features.CanUseCustomTemperature {
		out.Temperature = nil
	}
	if out.WebSearch && !features.CanUseWebSearch {
		return nil, gateway.ErrFeatureNotAvailable.WithMessage("web search is not available on your plan")
	}
	if out.Reasoning != nil && !features.CanUseReasoning {
		return nil, gateway.ErrFeatureNotAvailable.WithMessage("reasoning is not available on your plan")
	}
	if producesImages(model) && !features.CanUseImageGeneration {
		return nil, gateway.ErrFeatureNotAvailable.WithMessage("image generation is not available on your plan")
	}

	// Attachment gating. Ownership checks happen later; here only the
	// capability, the count, and the model's input modalities.
	if len(out.AttachmentIDs) > 0 {
		if !features.CanUseAttachments {
			return nil, gateway.ErrFeatureNotAvailable.WithMessage("attachments are not available on your plan")
		}
		if len(out.AttachmentIDs) > features.MaxAttachmentsPerMessage {
			return nil, gateway.ErrAttachmentLimit
		}
		if !model.AcceptsImages() {
			return nil, gateway.ErrAttachmentInvalid.WithMessage("the selected model does not accept images")
		}
	}

	// Token budget.
	estimate := v.counter.EstimateRequest(&out)
	limits, haveLimits := v.catalog.TokenLimits(ctx, out.Model)
	budget := features.MaxTokensPerRequest
	if haveLimits && limits.MaxInputTokens > 0 && limits.MaxInputTokens < budget {
		budget = limits.MaxInputTokens
	}
	if estimate > budget {
		return nil, gateway.ErrTokenLimitExceeded
	}

	maxOut := 0
	if haveLimits {
		maxOut = limits.MaxOutputTokens
	}
	return &Validated{
		Request:         &out,
		Model:           model,
		MaxOutputTokens: maxOut,
		InputTokens:     estimate,
		Warnings:        warnings,
	}, nil
}

// downgradeTarget picks the first allowed model that can accept what the
// request carries. Requests with image content need an image-capable target.
// Wildcard grants have no concrete entries, so the live catalog supplies the
// candidates; this path only runs for an empty model, since the wildcard
// allows every named one.
func (v *Validator) downgradeTarget(ctx context.Context, req *gateway.ChatRequest, allowed []string) string {
	candidates := allowed
	for _, id := range allowed {
		if id == gateway.WildcardModel {
			candidates = v.catalog.ActiveModelIDs(ctx)
			break
		}
	}
	needImages := requestHasImages(req)
	fallback := ""
	for _, id := range candidates {
		if id == gateway.WildcardModel {
			continue
		}
		if fallback == "" {
			fallback = id
		}
		if !needImages {
			return id
		}
		if m, ok := v.catalog.Get(ctx, id); ok && m.AcceptsImages() {
			return id
		}
	}
	return fallback
}

func requestHasImages(req *gateway.ChatRequest) bool {
	if len(req.AttachmentIDs) > 0 {
		return true
	}
	for _, m := range req.Messages {
		_, blocks, isText := gateway.DecodeContent(m.Content)
		if isText {
			continue
		}
		for _, b := range blocks {
			if b.Type == "image_url" {
				return true
			}
		}
	}
	return false
}

func producesImages(m *gateway.ModelDescriptor) bool {
	for _, mod := range m.OutputModalities {
		if mod == gateway.ModalityImage {
			return true
		}
	}
	return false
}
