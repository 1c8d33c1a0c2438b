package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	gateway "github.com/torii-gw/torii/internal"
)

// modelWire is one entry of Router's GET /models listing.
type modelWire struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Architecture struct {
		InputModalities  []string `json:"input_modalities"`
		OutputModalities []string `json:"output_modalities"`
	} `json:"architecture"`
	ContextLength int `json:"context_length"`
	TopProvider   struct {
		MaxCompletionTokens int `json:"max_completion_tokens"`
	} `json:"top_provider"`
	Pricing struct {
		Prompt     string `json:"prompt"`     // USD per token, decimal string
		Completion string `json:"completion"` // USD per token, decimal string
	} `json:"pricing"`
	SupportedParameters []string `json:"supported_parameters"`
	Deprecated          bool     `json:"deprecated,omitempty"`
}

// FetchModels lists Router's models as gateway descriptors. It satisfies the
// model catalog's fetcher contract.
func (c *Client) FetchModels(ctx context.Context) ([]gateway.ModelDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, gateway.ErrInternal.Wrap(err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, gateway.ErrUpstream.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, mapAPIError(ctx, resp)
	}

	var wire struct {
		Data []modelWire `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, gateway.ErrUpstream.Wrap(fmt.Errorf("decode models: %w", err))
	}

	out := make([]gateway.ModelDescriptor, 0, len(wire.Data))
	for _, m := range wire.Data {
		out = append(out, toDescriptor(m))
	}
	return out, nil
}

func toDescriptor(m modelWire) gateway.ModelDescriptor {
	d := gateway.ModelDescriptor{
		ID:              m.ID,
		DisplayName:     m.Name,
		ContextWindow:   m.ContextLength,
		MaxOutputTokens: m.TopProvider.MaxCompletionTokens,
		PricePerKInput:  perTokenToPerK(m.Pricing.Prompt),
		PricePerKOutput: perTokenToPerK(m.Pricing.Completion),
		FreeVariant:     strings.HasSuffix(m.ID, ":free"),
		Deprecated:      m.Deprecated,
	}
	d.InputModalities = toModalities(m.Architecture.InputModalities)
	d.OutputModalities = toModalities(m.Architecture.OutputModalities)
	for _, p := range m.SupportedParameters {
		if p == "reasoning" || p == "include_reasoning" {
			d.SupportsReasoning = true
			break
		}
	}
	return d
}

func toModalities(in []string) []gateway.Modality {
	out := make([]gateway.Modality, 0, len(in))
	for _, s := range in {
		switch s {
		case "text":
			out = append(out, gateway.ModalityText)
		case "image":
			out = append(out, gateway.ModalityImage)
		}
	}
	return out
}

// perTokenToPerK converts Router's per-token decimal price string to the
// per-1k price the catalog carries.
func perTokenToPerK(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v * 1000
}
