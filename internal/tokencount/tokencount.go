// Package tokencount provides token estimation for request budgeting and
// usage recording. Text uses a character-based heuristic (~4 chars per token
// for English); images use a fixed per-image policy. The image policy is the
// single source of truth for image accounting -- upstream-reported numbers
// are intentionally not consulted for budgeting because they vary by model.
package tokencount

import (
	gateway "github.com/torii-gw/torii/internal"
)

const (
	// imageBaseTokens is charged once per image block.
	imageBaseTokens = 85
	// imageTileTokens is charged per tile; defaultTiles covers a typical
	// chat-sized image without fetching dimensions.
	imageTileTokens = 170
	defaultTiles    = 2

	// messageOverhead covers role and formatting tokens per message.
	messageOverhead = 4
	// replyPrime covers the assistant reply priming tokens.
	replyPrime = 3
)

// Counter estimates token counts for requests and text.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateRequest estimates the total input token count for a chat request,
// including the system prompt when present.
func (c *Counter) EstimateRequest(req *gateway.ChatRequest) int {
	total := 0
	if req.SystemPrompt != "" {
		total += messageOverhead + estimateTokens(req.SystemPrompt)
	}
	for _, m := range req.Messages {
		total += messageOverhead
		total += estimateTokens(m.Role)
		total += c.estimateContent(m.Content)
	}
	total += replyPrime
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(text string) int {
	return max(estimateTokens(text), 1)
}

// ImageTokens returns the fixed per-image token charge.
func (c *Counter) ImageTokens() int {
	return imageBaseTokens + defaultTiles*imageTileTokens
}

func (c *Counter) estimateContent(raw []byte) int {
	text, blocks, isText := gateway.DecodeContent(raw)
	if isText {
		return estimateTokens(text)
	}
	total := 0
	for _, b := range blocks {
		switch b.Type {
		case "text":
			total += estimateTokens(b.Text)
		case "image_url":
			total += c.ImageTokens()
		}
	}
	return total
}

// estimateTokens uses the ~4 characters per token heuristic with ceil
// division. A reasonable approximation for English text.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}
