package router

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxLineSize = 256 * 1024 // per SSE line; annotation snapshots can be large

// NewScanner returns a bufio.Scanner sized for Router's SSE lines.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseSSELine splits one SSE line into field and value. Empty lines,
// comments, and unknown fields return ok=false.
func ParseSSELine(line string) (field, value string, ok bool) {
	if line == "" || line[0] == ':' {
		return "", "", false
	}
	key, val, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	val = strings.TrimPrefix(val, " ")
	switch key {
	case "event", "data":
		return key, val, true
	}
	return "", "", false
}

// readSSE pumps data payloads from resp onto ch until the [DONE] sentinel,
// EOF, or cancellation. It owns closing both the body and the channel.
func readSSE(ctx context.Context, resp *http.Response, ch chan<- StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	scanner := NewScanner(resp.Body)
	for scanner.Scan() {
		field, data, ok := ParseSSELine(scanner.Text())
		if !ok || field != "data" {
			continue
		}
		if data == "[DONE]" {
			ch <- StreamChunk{Done: true}
			return
		}
		select {
		case ch <- StreamChunk{Data: []byte(data)}:
		case <-ctx.Done():
			ch <- StreamChunk{Err: ctx.Err()}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- StreamChunk{Err: fmt.Errorf("router: read stream: %w", err)}
		return
	}
	// Upstream closed without [DONE]; treat as a clean end.
	ch <- StreamChunk{Done: true}
}
