package router

import (
	"encoding/json"

	gateway "github.com/torii-gw/torii/internal"
)

// annotationWire accepts both upstream shapes: fields inline on the object,
// or nested under a url_citation wrapper.
type annotationWire struct {
	Type        string              `json:"type"`
	URL         string              `json:"url,omitempty"`
	Title       string              `json:"title,omitempty"`
	Content     string              `json:"content,omitempty"`
	StartIndex  *int                `json:"start_index,omitempty"`
	EndIndex    *int                `json:"end_index,omitempty"`
	URLCitation *gateway.Annotation `json:"url_citation,omitempty"`
}

// ParseAnnotations decodes an upstream annotation array, flattening the
// url_citation wrapper when present and dropping entries without a URL.
func ParseAnnotations(raw json.RawMessage) []gateway.Annotation {
	if len(raw) == 0 {
		return nil
	}
	var wires []annotationWire
	if err := json.Unmarshal(raw, &wires); err != nil {
		return nil
	}
	out := make([]gateway.Annotation, 0, len(wires))
	for _, w := range wires {
		a := gateway.Annotation{
			Type:       "url_citation",
			URL:        w.URL,
			Title:      w.Title,
			Content:    w.Content,
			StartIndex: w.StartIndex,
			EndIndex:   w.EndIndex,
		}
		if w.URLCitation != nil {
			a = *w.URLCitation
			a.Type = "url_citation"
		}
		if a.URL == "" {
			continue
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// MergeAnnotations appends src entries whose URL is not already in dst,
// preserving first-seen order.
func MergeAnnotations(dst []gateway.Annotation, src []gateway.Annotation) []gateway.Annotation {
	seen := make(map[string]struct{}, len(dst))
	for _, a := range dst {
		seen[a.URL] = struct{}{}
	}
	for _, a := range src {
		if _, dup := seen[a.URL]; dup {
			continue
		}
		seen[a.URL] = struct{}{}
		dst = append(dst, a)
	}
	return dst
}
