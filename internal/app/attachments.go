package app

import (
	"context"
	"time"

	gateway "github.com/torii-gw/torii/internal"
	"github.com/torii-gw/torii/internal/blob"
	"github.com/torii-gw/torii/internal/storage"
)

// AttachmentResolver turns attachment ids into signed image content blocks
// for the upstream request. Every id must be owned by the caller, uploaded
// and ready, and not yet bound to a message.
type AttachmentResolver struct {
	store storage.AttachmentStore
	blobs blob.Store
	ttl   time.Duration
}

// NewAttachmentResolver wires the resolver. ttl is clamped by the blob layer
// to its 300s cap.
func NewAttachmentResolver(store storage.AttachmentStore, blobs blob.Store, ttl time.Duration) *AttachmentResolver {
	return &AttachmentResolver{store: store, blobs: blobs, ttl: ttl}
}

// Resolve validates ownership and state for each id and mints signed URLs in
// input order. Any mismatch rejects the whole set: partial attachment
// delivery would silently change what the model sees.
func (r *AttachmentResolver) Resolve(ctx context.Context, ids []string, auth *gateway.AuthContext, model *gateway.ModelDescriptor) ([]gateway.ContentBlock, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > gateway.MaxAttachmentsPerMessage {
		return nil, gateway.ErrAttachmentLimit
	}
	if !auth.IsAuthenticated || auth.User == nil {
		return nil, gateway.ErrAttachmentInvalid.WithMessage("attachments require authentication")
	}
	if !model.AcceptsImages() {
		return nil, gateway.ErrAttachmentInvalid.WithMessage("the selected model does not accept images")
	}

	rows, err := r.store.GetAttachments(ctx, ids)
	if err != nil {
		return nil, gateway.ErrInternal.Wrap(err)
	}
	if len(rows) != len(ids) {
		return nil, gateway.ErrAttachmentInvalid
	}

	blocks := make([]gateway.ContentBlock, 0, len(rows))
	for _, a := range rows {
		if a.UserID != auth.User.ID || a.Status != gateway.AttachmentReady || a.MessageID != nil {
			return nil, gateway.ErrAttachmentInvalid
		}
		if _, ok := gateway.AllowedImageMimes[a.Mime]; !ok {
			return nil, gateway.ErrAttachmentInvalid
		}
		url, err := r.blobs.SignedURL(ctx, a.StorageBucket, a.StoragePath, r.ttl)
		if err != nil {
			return nil, gateway.ErrInternal.Wrap(err)
		}
		blocks = append(blocks, gateway.ContentBlock{
			Type:     "image_url",
			ImageURL: &gateway.ImageURL{URL: url},
		})
	}
	return blocks, nil
}

// AttachBlocks inserts image blocks into the last user message of req,
// preserving existing content. Text-only content becomes a block list.
func AttachBlocks(req *gateway.ChatRequest, blocks []gateway.ContentBlock) {
	if len(blocks) == 0 {
		return
	}
	msg := req.LastUserMessage()
	if msg == nil {
		return
	}
	text, existing, isText := gateway.DecodeContent(msg.Content)
	var merged []gateway.ContentBlock
	if isText {
		if text != "" {
			merged = append(merged, gateway.ContentBlock{Type: "text", Text: text})
		}
	} else {
		merged = existing
	}
	merged = append(merged, blocks...)
	msg.Content = gateway.BlockContent(merged)
}
