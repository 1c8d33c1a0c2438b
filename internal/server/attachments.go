package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	gateway "github.com/torii-gw/torii/internal"
)

// maxAttachmentBytes caps a single image upload at 10 MB.
const maxAttachmentBytes = 10 << 20

// handleAttachmentUpload accepts one multipart image, stores the blob, and
// returns the attachment row. The row starts pending and flips to ready only
// after the blob write succeeds, so a half-written upload can never be
// referenced by a chat request.
func (s *server) handleAttachmentUpload(w http.ResponseWriter, r *http.Request) {
	auth := gateway.AuthFromContext(r.Context())
	if !auth.Features.CanUseAttachments {
		writeError(w, r, gateway.ErrFeatureNotAvailable.WithMessage("attachments are not available on your plan"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAttachmentBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, gateway.ErrBadRequest.WithMessage("multipart field 'file' is required"))
		return
	}
	defer file.Close()

	mime := header.Header.Get("Content-Type")
	if _, ok := gateway.AllowedImageMimes[mime]; !ok {
		writeError(w, r, gateway.ErrAttachmentInvalid.WithMessage("unsupported image type"))
		return
	}

	userID := auth.User.ID
	att := &gateway.Attachment{
		ID:            uuid.Must(uuid.NewV7()).String(),
		UserID:        userID,
		Mime:          mime,
		StorageBucket: s.deps.AttachmentBucket,
		Status:        gateway.AttachmentPending,
		SessionID:     r.URL.Query().Get("session_id"),
		CreatedAt:     time.Now().UTC(),
	}
	att.StoragePath = userID + "/" + att.ID

	if err := s.deps.Store.CreateAttachment(r.Context(), att); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.deps.Blobs.Put(r.Context(), att.StorageBucket, att.StoragePath, mime, file); err != nil {
		_ = s.deps.Store.MarkAttachmentStatus(r.Context(), att.ID, userID, gateway.AttachmentFailed)
		writeError(w, r, gateway.ErrInternal.Wrap(err))
		return
	}
	if err := s.deps.Store.MarkAttachmentStatus(r.Context(), att.ID, userID, gateway.AttachmentReady); err != nil {
		writeError(w, r, err)
		return
	}

	att.Status = gateway.AttachmentReady
	writeJSON(w, http.StatusCreated, att)
}

// handleAttachmentRetention triggers one reap pass over expired unlinked
// attachments. Scheduled externally; the in-process reaper covers deployments
// without a cron.
func (s *server) handleAttachmentRetention(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reaper == nil {
		writeError(w, r, gateway.ErrNotFound)
		return
	}
	n := s.deps.Reaper.Reap(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}
