package download_api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"ms-fulfillment/internal/download"
	"ms-fulfillment/internal/download/blob"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/utils"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	Service *download.Service
	Logger  *logger.Logger
}

type fileEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type listingResponse struct {
	Files              []fileEntry `json:"files"`
	DownloadsRemaining int         `json:"downloads_remaining"`
}

// Download serves GET /download/{token}. Failure codes are part of the
// contract: 404 unknown, 410 expired, 403 revoked or exhausted.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	tokenValue := chi.URLParam(r, "token")
	fileName := r.URL.Query().Get("file")

	meta := download.RequestMeta{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}

	result, err := h.Service.Authorize(r.Context(), tokenValue, fileName, meta)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}
	defer result.Content.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.FileName))
	if result.Size > 0 {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", result.Size))
	}

	if _, err := io.Copy(w, result.Content); err != nil {
		// Headers are gone by now; all we can do is record it.
		h.Logger.Error("DOWNLOAD", fmt.Sprintf("stream aborted for %s: %v", result.FileName, err))
	}
}

// ListFiles serves GET /download/{token}/files: same checks as a
// download, no counter mutation.
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	tokenValue := chi.URLParam(r, "token")

	listing, err := h.Service.ListFiles(r.Context(), tokenValue)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}

	resp := listingResponse{
		Files:              make([]fileEntry, 0, len(listing.Files)),
		DownloadsRemaining: listing.Remaining,
	}
	for _, f := range listing.Files {
		resp.Files = append(resp.Files, fileEntry{Name: f.Name, Size: f.Size})
	}

	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Available files", resp))
}

func (h *Handler) writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, download.ErrTokenNotFound), errors.Is(err, download.ErrFileNotFound):
		utils.WriteJSON(w, http.StatusNotFound, utils.ErrorResponse("Not found", err.Error()))
	case errors.Is(err, download.ErrTokenExpired):
		utils.WriteJSON(w, http.StatusGone, utils.ErrorResponse("Token expired", err.Error()))
	case errors.Is(err, download.ErrTokenRevoked), errors.Is(err, download.ErrTokenExhausted):
		utils.WriteJSON(w, http.StatusForbidden, utils.ErrorResponse("Access denied", err.Error()))
	case errors.Is(err, blob.ErrUnavailable):
		h.Logger.Error("DOWNLOAD", fmt.Sprintf("blob store failure: %v", err))
		utils.WriteJSON(w, http.StatusBadGateway, utils.ErrorResponse("Storage unavailable", "try again shortly"))
	default:
		h.Logger.Error("DOWNLOAD", fmt.Sprintf("authorization failed: %v", err))
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Download failed", "internal error"))
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
