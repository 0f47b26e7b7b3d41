package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/digkill/PresetStudio/internal/models"
	"github.com/digkill/PresetStudio/internal/service"
)

type reserveRequest struct {
	PresetID           string `json:"presetId"`
	StyleID            string `json:"styleId"`
	SourceImageRef     string `json:"sourceImageRef"`
	ExpectedImageCount int    `json:"expectedImageCount"`
}

func (r reserveRequest) toService(userID string) service.ReserveRequest {
	return service.ReserveRequest{
		UserID:             userID,
		PresetID:           r.PresetID,
		StyleID:            r.StyleID,
		SourceImageRef:     r.SourceImageRef,
		ExpectedImageCount: r.ExpectedImageCount,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePresets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"presets": s.deps.Catalog.Presets(),
		"styles":  s.deps.Catalog.Styles(),
	})
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid json")
		return
	}
	res, err := s.deps.Reservations.Reserve(r.Context(), req.toService(userFrom(r.Context())))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleCompleteVariation(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "variation index must be an integer")
		return
	}
	res, err := s.deps.Variations.CompleteVariation(r.Context(), chi.URLParam(r, "id"), index, userFrom(r.Context()))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid json")
		return
	}
	res, err := s.deps.Batches.Run(r.Context(), req.toService(userFrom(r.Context())))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.deps.Ledger.GetBalance(r.Context(), userFrom(r.Context()))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse(bal))
}

func (s *Server) handleRedeemPromo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid json")
		return
	}
	bal, err := s.deps.Promos.Apply(r.Context(), userFrom(r.Context()), req.Code)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse(bal))
}

func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	gens, err := s.deps.Gallery.ListGenerations(r.Context(), userFrom(r.Context()), limit)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"generations": gens})
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())
	id := chi.URLParam(r, "id")
	gen, err := s.deps.Gallery.GetGeneration(r.Context(), userID, id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	imgs, err := s.deps.Gallery.ListBatch(r.Context(), userID, id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	views := make([]imageView, 0, len(imgs))
	for i := range imgs {
		views = append(views, toImageView(&imgs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"generation": gen, "images": views})
}

func (s *Server) handleUpdateImage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsPublic *bool `json:"isPublic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsPublic == nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "isPublic is required")
		return
	}
	img, err := s.deps.Gallery.SetPublic(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id"), *req.IsPublic)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toImageView(img))
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Gallery.Delete(r.Context(), userFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type imageView struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	ImageIndex int    `json:"imageIndex"`
	IsPublic   bool   `json:"isPublic"`
	PresetID   string `json:"presetId"`
	StyleID    string `json:"styleId"`
}

func toImageView(img *models.Image) imageView {
	return imageView{
		ID:         img.ID,
		URL:        img.URL,
		ImageIndex: img.ImageIndex,
		IsPublic:   img.IsPublic,
		PresetID:   img.PresetID,
		StyleID:    img.StyleID,
	}
}

func balanceResponse(b models.Balance) map[string]int {
	return map[string]int{"free": b.Free, "paid": b.Paid, "lifetime": b.Lifetime, "total": b.Total()}
}

// statusFor maps a service error onto the HTTP status of its wire code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidSession), errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrSessionExpired):
		return http.StatusGone
	case errors.Is(err, service.ErrDuplicateIndex):
		return http.StatusConflict
	case errors.Is(err, service.ErrGenerationFailed):
		return http.StatusBadGateway
	case errors.Is(err, service.ErrPromoInvalid), errors.Is(err, service.ErrPromoExhausted), errors.Is(err, service.ErrPromoAlreadyRedeemed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) serviceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("api handler error", "err", err)
		if !errors.Is(err, service.ErrPersistenceFailed) {
			msg = "internal error"
		}
	}
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:      service.Code(err),
		Message:   msg,
		Retryable: service.Retryable(err),
	}})
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
