package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/dattmumas/lnked-realtime/internal/adapters/primary/http/middleware"
	"github.com/dattmumas/lnked-realtime/internal/core/ports"
)

// Flusher drains buffered realtime events on demand.
type Flusher interface {
	Flush() int
}

type AdminHandler struct {
	credentials  ports.CredentialController
	flusher      Flusher
	errorHandler *ErrorHandler
	logger       *slog.Logger
}

func NewAdminHandler(credentials ports.CredentialController, flusher Flusher, errorHandler *ErrorHandler, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		credentials:  credentials,
		flusher:      flusher,
		errorHandler: errorHandler,
		logger:       logger.With("handler", "admin"),
	}
}

func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/credentials", func(r chi.Router) {
		r.Post("/rotate", h.HandleRotate)
		r.Post("/sign-out", h.HandleSignOut)
	})
	r.Post("/realtime/flush", h.HandleFlush)
}

// HandleRotate handles POST /admin/credentials/rotate. Every joined topic
// is rejoined with the new token.
func (h *AdminHandler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	if HandleError(w, r, h.credentials.Rotate(), h.errorHandler) {
		return
	}
	h.logger.Info("backend credentials rotated", "actor_id", actorID(r))
	WriteJSON(w, http.StatusAccepted, SuccessResponse{Message: "Credentials rotated"})
}

// HandleSignOut handles POST /admin/credentials/sign-out.
func (h *AdminHandler) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	h.credentials.SignOut()
	h.logger.Warn("backend credentials signed out", "actor_id", actorID(r))
	WriteJSON(w, http.StatusAccepted, SuccessResponse{Message: "Credentials signed out"})
}

type flushResponse struct {
	Flushed int `json:"flushed"`
}

// HandleFlush handles POST /admin/realtime/flush
func (h *AdminHandler) HandleFlush(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, flushResponse{Flushed: h.flusher.Flush()})
}

func actorID(r *http.Request) string {
	if claims, ok := mw.ClaimsFromContext(r.Context()); ok {
		return claims.UserID()
	}
	return ""
}
