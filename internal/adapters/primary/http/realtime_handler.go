package http

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/dattmumas/lnked-realtime/internal/adapters/primary/validation"
	"github.com/dattmumas/lnked-realtime/internal/core/domain"
	apperrors "github.com/dattmumas/lnked-realtime/internal/core/errors"
	"github.com/dattmumas/lnked-realtime/internal/core/services"
)

// RealtimeMonitor exposes the manager's read-only views.
type RealtimeMonitor interface {
	Connections() []domain.ConnectionInfo
	Stats() services.ManagerStats
}

// SessionCounter reports live gateway sessions.
type SessionCounter interface {
	GetClientCount() int
}

const maxConnectionsPage = 500

var connStates = []string{"IDLE", "JOINING", "JOINED", "LEAVING", "CLOSED", "ERRORED"}

type RealtimeHandler struct {
	monitor      RealtimeMonitor
	sessions     SessionCounter
	errorHandler *ErrorHandler
	logger       *slog.Logger
}

func NewRealtimeHandler(monitor RealtimeMonitor, sessions SessionCounter, errorHandler *ErrorHandler, logger *slog.Logger) *RealtimeHandler {
	return &RealtimeHandler{
		monitor:      monitor,
		sessions:     sessions,
		errorHandler: errorHandler,
		logger:       logger.With("handler", "realtime"),
	}
}

func (h *RealtimeHandler) RegisterRoutes(r chi.Router) {
	r.Get("/connections", h.HandleListConnections)
	r.Get("/connections/{kind}/{scope}", h.HandleGetConnection)
	r.Get("/stats", h.HandleStats)
}

// ConnectionFilter narrows the connection listing.
type ConnectionFilter struct {
	Kind  string
	State string
}

func (f *ConnectionFilter) Validate() error {
	v := validation.NewValidator()
	if f.Kind != "" {
		v.TopicKind("kind", f.Kind)
	}
	if f.State != "" {
		v.OneOf("state", f.State, connStates)
	}
	return v.Err()
}

func (f *ConnectionFilter) matches(c domain.ConnectionInfo) bool {
	if f.Kind != "" && string(c.Topic.Kind()) != f.Kind {
		return false
	}
	if f.State != "" && c.State.String() != f.State {
		return false
	}
	return true
}

// HandleListConnections handles GET /realtime/connections
func (h *RealtimeHandler) HandleListConnections(w http.ResponseWriter, r *http.Request) {
	filter := ConnectionFilter{
		Kind:  validation.ParseStringQueryParam(r, "kind"),
		State: validation.ParseStringQueryParam(r, "state"),
	}
	if HandleError(w, r, filter.Validate(), h.errorHandler) {
		return
	}
	page := validation.ParsePagination(r, maxConnectionsPage)

	matched := []domain.ConnectionInfo{}
	for _, c := range h.monitor.Connections() {
		if filter.matches(c) {
			matched = append(matched, c)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Topic < matched[j].Topic })

	total := len(matched)
	start := min(page.Offset, total)
	end := min(start+page.Limit, total)
	WritePaginated(w, matched[start:end], page.Limit, page.Offset, int64(total))
}

// HandleGetConnection handles GET /realtime/connections/{kind}/{scope}
func (h *RealtimeHandler) HandleGetConnection(w http.ResponseWriter, r *http.Request) {
	topic, err := domain.NewTopicKey(domain.TopicKind(chi.URLParam(r, "kind")), chi.URLParam(r, "scope"))
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	for _, c := range h.monitor.Connections() {
		if c.Topic == topic {
			WriteSuccess(w, c)
			return
		}
	}
	h.errorHandler.Handle(w, r, apperrors.NewNotFoundError(apperrors.ErrNotFound, "No connection for topic "+topic.String()))
}

// StatsResponse is the manager snapshot plus gateway session count.
type StatsResponse struct {
	services.ManagerStats
	Sessions int `json:"sessions"`
}

// HandleStats handles GET /realtime/stats
func (h *RealtimeHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{ManagerStats: h.monitor.Stats()}
	if h.sessions != nil {
		resp.Sessions = h.sessions.GetClientCount()
	}
	WriteSuccess(w, resp)
}
