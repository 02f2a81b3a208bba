package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/stakeledger/stake-sync/business/domain/syncer"
	"github.com/stakeledger/stake-sync/entities"
	"go.uber.org/zap"
)

const DefaultTopStakes = 10

type Aggregator interface {
	TopStakes(ctx context.Context, n int) (*entities.TopStakesResult, error)
	NetworkMetrics(ctx context.Context, network entities.Network) (*entities.NetworkMetrics, error)
	Forget(network entities.Network)
}

type Ledger interface {
	Ping(ctx context.Context) error
	GetCursor(ctx context.Context, network entities.Network) (entities.SyncCursor, error)
	CountByNetwork(ctx context.Context) (map[entities.Network]entities.RecordCounts, error)
	ResetNetwork(ctx context.Context, network entities.Network) error
}

// SyncTrigger starts a sync run of one network without waiting for it.
type SyncTrigger interface {
	Start(ctx context.Context) (syncer.State, error)
	State() syncer.State
}

type NetworkStatus struct {
	Network             entities.Network      `json:"network"`
	Cursor              entities.SourceCursor `json:"cursor"`
	Records             entities.RecordCounts `json:"records"`
	TotalStakesSynced   uint64                `json:"totalStakesSynced"`
	TotalEndsSynced     uint64                `json:"totalEndsSynced"`
	SyncInProgress      bool                  `json:"syncInProgress"`
	RunState            syncer.State          `json:"runState,omitempty"`
	LastError           string                `json:"lastError,omitempty"`
	LastSyncStartedAt   *time.Time            `json:"lastSyncStartedAt,omitempty"`
	LastSyncCompletedAt *time.Time            `json:"lastSyncCompletedAt,omitempty"`
}

type StatusResponse struct {
	Networks []NetworkStatus `json:"networks"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type SyncResponse struct {
	Network entities.Network `json:"network"`
	State   string           `json:"state"`
}

type ResetResponse struct {
	Network entities.Network `json:"network"`
	Reset   bool             `json:"reset"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type Handler struct {
	aggregator Aggregator
	ledger     Ledger
	triggers   map[entities.Network]SyncTrigger
	runCtx     context.Context
	logger     *zap.SugaredLogger
}

// NewHandler creates the query and admin handler. Runs triggered over the admin api live in runCtx, not
// in the request context.
func NewHandler(runCtx context.Context, aggregator Aggregator, ledger Ledger, triggers map[entities.Network]SyncTrigger, logger *zap.SugaredLogger) *Handler {
	return &Handler{
		aggregator: aggregator,
		ledger:     ledger,
		triggers:   triggers,
		runCtx:     runCtx,
		logger:     logger,
	}
}

func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/status", h.GetStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/networks/{network}/metrics", h.GetNetworkMetrics).Methods(http.MethodGet)
	r.HandleFunc("/v1/stakes/top", h.GetTopStakes).Methods(http.MethodGet)
	r.HandleFunc("/v1/admin/networks/{network}/sync", h.TriggerSync).Methods(http.MethodPost)
	r.HandleFunc("/v1/admin/networks/{network}/reset", h.ResetNetwork).Methods(http.MethodPost)
	return r
}

func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.Ping(r.Context()); err != nil {
		h.logger.Warnw("Health check failed", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "DOWN"})
		return
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "UP"})
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.ledger.CountByNetwork(r.Context())
	if err != nil {
		h.writeError(w, errors.Wrap(err, "counting records"))
		return
	}

	response := StatusResponse{Networks: make([]NetworkStatus, 0, len(entities.Networks))}
	for _, network := range entities.Networks {
		cursor, err := h.ledger.GetCursor(r.Context(), network)
		if err != nil {
			h.writeError(w, errors.Wrapf(err, "getting cursor of [%s]", network))
			return
		}
		status := NetworkStatus{
			Network:             network,
			Cursor:              cursor.Position,
			Records:             counts[network],
			TotalStakesSynced:   cursor.TotalStakesSynced,
			TotalEndsSynced:     cursor.TotalEndsSynced,
			SyncInProgress:      cursor.SyncInProgress,
			LastError:           cursor.ErrorMessage,
			LastSyncStartedAt:   optionalTime(cursor.LastSyncStartedAt),
			LastSyncCompletedAt: optionalTime(cursor.LastSyncCompletedAt),
		}
		if trigger, ok := h.triggers[network]; ok {
			status.RunState = trigger.State()
		}
		response.Networks = append(response.Networks, status)
	}
	h.writeJSON(w, http.StatusOK, response)
}

func (h *Handler) GetNetworkMetrics(w http.ResponseWriter, r *http.Request) {
	network, ok := h.network(w, r)
	if !ok {
		return
	}

	result, err := h.aggregator.NetworkMetrics(r.Context(), network)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) GetTopStakes(w http.ResponseWriter, r *http.Request) {
	n := DefaultTopStakes
	if value := r.URL.Query().Get("n"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid n [" + value + "]"})
			return
		}
		n = parsed
	}

	result, err := h.aggregator.TopStakes(r.Context(), n)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	network, ok := h.network(w, r)
	if !ok {
		return
	}
	trigger, ok := h.triggers[network]
	if !ok {
		h.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "sync not configured for [" + network.String() + "]"})
		return
	}

	state, err := trigger.Start(h.runCtx)
	if err != nil {
		h.writeError(w, errors.Wrapf(err, "starting sync of [%s]", network))
		return
	}
	if state == syncer.StateSkipped {
		h.writeJSON(w, http.StatusOK, SyncResponse{Network: network, State: "skipped"})
		return
	}
	h.logger.Infow("Triggered sync run", "network", network.String())
	h.writeJSON(w, http.StatusAccepted, SyncResponse{Network: network, State: "started"})
}

func (h *Handler) ResetNetwork(w http.ResponseWriter, r *http.Request) {
	network, ok := h.network(w, r)
	if !ok {
		return
	}

	if err := h.ledger.ResetNetwork(r.Context(), network); err != nil {
		h.writeError(w, errors.Wrapf(err, "resetting [%s]", network))
		return
	}
	h.aggregator.Forget(network)
	h.logger.Warnw("Network reset", "network", network.String())
	h.writeJSON(w, http.StatusOK, ResetResponse{Network: network, Reset: true})
}

func (h *Handler) network(w http.ResponseWriter, r *http.Request) (entities.Network, bool) {
	value := mux.Vars(r)["network"]
	network, err := entities.ParseNetwork(value)
	if err != nil {
		h.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return 0, false
	}
	return network, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var noData *entities.NoDataError
	switch {
	case errors.As(err, &noData):
		h.logger.Warnw("No data available", "network", noData.Network.String(), "reason", noData.Reason)
		h.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: entities.ErrNoDataAvailable.Error(), Reason: noData.Reason})
	case errors.Is(err, entities.ErrStoreUnavailable):
		h.logger.Errorw("Store unavailable", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: entities.ErrStoreUnavailable.Error()})
	case errors.Is(err, entities.ErrSyncInProgress):
		h.writeJSON(w, http.StatusConflict, ErrorResponse{Error: entities.ErrSyncInProgress.Error()})
	default:
		h.logger.Errorw("Request failed", "error", err)
		h.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Errorw("Error encoding response", "error", err)
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
