package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"upremu/internal/domain"
	"upremu/internal/state"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// State is the administrative surface of the server state.
type State interface {
	FailoverLog(context.Context, domain.PartitionID) (domain.FailoverLog, error)
	SetFailoverLog(context.Context, domain.PartitionID, domain.FailoverLog) error
	Reset(context.Context) error
}

// FailoverEntry is the JSON form of one failover log entry.
type FailoverEntry struct {
	HistoryID uint64 `json:"history_id"`
	HighSeq   uint64 `json:"high_seq"`
}

type HTTPHandler struct {
	state  State
	gather prometheus.Gatherer
	logger *zap.Logger
}

func NewHTTPHandler(st State, gather prometheus.Gatherer, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{state: st, gather: gather, logger: logger}
}

func (h *HTTPHandler) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /admin/reset", h.handleReset)
	mux.HandleFunc("GET /admin/failover-log/{partition}", h.handleGetFailoverLog)
	mux.HandleFunc("PUT /admin/failover-log/{partition}", h.handlePutFailoverLog)
	if h.gather != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gather, promhttp.HandlerOpts{}))
	}
}

func (h *HTTPHandler) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := h.state.Reset(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	h.logger.Info("state reset over admin api", zap.String("remote_addr", r.RemoteAddr))
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) handleGetFailoverLog(w http.ResponseWriter, r *http.Request) {
	id, ok := partitionParam(w, r)
	if !ok {
		return
	}
	log, err := h.state.FailoverLog(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	out := make([]FailoverEntry, len(log))
	for i, e := range log {
		out[i] = FailoverEntry{HistoryID: e.HistoryID, HighSeq: uint64(e.HighSeq)}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (h *HTTPHandler) handlePutFailoverLog(w http.ResponseWriter, r *http.Request) {
	id, ok := partitionParam(w, r)
	if !ok {
		return
	}
	var in []FailoverEntry
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	log := make(domain.FailoverLog, len(in))
	for i, e := range in {
		log[i] = domain.FailoverEntry{HistoryID: e.HistoryID, HighSeq: domain.SeqNo(e.HighSeq)}
	}
	if err := h.state.SetFailoverLog(r.Context(), id, log); err != nil {
		code := http.StatusServiceUnavailable
		if errors.Is(err, state.ErrInvalidFailoverLog) {
			code = http.StatusBadRequest
		}
		http.Error(w, err.Error(), code)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func partitionParam(w http.ResponseWriter, r *http.Request) (domain.PartitionID, bool) {
	n, err := strconv.ParseUint(r.PathValue("partition"), 10, 16)
	if err != nil {
		http.Error(w, "invalid partition", http.StatusBadRequest)
		return 0, false
	}
	return domain.PartitionID(n), true
}
