// Package api serves the local HTTP control interface of wifiscored
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markus-lassfolk/wifiscore/pkg/audit"
	"github.com/markus-lassfolk/wifiscore/pkg/connected"
	"github.com/markus-lassfolk/wifiscore/pkg/logx"
	"github.com/markus-lassfolk/wifiscore/pkg/metrics"
	"github.com/markus-lassfolk/wifiscore/pkg/scorecard"
	"github.com/markus-lassfolk/wifiscore/pkg/scoring"
	"github.com/markus-lassfolk/wifiscore/pkg/selector"
	"github.com/markus-lassfolk/wifiscore/pkg/store"
	"github.com/markus-lassfolk/wifiscore/pkg/telem"
)

const (
	defaultLimit   = 100
	maxParamsBytes = 4096
)

// StoreStats is implemented by the blob stores
type StoreStats interface {
	Stats() (store.Stats, error)
}

// Deps are the components the API reads and controls. Journal, Store and
// Telemetry may be nil.
type Deps struct {
	Params    *scoring.Params
	ScoreCard *scorecard.ScoreCard
	Report    *connected.ScoreReport
	Selector  *selector.Selector
	Journal   *audit.Journal
	Store     StoreStats
	Telemetry *telem.Store
	Gatherer  prometheus.Gatherer
	AuthKey   string
}

// Server is the control API
type Server struct {
	deps      Deps
	logger    *logx.Logger
	router    *mux.Router
	http      *http.Server
	startTime time.Time
}

// NewServer builds the router
func NewServer(deps Deps, logger *logx.Logger) *Server {
	if logger == nil {
		logger = logx.Discard()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{deps: deps, logger: logger.With("component", "api"), startTime: time.Now()}
	s.router = s.newRouter()
	return s
}

func (s *Server) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)
	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	// a subrouter with middleware reports a method mismatch as not found
	// unless it has its own handler
	api.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)
	api.Use(s.authMiddleware)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/params", s.handleGetParams).Methods(http.MethodGet)
	api.HandleFunc("/params", s.handlePutParams).Methods(http.MethodPut, http.MethodPost)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/scorecard", s.handleScoreCard).Methods(http.MethodGet)
	api.HandleFunc("/scorecard", s.handleClearScoreCard).Methods(http.MethodDelete)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/selections", s.handleSelections).Methods(http.MethodGet)
	api.HandleFunc("/selections/stats", s.handleSelectionStats).Methods(http.MethodGet)
	api.HandleFunc("/transitions", s.handleTransitions).Methods(http.MethodGet)
	api.HandleFunc("/blacklist", s.handleGetBlacklist).Methods(http.MethodGet)
	api.HandleFunc("/blacklist/{bssid}", s.handleAddBlacklist).Methods(http.MethodPut)
	api.HandleFunc("/blacklist", s.handleClearBlacklist).Methods(http.MethodDelete)
	return r
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr in the background
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("starting control API", "address", addr)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control API failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.logger.Info("control API stopped")
	return s.http.Shutdown(ctx)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.AuthKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != s.deps.AuthKey {
			s.logger.Warn("invalid authentication attempt", "remote_addr", r.RemoteAddr)
			s.sendErrorResponse(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSONResponse(w, map[string]interface{}{
		"status":   "ok",
		"uptime_s": int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleGetParams(w http.ResponseWriter, r *http.Request) {
	s.sendJSONResponse(w, map[string]interface{}{
		"params":     s.deps.Params.String(),
		"generation": s.deps.Params.Generation(),
	})
}

// handlePutParams applies a key=value list. The body is either the raw list or
// {"params": "..."}.
func (s *Server) handlePutParams(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxParamsBytes+1))
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "failed to read body", err)
		return
	}
	if len(body) > maxParamsBytes {
		s.sendErrorResponse(w, http.StatusRequestEntityTooLarge, "params too long", nil)
		return
	}

	kv := strings.TrimSpace(string(body))
	if strings.HasPrefix(kv, "{") {
		var req struct {
			Params string `json:"params"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, "invalid json", err)
			return
		}
		kv = req.Params
	}

	err = s.deps.Params.UpdateErr(kv)
	metrics.RecordParamsUpdate(err == nil)
	if err != nil {
		s.logger.Warn("scoring params rejected", "input", scoring.Sanitize(kv), "error", err)
		s.sendErrorResponse(w, http.StatusBadRequest, "params rejected", err)
		return
	}
	s.logger.Info("scoring params updated", "input", scoring.Sanitize(kv), "generation", s.deps.Params.Generation())
	s.handleGetParams(w, r)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"params": s.deps.Params.String(),
	}
	if s.deps.Report != nil {
		resp["connected"] = s.deps.Report.Status()
	}
	if s.deps.Selector != nil {
		resp["evaluators"] = s.deps.Selector.Evaluators()
		resp["connectable"] = len(s.deps.Selector.Connectable())
		resp["blacklist"] = len(s.deps.Selector.Blacklisted())
	}
	if s.deps.ScoreCard != nil {
		resp["ledgers"] = s.deps.ScoreCard.Len()
	}
	if s.deps.Store != nil {
		if st, err := s.deps.Store.Stats(); err == nil {
			resp["store"] = st
		} else {
			s.logger.Warn("failed to read store stats", "error", err)
		}
	}
	s.sendJSONResponse(w, resp)
}

type signalView struct {
	Event     string  `json:"event"`
	Frequency int     `json:"frequency"`
	Samples   int64   `json:"samples"`
	MeanRSSI  float64 `json:"mean_rssi"`
	MeanSpeed float64 `json:"mean_link_speed"`
}

type accessPointView struct {
	BSSID       string       `json:"bssid,omitempty"`
	SuccessRate *float64     `json:"connection_success_rate,omitempty"`
	Signals     []signalView `json:"signals"`
}

type networkView struct {
	SSID         string            `json:"ssid"`
	Security     string            `json:"security"`
	AccessPoints []accessPointView `json:"access_points"`
}

// handleScoreCard dumps the ledgers. format=binary returns the wire snapshot,
// omit_address=1 drops the BSSIDs.
func (s *Server) handleScoreCard(w http.ResponseWriter, r *http.Request) {
	if s.deps.ScoreCard == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "no scorecard", nil)
		return
	}
	omit := r.URL.Query().Get("omit_address") == "1"
	if r.URL.Query().Get("format") == "binary" {
		w.Header().Set("Content-Type", "application/octet-stream")
		if _, err := w.Write(s.deps.ScoreCard.Snapshot(omit)); err != nil {
			s.logger.Debug("failed to write snapshot", "error", err)
		}
		return
	}

	list := s.deps.ScoreCard.NetworkList()
	networks := make([]networkView, 0, len(list.Networks))
	for _, n := range list.Networks {
		nv := networkView{SSID: n.SSID, Security: n.Security.String()}
		for _, ap := range n.AccessPoints {
			av := accessPointView{Signals: []signalView{}}
			if !omit {
				av.BSSID = ap.BSSID.String()
			}
			if rate, ok := ap.ConnectionSuccessRate(); ok {
				av.SuccessRate = &rate
			}
			for _, sig := range ap.Signals() {
				av.Signals = append(av.Signals, signalView{
					Event:     sig.Event.String(),
					Frequency: sig.Frequency,
					Samples:   sig.RSSI.Count(),
					MeanRSSI:  sig.RSSI.Mean(),
					MeanSpeed: sig.LinkSpeed.Mean(),
				})
			}
			nv.AccessPoints = append(nv.AccessPoints, av)
		}
		networks = append(networks, nv)
	}
	s.sendJSONResponse(w, map[string]interface{}{
		"start_time_ms": list.StartTimeMillis,
		"end_time_ms":   list.EndTimeMillis,
		"networks":      networks,
	})
}

func (s *Server) handleClearScoreCard(w http.ResponseWriter, r *http.Request) {
	if s.deps.ScoreCard == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "no scorecard", nil)
		return
	}
	s.deps.ScoreCard.Clear()
	s.logger.Info("scorecard cleared through the API")
	s.sendJSONResponse(w, map[string]interface{}{"success": true})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Report == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "no connected scorer", nil)
		return
	}
	since, err := queryInt64(r, "since", 0)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "invalid since", err)
		return
	}
	samples := s.deps.Report.History(since)
	resp := map[string]interface{}{
		"samples": samples,
		"count":   len(samples),
	}
	if slope, ok := s.deps.Report.ThroughputTrend(); ok {
		resp["throughput_trend"] = slope
	}
	s.sendJSONResponse(w, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Telemetry == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "no telemetry", nil)
		return
	}
	since, err := queryInt64(r, "since", 0)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "invalid since", err)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	s.sendJSONResponse(w, map[string]interface{}{"events": s.deps.Telemetry.Events(since, limit)})
}

func (s *Server) handleSelections(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "journal disabled", nil)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	recs, err := s.deps.Journal.RecentSelections(r.Context(), limit)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, "failed to read selections", err)
		return
	}
	s.sendJSONResponse(w, map[string]interface{}{"selections": recs})
}

func (s *Server) handleSelectionStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "journal disabled", nil)
		return
	}
	st, err := s.deps.Journal.Stats(r.Context())
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, "failed to read stats", err)
		return
	}
	s.sendJSONResponse(w, st)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "journal disabled", nil)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	trs, err := s.deps.Journal.RecentTransitions(r.Context(), limit)
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError, "failed to read transitions", err)
		return
	}
	s.sendJSONResponse(w, map[string]interface{}{"transitions": trs})
}

func (s *Server) handleGetBlacklist(w http.ResponseWriter, r *http.Request) {
	if s.deps.Selector == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "no selector", nil)
		return
	}
	s.sendJSONResponse(w, map[string]interface{}{"blacklist": s.deps.Selector.Blacklisted()})
}

func (s *Server) handleAddBlacklist(w http.ResponseWriter, r *http.Request) {
	if s.deps.Selector == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "no selector", nil)
		return
	}
	bssid := mux.Vars(r)["bssid"]
	if err := s.deps.Selector.Blacklist(bssid); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "invalid bssid", err)
		return
	}
	s.logger.Info("bssid blacklisted", "bssid", bssid)
	s.handleGetBlacklist(w, r)
}

func (s *Server) handleClearBlacklist(w http.ResponseWriter, r *http.Request) {
	if s.deps.Selector == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "no selector", nil)
		return
	}
	s.deps.Selector.ClearBlacklist()
	s.handleGetBlacklist(w, r)
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.sendErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed", fmt.Errorf("%s %s", r.Method, r.URL.Path))
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.sendErrorResponse(w, http.StatusNotFound, "not found", fmt.Errorf("%s", r.URL.Path))
}

func queryInt64(r *http.Request, name string, def int64) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func queryLimit(r *http.Request) (int, error) {
	n, err := queryInt64(r, "limit", defaultLimit)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("limit must not be negative")
	}
	return int(n), nil
}

func (s *Server) sendJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]interface{}{
		"success": false,
		"error":   message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("failed to encode error response", "error", err)
	}
}
