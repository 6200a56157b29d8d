package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/crosslane/internal/core/domain"
	"github.com/vietddude/crosslane/internal/infra/storage"
	"github.com/vietddude/crosslane/internal/ledger"
	"github.com/vietddude/crosslane/internal/orders"
	"github.com/vietddude/crosslane/internal/transfer"
)

const (
	defaultIncidentLimit = 20
	maxIncidentLimit     = 100
)

// ServerConfig configures the HTTP read API.
type ServerConfig struct {
	Port      int     `yaml:"port"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// Readers are the components the API reads from.
type Readers struct {
	Security  SecurityReader
	Transfers []TransferReader
	Orders    OrderReader
	Ledger    LedgerReader
}

// Server provides HTTP endpoints for health monitoring and read queries.
type Server struct {
	monitor  *Monitor
	readers  Readers
	throttle *Throttle
	router   chi.Router
	server   *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig, monitor *Monitor, readers Readers) *Server {
	s := &Server{
		monitor:  monitor,
		readers:  readers,
		throttle: NewThrottle(cfg.RateLimit, cfg.RateBurst),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.throttle.Middleware)

	r.Get("/health", s.handleHealth)
	r.Get("/health/detailed", s.handleDetailed)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/transfers/count", s.handleTransferCount)
		r.Get("/transfers/last", s.handleLastTransfers)
		r.Get("/transfers/{messageID}", s.handleTransfer)

		r.Get("/orders/count", s.handleOrderCount)
		r.Get("/orders/{id}", s.handleOrder)

		r.Get("/ledger/records/{id}", s.handleRecord)
		r.Get("/ledger/users/{address}/records", s.handleUserRecords)
		r.Get("/ledger/profiles/{address}", s.handleProfile)

		r.Get("/security/health", s.handleSecurityHealth)
		r.Get("/security/incidents", s.handleIncidents)
	})

	s.router = r
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and a sweeper for idle client limiters.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.throttle.Sweep()
			}
		}
	}()

	slog.Info("API server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// =============================================================================
// Health
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())
	code := http.StatusOK
	if report.SystemStatus == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(report.SystemStatus)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.CheckHealth(r.Context()))
}

// =============================================================================
// Transfers
// =============================================================================

type receiverCount struct {
	Selector domain.Selector `json:"selector"`
	Receiver common.Address  `json:"receiver"`
	Count    int             `json:"count"`
}

func (s *Server) handleTransferCount(w http.ResponseWriter, r *http.Request) {
	total := 0
	per := make([]receiverCount, 0, len(s.readers.Transfers))
	for _, t := range s.readers.Transfers {
		n, err := t.Count(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		total += n
		per = append(per, receiverCount{Selector: t.Selector(), Receiver: t.Address(), Count: n})
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "receivers": per})
}

func (s *Server) handleLastTransfers(w http.ResponseWriter, r *http.Request) {
	out := make([]*domain.ReceivedTransfer, 0, len(s.readers.Transfers))
	for _, t := range s.readers.Transfers {
		rec, err := t.LastReceived(r.Context())
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			s.fail(w, err)
			return
		}
		out = append(out, rec)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseHash(chi.URLParam(r, "messageID"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	for _, t := range s.readers.Transfers {
		rec, err := t.Transfer(r.Context(), id)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}
	writeError(w, http.StatusNotFound, "transfer not found")
}

// =============================================================================
// Orders
// =============================================================================

func (s *Server) handleOrderCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.readers.Orders.Count(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	o, err := s.readers.Orders.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// =============================================================================
// Ledger
// =============================================================================

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return
	}
	rec, err := s.readers.Ledger.Record(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUserRecords(w http.ResponseWriter, r *http.Request) {
	user, ok := parseAddress(chi.URLParam(r, "address"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	records, err := s.readers.Ledger.UserRecords(r.Context(), user, offset, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	total, err := s.readers.Ledger.UserRecordCount(r.Context(), user)
	if err != nil {
		s.fail(w, err)
		return
	}
	if records == nil {
		records = []*domain.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "offset": offset, "records": records})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	wallet, ok := parseAddress(chi.URLParam(r, "address"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	p, err := s.readers.Ledger.Profile(r.Context(), wallet)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// =============================================================================
// Security
// =============================================================================

func (s *Server) handleSecurityHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.readers.Security.SystemHealth(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultIncidentLimit)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	limit = min(limit, maxIncidentLimit)

	incidents, err := s.readers.Security.RecentIncidents(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if incidents == nil {
		incidents = []*domain.Incident{}
	}
	writeJSON(w, http.StatusOK, incidents)
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case isNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("API request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, transfer.ErrTransferNotFound) ||
		errors.Is(err, orders.ErrOrderNotFound)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func parseHash(s string) (common.Hash, bool) {
	if !strings.HasPrefix(s, "0x") || len(s) != 2+2*common.HashLength {
		return common.Hash{}, false
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
