package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"realmecon/internal/cache"
	"realmecon/internal/config"
	"realmecon/internal/econ"
	"realmecon/internal/engine"
	"realmecon/internal/metrics"
	"realmecon/internal/notify"
)

type Server struct {
	cfg      config.APIConfig
	log      *slog.Logger
	eng      *engine.Engine
	cache    *cache.Cache
	bus      *notify.Bus
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	mux      *chi.Mux
}

// New builds the HTTP surface over eng. c may be nil to disable read caching;
// bus feeds the event stream.
func New(cfg config.APIConfig, logger *slog.Logger, eng *engine.Engine, c *cache.Cache, bus *notify.Bus) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		log:     logger,
		eng:     eng,
		cache:   c,
		bus:     bus,
		metrics: eng.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Callers are game servers holding the service token, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		mux: chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		// Long-lived; kept outside the request timeout.
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))

			r.Get("/accounts", s.handleAccountsList)
			r.Get("/accounts/{owner}", s.handleAccount)
			r.Post("/accounts/{owner}/open", s.handleOpen)
			r.Post("/accounts/{owner}/deposit", s.handleDeposit)
			r.Post("/accounts/{owner}/withdraw", s.handleWithdraw)
			r.Post("/accounts/{owner}/transfer", s.handleTransfer)
			r.Post("/accounts/{owner}/citizenship", s.handleCitizenship)
			r.Post("/accounts/{owner}/archive", s.handleArchive)

			r.Post("/adjustments/{direction}", s.handleAdjust)

			r.Get("/treasuries", s.handleTreasuriesList)
			r.Get("/treasuries/{polity}", s.handleTreasury)
			r.Get("/treasuries/{polity}/tax-records", s.handleTaxRecords)
			r.Post("/treasuries/{polity}", s.handleOpenTreasury)
			r.Post("/treasuries/{polity}/rates", s.handleRates)

			r.Get("/items", s.handleItemsList)
			r.Get("/items/{key}", s.handleItem)
			r.Get("/items/{key}/quote", s.handleQuote)

			r.Get("/orders", s.handleOrdersList)
			r.Get("/orders/{id}", s.handleOrder)
			r.Post("/orders", s.handlePlaceOrder)
			r.Post("/orders/{id}/cancel", s.handleCancelOrder)

			r.Get("/enterprises", s.handleEnterprisesList)
			r.Get("/enterprises/{id}", s.handleEnterprise)
			r.Get("/enterprises/{id}/employees", s.handleEmployees)
			r.Post("/enterprises", s.handleFound)
			r.Post("/enterprises/{id}/hire", s.handleHire)
			r.Post("/enterprises/{id}/fire", s.handleFire)
			r.Post("/enterprises/{id}/capitalize", s.handleCapitalize)
			r.Post("/enterprises/{id}/withdraw", s.handleEnterpriseWithdraw)
			r.Post("/enterprises/{id}/upgrade", s.handleUpgrade)

			r.Get("/transactions", s.handleTransactions)
			r.Get("/totals", s.handleTotals)
		})
	})
}

// authMiddleware admits callers presenting the shared service token.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	want := []byte(s.cfg.ServiceToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, econ.CodeUnauthorized, "missing bearer token")
			return
		}
		if len(want) == 0 || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			writeError(w, http.StatusUnauthorized, econ.CodeUnauthorized, "invalid service token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// finish records the command outcome and writes either out or the mapped error.
func (s *Server) finish(w http.ResponseWriter, r *http.Request, command string, status int, out any, err error) {
	s.metrics.ObserveCommand(command, err)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, status, out)
}

// statusOf maps a domain code to its HTTP status.
func statusOf(code econ.Code) int {
	switch code {
	case econ.CodeAccountNotFound, econ.CodeTreasuryNotFound, econ.CodeEnterpriseNotFound,
		econ.CodeItemNotFound, econ.CodeOrderNotFound, econ.CodeNotEmployed:
		return http.StatusNotFound
	case econ.CodeInvalidOrder, econ.CodeInvalidAmount, econ.CodeInvalidRequest, econ.CodeUnknownType:
		return http.StatusBadRequest
	case econ.CodeInsufficientFunds, econ.CodeCapExceeded, econ.CodeEnterpriseCapacityExceeded:
		return http.StatusUnprocessableEntity
	case econ.CodeAlreadyEmployed, econ.CodeOrderNotCancelable, econ.CodeDuplicateRequest,
		econ.CodeConcurrentModification:
		return http.StatusConflict
	case econ.CodeUnauthorized:
		return http.StatusUnauthorized
	case econ.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes {code, error}. Causes stay in the log.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var de *econ.Error
	if !errors.As(err, &de) {
		s.log.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
		writeError(w, http.StatusInternalServerError, econ.CodeInternal, "internal error")
		return
	}
	status := statusOf(de.Code)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()),
			"code", de.Code, "err", err)
	}
	writeError(w, status, de.Code, de.Message)
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return econ.Wrap(econ.CodeInvalidRequest, "invalid json body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code econ.Code, message string) {
	writeJSON(w, status, map[string]any{"code": code, "error": strings.TrimSpace(message)})
}

func idempotencyKey(r *http.Request) string {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" {
		return key
	}
	return uuid.NewString()
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, econ.NewError(econ.CodeInvalidRequest, "invalid "+name)
	}
	return id, nil
}

func queryLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}
