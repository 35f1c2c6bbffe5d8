// Package trade provides the HTTP handlers for driving paper-trading
// sessions, placing and closing simulated positions, and reading or
// appending the trade history.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/papertrade/internal/journal"
	"github.com/atmx/papertrade/internal/ledger"
	"github.com/atmx/papertrade/internal/model"
	"github.com/atmx/papertrade/internal/pricefeed"
	"github.com/atmx/papertrade/internal/risk"
	"github.com/atmx/papertrade/internal/session"
	"github.com/atmx/papertrade/internal/store"
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.@-]{1,128}$`)

// Service exposes session.Manager and the trade journal over HTTP.
type Service struct {
	sessions *session.Manager
	journal  journal.Store
	apiToken string
	logger   *slog.Logger
}

// NewService creates a new trade service. journal may be nil, in which
// case the trade-history endpoints answer 503. An empty apiToken leaves
// POST /manual-trades unauthenticated.
func NewService(mgr *session.Manager, j journal.Store, apiToken string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sessions: mgr,
		journal:  j,
		apiToken: apiToken,
		logger:   logger,
	}
}

// Routes registers the service's endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Route("/sessions/{userID}", func(r chi.Router) {
		r.Get("/", s.GetSession)
		r.Put("/config", s.UpdateConfig)
		r.Put("/note", s.SetTradeNote)
		r.Put("/instrument", s.SetInstrument)
		r.Post("/start", s.StartSession)
		r.Post("/reset", s.ResetSession)
		r.Post("/positions", s.OpenPosition)
		r.Delete("/positions/{positionID}", s.ClosePosition)
		r.Get("/lockout", s.GetLockout)
	})
	r.Post("/manual-trades", s.AppendTrade)
	r.Get("/manual-trades/{userID}", s.ListTrades)
}

// --- Request types ---

// NoteRequest is the JSON body for PUT /sessions/{userID}/note.
type NoteRequest struct {
	Note string `json:"note"`
}

// InstrumentRequest is the JSON body for PUT /sessions/{userID}/instrument
// and the optional body of POST /sessions/{userID}/start.
type InstrumentRequest struct {
	Symbol string `json:"symbol"`
}

// OrderRequest is the JSON body for POST /sessions/{userID}/positions.
type OrderRequest struct {
	Type model.Side `json:"type"` // "BUY" or "SELL"
}

// AppendTradeRequest is the JSON body for POST /manual-trades.
type AppendTradeRequest struct {
	UserID     string          `json:"user_id"`
	Symbol     string          `json:"symbol"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	PnL        decimal.Decimal `json:"pnl"`
	IsWin      bool            `json:"is_win"`
	Notes      string          `json:"notes"`
}

// --- HTTP Handlers ---

// GetSession handles GET /api/v1/sessions/{userID}
func (s *Service) GetSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	view, err := s.sessions.Snapshot(r.Context(), userID)
	if err != nil {
		s.fail(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// UpdateConfig handles PUT /api/v1/sessions/{userID}/config
// Fields absent from the body keep their current value.
func (s *Service) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	view, err := s.sessions.Snapshot(ctx, userID)
	if err != nil {
		s.fail(w, userID, err)
		return
	}
	cfg := view.Session.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := s.sessions.UpdateConfig(ctx, userID, cfg)
	if err != nil {
		s.fail(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// SetTradeNote handles PUT /api/v1/sessions/{userID}/note
func (s *Service) SetTradeNote(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req NoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.sessions.SetTradeNote(r.Context(), userID, req.Note); err != nil {
		s.fail(w, userID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetInstrument handles PUT /api/v1/sessions/{userID}/instrument
func (s *Service) SetInstrument(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req InstrumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if err := s.sessions.SetInstrument(ctx, userID, req.Symbol); err != nil {
		s.fail(w, userID, err)
		return
	}
	view, err := s.sessions.Snapshot(ctx, userID)
	if err != nil {
		s.fail(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// StartSession handles POST /api/v1/sessions/{userID}/start
// The body is optional; {"symbol": "..."} switches instrument first.
func (s *Service) StartSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req InstrumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	view, err := s.sessions.Start(r.Context(), userID, req.Symbol)
	if err != nil {
		s.fail(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ResetSession handles POST /api/v1/sessions/{userID}/reset
func (s *Service) ResetSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	view, err := s.sessions.Reset(r.Context(), userID)
	if err != nil {
		s.fail(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// OpenPosition handles POST /api/v1/sessions/{userID}/positions
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Type = model.Side(strings.ToUpper(string(req.Type)))
	if !req.Type.Valid() {
		writeError(w, "type must be BUY or SELL", http.StatusBadRequest)
		return
	}

	pos, err := s.sessions.OpenPosition(r.Context(), userID, req.Type)
	if err != nil {
		s.fail(w, userID, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// ClosePosition handles DELETE /api/v1/sessions/{userID}/positions/{positionID}
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	positionID := chi.URLParam(r, "positionID")

	rec, err := s.sessions.ClosePosition(r.Context(), userID, positionID)
	if err != nil {
		s.fail(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetLockout handles GET /api/v1/sessions/{userID}/lockout
func (s *Service) GetLockout(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.sessions.Lockout(r.Context(), userID))
}

// AppendTrade handles POST /api/v1/manual-trades
// The user is taken from the X-User-ID header, falling back to user_id in
// the body.
func (s *Service) AppendTrade(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, "trade history not configured", http.StatusServiceUnavailable)
		return
	}
	if !s.authorized(r) {
		writeError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req AppendTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if h := r.Header.Get(journal.UserHeader); h != "" {
		req.UserID = h
	}
	if !userIDPattern.MatchString(req.UserID) {
		writeError(w, "user id is required", http.StatusBadRequest)
		return
	}

	report := model.TradeReport{
		UserID:     req.UserID,
		Symbol:     req.Symbol,
		EntryPrice: req.EntryPrice,
		ExitPrice:  req.ExitPrice,
		PnL:        req.PnL,
		IsWin:      req.IsWin,
		Notes:      req.Notes,
	}
	if err := s.journal.Record(r.Context(), report); err != nil {
		s.fail(w, req.UserID, err)
		return
	}

	s.logger.Info("trade appended",
		"user", req.UserID,
		"symbol", req.Symbol,
		"pnl", req.PnL.String(),
	)
	w.WriteHeader(http.StatusCreated)
}

// ListTrades handles GET /api/v1/manual-trades/{userID}
// Optional ?limit=N (default and max 100).
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, "trade history not configured", http.StatusServiceUnavailable)
		return
	}
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	reports, err := s.journal.ListByUser(r.Context(), userID, limit)
	if err != nil {
		s.fail(w, userID, err)
		return
	}
	if reports == nil {
		reports = []model.TradeReport{}
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Service) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := chi.URLParam(r, "userID")
	if !userIDPattern.MatchString(userID) {
		writeError(w, "invalid user id", http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func (s *Service) authorized(r *http.Request) bool {
	if s.apiToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(s.apiToken)) == 1
}

// fail maps a domain error onto an HTTP status. Unexpected errors are
// logged and reported without detail.
func (s *Service) fail(w http.ResponseWriter, userID string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "user", userID, "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, ledger.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionInactive),
		errors.Is(err, session.ErrSessionActive),
		errors.Is(err, session.ErrChallengeFinished),
		errors.Is(err, session.ErrNoPrice),
		errors.Is(err, session.ErrPositionsOpen):
		return http.StatusConflict
	case errors.Is(err, risk.ErrLockedOut),
		errors.Is(err, risk.ErrTradeLimitReached):
		return http.StatusLocked
	case errors.Is(err, session.ErrInvalidSide),
		errors.Is(err, session.ErrInvalidConfig),
		errors.Is(err, session.ErrInvalidSymbol),
		errors.Is(err, pricefeed.ErrInvalidSymbol),
		errors.Is(err, journal.ErrInvalidReport):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
