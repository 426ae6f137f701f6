package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"LevTrade/internal/auth"
	"LevTrade/internal/engine"
	"LevTrade/internal/lending"
	"LevTrade/internal/observability"
	"LevTrade/internal/persistence"
	"LevTrade/internal/position"
	"LevTrade/internal/venue"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// callerHeader carries the platform identity used to mint a capability
// for position operations. adminHeader guards the administrative surface.
const (
	callerHeader = "X-Platform-ID"
	adminHeader  = "X-Admin-Token"
)

// AdminStore is the durable side of the administrative surface. Admin
// writes go straight to Postgres so a restart replays them into memory.
type AdminStore interface {
	UpsertPairConfig(ctx context.Context, row persistence.PairConfigRow) error
	UpsertCaller(ctx context.Context, caller string, allowed bool) error
}

type Server struct {
	engine     *engine.Engine
	lending    *lending.Manager
	authz      *auth.Authorizer
	store      AdminStore
	health     *observability.HealthChecker
	adminToken string
	log        zerolog.Logger
	metrics    *observability.Metrics
}

func New(
	eng *engine.Engine,
	lend *lending.Manager,
	authz *auth.Authorizer,
	store AdminStore,
	health *observability.HealthChecker,
	adminToken string,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Server {
	return &Server{
		engine:     eng,
		lending:    lend,
		authz:      authz,
		store:      store,
		health:     health,
		adminToken: adminToken,
		log:        log.With().Str("component", "http").Logger(),
		metrics:    metrics,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.instrument)

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/positions", s.handleOpen)
		r.Get("/positions/{id}", s.handleGetPosition)
		r.Get("/positions/{id}/health", s.handleGetHealth)
		r.Post("/positions/{id}/close", s.handleClose)
		r.Post("/positions/{id}/liquidate", s.handleLiquidate)
		r.Get("/participants/{id}/positions", s.handleParticipantPositions)
		r.Get("/pairs", s.handleListPairs)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Put("/pairs/{pair}", s.handleConfigurePair)
			r.Put("/leverage", s.handleSetLeverage)
			r.Put("/pause", s.handleSetPause)
			r.Put("/callers/{id}", s.handleSetCaller)
		})
	})

	return r
}

// instrument records request counts and latency per route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if s.metrics != nil {
			pattern := chi.RouteContext(r.Context()).RoutePattern()
			if pattern == "" {
				pattern = "unmatched"
			}
			s.metrics.HTTPRequests.WithLabelValues(pattern, strconv.Itoa(rec.status)).Inc()
			s.metrics.HTTPDuration.WithLabelValues(pattern).Observe(time.Since(start).Seconds())
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" || r.Header.Get(adminHeader) != s.adminToken {
			s.writeError(w, http.StatusUnauthorized, errors.New("invalid admin token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- position lifecycle ---

type openRequestJSON struct {
	Participant      string `json:"participant"`
	Wallet           string `json:"wallet"`
	BorrowPair       string `json:"borrow_pair"`
	TradePair        string `json:"trade_pair"`
	CollateralAsset  string `json:"collateral_asset"`
	BridgeAsset      string `json:"bridge_asset,omitempty"`
	TargetAsset      string `json:"target_asset"`
	CollateralAmount int64  `json:"collateral_amount"`
	Leverage         int64  `json:"leverage"`
	MinTargetOut     int64  `json:"min_target_out"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequestJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	participant, err := uuid.Parse(req.Participant)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid participant id"))
		return
	}
	wallet, err := uuid.Parse(req.Wallet)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid wallet id"))
		return
	}
	borrowPair, err := venue.ParsePairID(req.BorrowPair)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	tradePair, err := venue.ParsePairID(req.TradePair)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	token, err := s.capability(r, participant)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	bridge := req.BridgeAsset
	if bridge == "" {
		bridge = req.CollateralAsset
	}

	id, err := s.engine.Open(r.Context(), token, engine.OpenRequest{
		Wallet:           wallet,
		BorrowPair:       borrowPair,
		TradePair:        tradePair,
		CollateralAsset:  req.CollateralAsset,
		BridgeAsset:      bridge,
		TargetAsset:      req.TargetAsset,
		CollateralAmount: req.CollateralAmount,
		Leverage:         req.Leverage,
		MinTargetOut:     req.MinTargetOut,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	p, err := s.engine.Position(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, positionToJSON(p))
}

type closeRequestJSON struct {
	Participant string `json:"participant"`
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid position id"))
		return
	}

	var req closeRequestJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	participant, err := uuid.Parse(req.Participant)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid participant id"))
		return
	}

	token, err := s.capability(r, participant)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	remainder, err := s.engine.Close(r.Context(), token, id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"position_id": id.String(),
		"remainder":   remainder,
	})
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid position id"))
		return
	}

	liquidated, err := s.engine.Liquidate(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"position_id": id.String(),
		"liquidated":  liquidated,
	})
}

// --- queries ---

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid position id"))
		return
	}

	p, err := s.engine.Position(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, positionToJSON(p))
}

func (s *Server) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid position id"))
		return
	}

	// Optional price override, wad decimal. Without it the venue's
	// current price is used.
	var price *uint256.Int
	if raw := r.URL.Query().Get("price"); raw != "" {
		price, err = uint256.FromDecimal(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, errors.New("invalid price override"))
			return
		}
	}

	h, err := s.engine.Health(r.Context(), id, price)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"position_id":           id.String(),
		"current_value":         h.CurrentValue,
		"liquidation_threshold": h.LiquidationThreshold,
		"healthy":               h.IsHealthy,
		"pnl":                   h.PnL,
	})
}

func (s *Server) handleParticipantPositions(w http.ResponseWriter, r *http.Request) {
	participant, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid participant id"))
		return
	}

	positions := s.engine.Positions(participant)
	out := make([]map[string]any, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionToJSON(p))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

func (s *Server) handleListPairs(w http.ResponseWriter, r *http.Request) {
	configs := s.lending.Configs()
	out := make([]map[string]any, 0, len(configs))
	for _, cfg := range configs {
		pairID := cfg.Pair.ID()
		debt := s.lending.OutstandingDebt(pairID)
		out = append(out, map[string]any{
			"pair_id":          pairID,
			"active":           cfg.Active,
			"max_lend":         cfg.MaxLend,
			"max_leverage":     cfg.MaxLeverage,
			"fee_rate_bps":     cfg.FeeRateBps,
			"outstanding_debt": debt,
			"utilization_ppm":  lending.Utilization(debt, cfg.MaxLend),
			"open_positions":   len(s.engine.OpenByTradePair(pairID)),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"pairs": out})
}

// --- admin ---

type pairConfigJSON struct {
	Active      bool  `json:"active"`
	MaxLend     int64 `json:"max_lend"`
	MaxLeverage int64 `json:"max_leverage"`
	// Pointer so an absent fee falls back to the default while an explicit
	// zero configures a zero-fee pair.
	FeeRateBps *int64 `json:"fee_rate_bps"`
}

func (s *Server) handleConfigurePair(w http.ResponseWriter, r *http.Request) {
	// Pair IDs use "/" internally, which cannot appear in a path
	// segment; the route takes the hyphen form (ETH-USDT).
	raw := strings.ReplaceAll(chi.URLParam(r, "pair"), "-", "/")
	pair, err := venue.ParsePairID(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	var req pairConfigJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	fee := int64(lending.DefaultFeeRateBps)
	if req.FeeRateBps != nil {
		fee = *req.FeeRateBps
	}

	cfg := lending.PairConfig{
		Pair:        pair,
		Active:      req.Active,
		MaxLend:     req.MaxLend,
		MaxLeverage: req.MaxLeverage,
		FeeRateBps:  fee,
	}
	if err := s.lending.Configure(cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if s.store != nil {
		row := persistence.PairConfigRow{
			PairID:      pair.ID(),
			Active:      cfg.Active,
			MaxLend:     cfg.MaxLend,
			MaxLeverage: cfg.MaxLeverage,
			FeeRateBps:  cfg.FeeRateBps,
			Debt:        s.lending.OutstandingDebt(pair.ID()),
		}
		if err := s.store.UpsertPairConfig(r.Context(), row); err != nil {
			s.log.Error().Err(err).Str("pair", pair.ID()).Msg("persist pair config failed")
			s.writeError(w, http.StatusInternalServerError, errors.New("persist pair config failed"))
			return
		}
	}

	s.log.Info().Str("pair", pair.ID()).Bool("active", cfg.Active).Msg("pair configured")
	s.writeJSON(w, http.StatusOK, map[string]any{"pair_id": pair.ID()})
}

func (s *Server) handleSetLeverage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxLeverage int64 `json:"max_leverage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.authz.SetGlobalMaxLeverage(req.MaxLeverage); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	s.log.Info().Int64("max_leverage", req.MaxLeverage).Msg("global leverage cap updated")
	s.writeJSON(w, http.StatusOK, map[string]any{"max_leverage": req.MaxLeverage})
}

func (s *Server) handleSetPause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	s.authz.SetPaused(req.Paused)
	s.log.Info().Bool("paused", req.Paused).Msg("pause state updated")
	s.writeJSON(w, http.StatusOK, map[string]any{"paused": req.Paused})
}

func (s *Server) handleSetCaller(w http.ResponseWriter, r *http.Request) {
	caller := chi.URLParam(r, "id")

	var req struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.authz.AuthorizeCaller(caller, req.Allowed); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	if s.store != nil {
		if err := s.store.UpsertCaller(r.Context(), caller, req.Allowed); err != nil {
			s.log.Error().Err(err).Str("caller", caller).Msg("persist caller failed")
			s.writeError(w, http.StatusInternalServerError, errors.New("persist caller failed"))
			return
		}
	}

	s.log.Info().Str("caller", caller).Bool("allowed", req.Allowed).Msg("caller updated")
	s.writeJSON(w, http.StatusOK, map[string]any{"caller": caller, "allowed": req.Allowed})
}

// --- helpers ---

func (s *Server) capability(r *http.Request, participant uuid.UUID) (auth.Capability, error) {
	caller := r.Header.Get(callerHeader)
	return s.authz.Grant(caller, participant)
}

func positionToJSON(p *position.Position) map[string]any {
	out := map[string]any{
		"id":                p.ID.String(),
		"participant":       p.Participant.String(),
		"wallet":            p.Wallet.String(),
		"borrow_pair":       p.BorrowPair.ID(),
		"trade_pair":        p.TradePair.ID(),
		"collateral_asset":  p.CollateralAsset,
		"bridge_asset":      p.BridgeAsset,
		"target_asset":      p.TargetAsset,
		"collateral_amount": p.CollateralAmount,
		"borrowed_amount":   p.BorrowedAmount,
		"target_holding":    p.TargetHolding,
		"leverage":          p.Leverage,
		"fee_rate_bps":      p.FeeRateBps,
		"entry_price":       p.EntryPrice.Dec(),
		"min_target_out":    p.MinTargetOut,
		"opened_at":         p.OpenedAt,
		"status":            p.Status.String(),
		"version":           p.Version,
	}
	if p.ClosedAt != nil {
		out["closed_at"] = *p.ClosedAt
	}
	return out
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, position.ErrNotFound) {
		status = http.StatusNotFound
	} else {
		switch engine.Classify(err) {
		case engine.ClassValidation:
			status = http.StatusBadRequest
		case engine.ClassAuthorization:
			status = http.StatusForbidden
		case engine.ClassVenue:
			status = http.StatusUnprocessableEntity
		case engine.ClassInvariant:
			status = http.StatusConflict
		}
	}
	s.writeError(w, status, err)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]any{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("write response failed")
	}
}
