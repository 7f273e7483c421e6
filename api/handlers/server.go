// Package handlers is the HTTP surface of escrowd: milestone voting and
// release, the vote-reward faucet, admin job triggers, and the custodial
// signer's webhook receiver. Handlers translate between the JSON boundary and
// the engine packages; all domain rules live in the engine.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/anchorworks/escrowd/api/metrics"
	"github.com/anchorworks/escrowd/engine/pkg/commitment"
	"github.com/anchorworks/escrowd/engine/pkg/marketcap"
	"github.com/anchorworks/escrowd/engine/pkg/payout"
	"github.com/anchorworks/escrowd/engine/pkg/reward"
	"github.com/anchorworks/escrowd/engine/pkg/voting"
)

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Logger    *slog.Logger
	Store     commitment.Store
	Voting    *voting.Service
	Payout    *payout.Executor
	Reward    *reward.Service
	MarketCap *marketcap.Job
	// AdminToken authorizes privileged endpoints via Authorization: Bearer.
	AdminToken string
	// CronSecret authorizes job triggers via the x-cron-secret header.
	CronSecret string
	// WebhookSecret verifies the custodial signer's envelope signatures.
	WebhookSecret string
	// VoteRPS / ClaimRPS are per-IP limits on the hot mutation paths.
	// Defaults: 1 vote/s burst 5, 0.5 claims/s burst 3.
	VoteRPS    rate.Limit
	VoteBurst  int
	ClaimRPS   rate.Limit
	ClaimBurst int
	Version    string
	Clock      clockwork.Clock
}

func (cfg *ServerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Voting == nil {
		return errors.New("voting service is required")
	}
	if cfg.Payout == nil {
		return errors.New("payout executor is required")
	}
	if cfg.Reward == nil {
		return errors.New("reward service is required")
	}
	if cfg.VoteRPS == 0 {
		cfg.VoteRPS = 1
	}
	if cfg.VoteBurst == 0 {
		cfg.VoteBurst = 5
	}
	if cfg.ClaimRPS == 0 {
		cfg.ClaimRPS = 0.5
	}
	if cfg.ClaimBurst == 0 {
		cfg.ClaimBurst = 3
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Server owns the chi router and the per-path rate limiters.
type Server struct {
	log     *slog.Logger
	cfg     ServerConfig
	store   commitment.Store
	voting  *voting.Service
	payout  *payout.Executor
	reward  *reward.Service
	mcJob   *marketcap.Job
	clock   clockwork.Clock
	router  *chi.Mux
	votes   *RateLimiter
	claims  *RateLimiter
	started time.Time
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		log:     cfg.Logger,
		cfg:     cfg,
		store:   cfg.Store,
		voting:  cfg.Voting,
		payout:  cfg.Payout,
		reward:  cfg.Reward,
		mcJob:   cfg.MarketCap,
		clock:   cfg.Clock,
		router:  chi.NewRouter(),
		votes:   NewRateLimiter(cfg.VoteRPS, cfg.VoteBurst),
		claims:  NewRateLimiter(cfg.ClaimRPS, cfg.ClaimBurst),
		started: time.Now(),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(metrics.Middleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", cronSecretHeader},
		MaxAge:         300,
	}))

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/version", s.handleVersion)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/commitments", s.handleCreateCommitment)
		r.Get("/commitments/{commitmentID}", s.handleGetCommitment)
		r.Get("/commitments/{commitmentID}/milestones/{milestoneID}/tally", s.handleGetTally)

		r.Group(func(r chi.Router) {
			r.Use(s.votes.Middleware)
			r.Post("/commitments/{commitmentID}/milestones/{milestoneID}/signal", s.handleSignal)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.claims.Middleware)
			r.Post("/commitments/{commitmentID}/milestones/{milestoneID}/claim", s.handleClaim)
			r.Post("/vote-reward/claim", s.handleRewardClaim)
			r.Post("/vote-reward/claim-all", s.handleRewardClaimAll)
			r.Post("/vote-reward/claimable", s.handleRewardClaimable)
		})

		r.Post("/commitments/{commitmentID}/milestones/{milestoneID}/complete", s.handleComplete)
		r.Post("/commitments/{commitmentID}/milestones/{milestoneID}/open-review", s.handleOpenReview)

		r.Post("/commitments/{commitmentID}/milestones/{milestoneID}/release", s.requireAdmin(s.handleRelease))
		r.Post("/commitments/{commitmentID}/milestones/{milestoneID}/override", s.requireAdmin(s.handleOverride))
		r.Post("/vote-reward/distribute", s.requireAdmin(s.handleRewardDistribute))

		r.Post("/admin/normalize-rewards", s.requireAdmin(s.handleNormalizeRewards))
		r.Post("/admin/resolve-marketcap", s.requireAdmin(s.handleResolveMarketCap))
		r.Post("/admin/sweep-claims", s.requireAdmin(s.handleSweepClaims))

		r.Post("/webhooks/custodial", s.handleCustodialWebhook)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	// Readiness is store reachability: a commitment read that resolves (even
	// to not-found) proves the backing store answers.
	_, err := s.store.GetCommitment(r.Context(), "readyz-probe")
	if err != nil && !errors.Is(err, commitment.ErrNotFound) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": s.cfg.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}
