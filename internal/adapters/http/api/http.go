// Package api is the HTTP and WebSocket gateway in front of the game state
// machines.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/okian/tunebuzz/internal/adapters/identity"
	"github.com/okian/tunebuzz/internal/domain/directory"
	"github.com/okian/tunebuzz/internal/domain/hosted"
	"github.com/okian/tunebuzz/internal/domain/hostless"
	"github.com/okian/tunebuzz/internal/domain/model"
	"github.com/okian/tunebuzz/internal/domain/rounds"
	"github.com/okian/tunebuzz/internal/domain/standings"
	"github.com/okian/tunebuzz/internal/domain/streams"
	"github.com/okian/tunebuzz/pkg/logger"
)

// IdentityHeader carries the caller's player identity on every game call.
const IdentityHeader = "X-Player-Identity"

// Dependencies required by HTTP handlers.
type Dependencies interface {
	Hosted() *hosted.Machine
	Hostless() *hostless.Machine
	Directory() *directory.Directory
}

// machine is what both variants offer for the shared routes.
type machine interface {
	Create(ctx context.Context, identity, displayName string) (*model.Game, error)
	Join(ctx context.Context, gameID, identity, displayName string) (*model.Player, error)
	Game(ctx context.Context, gameID string) (*model.Game, error)
	Players(ctx context.Context, gameID string) ([]*model.Player, error)
	Runner() *rounds.Runner
	WatchGame(ctx context.Context, gameID string) *streams.Stream[*model.Game]
	WatchPlayers(ctx context.Context, gameID string) *streams.Stream[[]*model.Player]
	WatchPlayer(ctx context.Context, gameID, identity string) *streams.Stream[*model.Player]
	WatchStandings(ctx context.Context, gameID string) *streams.Stream[[]standings.Entry]
}

// Server wires HTTP routes for the game API.
type Server struct {
	deps     Dependencies
	stats    StatsProvider
	commands map[model.Variant]map[string]command
	qrSize   int
	top      int
	logger   logger.Logger

	healthHandler *HealthHandler
	statsHandler  *StatsHandler
}

// NewServer creates a server over deps. stats may be nil.
func NewServer(deps Dependencies, stats StatsProvider, opts ...Option) *Server {
	s := &Server{
		deps:          deps,
		stats:         stats,
		qrSize:        defaultQRSize,
		top:           defaultStandingsTop,
		logger:        logger.Get().Named("api"),
		healthHandler: NewHealthHandler(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if stats != nil {
		s.statsHandler = NewStatsHandler(stats)
	}
	s.commands = map[model.Variant]map[string]command{
		model.Hosted:   hostedCommands(deps.Hosted()),
		model.Hostless: hostlessCommands(deps.Hostless()),
	}
	return s
}

// Register attaches all routes to router.
func (s *Server) Register(router *httprouter.Router) {
	router.GET("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	router.GET("/metrics", MetricsMiddleware(s.healthHandler.HandleHealth, "metrics"))
	if s.statsHandler != nil {
		router.GET("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	}
	router.POST("/identity", MetricsMiddleware(s.handleIssueIdentity, "identity"))

	router.POST("/v1/:variant/games", MetricsMiddleware(s.handleCreate, "create"))
	router.GET("/v1/:variant/codes/:code", MetricsMiddleware(s.handleResolve, "resolve"))
	router.GET("/v1/:variant/codes/:code/qr", MetricsMiddleware(s.handleQR, "qr"))
	router.GET("/v1/:variant/games/:id", MetricsMiddleware(s.handleGame, "game"))
	router.GET("/v1/:variant/games/:id/players", MetricsMiddleware(s.handlePlayers, "players"))
	router.GET("/v1/:variant/games/:id/standings", MetricsMiddleware(s.handleStandings, "standings"))
	router.GET("/v1/:variant/games/:id/buzzes", MetricsMiddleware(s.handleBuzzes, "buzzes"))
	router.GET("/v1/:variant/games/:id/answers", MetricsMiddleware(s.handleAnswers, "answers"))
	router.POST("/v1/:variant/games/:id/players", MetricsMiddleware(s.handleJoin, "join"))
	router.POST("/v1/:variant/games/:id/commands/:command", MetricsMiddleware(s.handleCommand, "command"))
	router.GET("/v1/:variant/games/:id/watch/:stream", MetricsMiddleware(s.handleWatch, "watch"))
}

// Handler returns a router with every route registered.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	s.Register(router)
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", nil)
	})
	return router
}

func (s *Server) machine(v model.Variant) machine {
	if v == model.Hostless {
		return s.deps.Hostless()
	}
	return s.deps.Hosted()
}

// call resolves the variant and caller shared by every /v1 route and
// records the caller on the context.
func (s *Server) call(w http.ResponseWriter, r *http.Request, ps httprouter.Params) (context.Context, model.Variant, string, bool) {
	v, err := model.ParseVariant(ps.ByName("variant"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_variant", err)
		return nil, "", "", false
	}
	caller, err := identity.Parse(r.Header.Get(IdentityHeader))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing_identity", err)
		return nil, "", "", false
	}
	return model.WithCaller(r.Context(), caller), v, caller, true
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// fail writes err with the status its kind maps to.
func (s *Server) fail(ctx context.Context, w http.ResponseWriter, op string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn(ctx, "request failed", logger.String("op", op), logger.Error(err))
	}
	writeError(w, status, code, err)
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return WrapKind("decode", ErrBadRequest, err)
	}
	return nil
}

func isTrue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
