package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"

	"github.com/okian/tunebuzz/internal/adapters/identity"
	"github.com/okian/tunebuzz/internal/domain/gameerr"
	"github.com/okian/tunebuzz/internal/domain/model"
	"github.com/okian/tunebuzz/internal/domain/standings"
)

type identityResponse struct {
	Identity string `json:"identity"`
}

type nameRequest struct {
	DisplayName string `json:"displayName"`
}

func (s *Server) handleIssueIdentity(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusCreated, identityResponse{Identity: identity.Issue()})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	const op = "api.create"
	ctx, v, caller, ok := s.call(w, r, ps)
	if !ok {
		return
	}
	var req nameRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(ctx, w, op, err)
		return
	}
	if v == model.Hosted && strings.TrimSpace(req.DisplayName) == "" {
		req.DisplayName = "Host"
	}
	g, err := s.machine(v).Create(ctx, caller, req.DisplayName)
	if err != nil {
		s.fail(ctx, w, op, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx, v, _, ok := s.call(w, r, ps)
	if !ok {
		return
	}
	g, err := s.deps.Directory().Resolve(ctx, v, ps.ByName("code"))
	if err != nil {
		s.fail(ctx, w, "api.resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleQR renders a PNG QR code pointing at the code's resolve URL. It is
// not identity gated so it can be embedded as an image.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	const op = "api.qr"
	ctx := r.Context()
	v, err := model.ParseVariant(ps.ByName("variant"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_variant", err)
		return
	}
	g, err := s.deps.Directory().Resolve(ctx, v, ps.ByName("code"))
	if err != nil {
		s.fail(ctx, w, op, err)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	target := scheme + "://" + r.Host + "/v1/" + string(v) + "/codes/" + g.JoinCode

	png, err := qrcode.Encode(target, qrcode.Medium, s.qrSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "qr_failed", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func (s *Server) handleGame(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx, v, _, ok := s.call(w, r, ps)
	if !ok {
		return
	}
	g, err := s.machine(v).Game(ctx, ps.ByName("id"))
	if err != nil {
		s.fail(ctx, w, "api.game", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handlePlayers(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ctx, v, _, ok := s.call(w, r, ps)
	if !ok {
		return
	}
	players, err := s.machine(v).Players(ctx, ps.ByName("id"))
	if err != nil {
		s.fail(ctx, w, "api.players", err)
		return
	}
	writeJSON(w, http.StatusOK, players)
}

// handleStandings returns the top rows, or one player's row with ?identity=.
func (s *Server) handleStandings(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	const op = "api.standings"
	ctx, v, _, ok := s.call(w, r, ps)
	if !ok {
		return
	}
	top := s.top
	if raw := r.URL.Query().Get("top"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.fail(ctx, w, op, WrapKind(op, ErrBadRequest, err))
			return
		}
		top = n
	}
	board, err := s.machine(v).Runner().Board(ctx, ps.ByName("id"))
	if err != nil {
		s.fail(ctx, w, op, err)
		return
	}
	if identity := r.URL.Query().Get("identity"); identity != "" {
		entry, err := board.Rank(identity)
		if errors.Is(err, standings.ErrNotFound) {
			err = gameerr.New(op, gameerr.ErrNotFound, gameerr.ErrPlayerNotFound)
		}
		if err != nil {
			s.fail(ctx, w, op, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
		return
	}
	entries, err := board.Top(top)
	if err != nil {
		s.fail(ctx, w, op, WrapKind(op, ErrBadRequest, err))
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleBuzzes(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	const op = "api.buzzes"
	ctx, v, _, ok := s.call(w, r, ps)
	if !ok {
		return
	}
	if v != model.Hosted {
		s.fail(ctx, w, op, NewKind(op, ErrUnknownStream))
		return
	}
	gameID := ps.ByName("id")
	round, err := s.round(ctx, r, v, gameID)
	if err != nil {
		s.fail(ctx, w, op, err)
		return
	}
	buzzes, err := s.deps.Hosted().PendingBuzzes(ctx, gameID, round)
	if err != nil {
		s.fail(ctx, w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, buzzes)
}

func (s *Server) handleAnswers(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	const op = "api.answers"
	ctx, v, _, ok := s.call(w, r, ps)
	if !ok {
		return
	}
	if v != model.Hostless {
		s.fail(ctx, w, op, NewKind(op, ErrUnknownStream))
		return
	}
	gameID := ps.ByName("id")
	round, err := s.round(ctx, r, v, gameID)
	if err != nil {
		s.fail(ctx, w, op, err)
		return
	}
	answers, err := s.deps.Hostless().Answers(ctx, gameID, round)
	if err != nil {
		s.fail(ctx, w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, answers)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	const op = "api.join"
	ctx, v, caller, ok := s.call(w, r, ps)
	if !ok {
		return
	}
	var req nameRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(ctx, w, op, err)
		return
	}
	p, err := s.machine(v).Join(ctx, ps.ByName("id"), caller, req.DisplayName)
	if err != nil {
		s.fail(ctx, w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// round reads the "round" query parameter, defaulting to the game's
// current round.
func (s *Server) round(ctx context.Context, r *http.Request, v model.Variant, gameID string) (int, error) {
	if raw := r.URL.Query().Get("round"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return 0, gameerr.New("api.round", gameerr.ErrInvalidArgument, ErrBadRequest)
		}
		return n, nil
	}
	g, err := s.machine(v).Game(ctx, gameID)
	if err != nil {
		return 0, err
	}
	return g.RoundNumber, nil
}
