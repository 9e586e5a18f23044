package api

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/okian/tunebuzz/internal/domain/hosted"
	"github.com/okian/tunebuzz/internal/domain/hostless"
	"github.com/okian/tunebuzz/internal/domain/ledger"
	"github.com/okian/tunebuzz/internal/domain/model"
)

// commandRequest is the union of every command's arguments. Each command
// reads the fields it needs.
type commandRequest struct {
	DisplayName   string `json:"displayName,omitempty"`
	BuzzID        string `json:"buzzId,omitempty"`
	Player        string `json:"player,omitempty"`
	Text          string `json:"text,omitempty"`
	Round         int    `json:"round,omitempty"`
	CorrectAnswer string `json:"correctAnswer,omitempty"`
}

type command func(ctx context.Context, r *http.Request, gameID, caller string, req commandRequest) (any, error)

type judgeResponse struct {
	Judgment *ledger.Judgment `json:"judgment"`
	Game     *model.Game      `json:"game,omitempty"`
}

func hostedCommands(m *hosted.Machine) map[string]command {
	return map[string]command{
		"start-round": func(ctx context.Context, _ *http.Request, id, _ string, _ commandRequest) (any, error) {
			return m.StartRound(ctx, id)
		},
		"buzz": func(ctx context.Context, _ *http.Request, id, caller string, req commandRequest) (any, error) {
			return m.SubmitBuzz(ctx, id, caller, req.DisplayName)
		},
		"judge-correct": func(ctx context.Context, r *http.Request, id, _ string, req commandRequest) (any, error) {
			j, err := m.JudgeCorrect(ctx, id, req.BuzzID, req.Player)
			if err != nil {
				return nil, err
			}
			out := judgeResponse{Judgment: j}
			if isTrue(r.URL.Query().Get("close")) {
				if out.Game, err = m.CloseRound(ctx, id); err != nil {
					return nil, err
				}
			}
			return out, nil
		},
		"judge-incorrect": func(ctx context.Context, _ *http.Request, id, _ string, req commandRequest) (any, error) {
			j, err := m.JudgeIncorrect(ctx, id, req.BuzzID, req.Player)
			if err != nil {
				return nil, err
			}
			return judgeResponse{Judgment: j}, nil
		},
		"close-round": func(ctx context.Context, _ *http.Request, id, _ string, _ commandRequest) (any, error) {
			return m.CloseRound(ctx, id)
		},
		"advance-round": func(ctx context.Context, _ *http.Request, id, _ string, _ commandRequest) (any, error) {
			return m.AdvanceRound(ctx, id)
		},
		"end-game": func(ctx context.Context, _ *http.Request, id, _ string, _ commandRequest) (any, error) {
			return m.EndGame(ctx, id)
		},
	}
}

func hostlessCommands(m *hostless.Machine) map[string]command {
	return map[string]command{
		"start-round": func(ctx context.Context, _ *http.Request, id, _ string, _ commandRequest) (any, error) {
			return m.StartRound(ctx, id)
		},
		"claim": func(ctx context.Context, _ *http.Request, id, caller string, req commandRequest) (any, error) {
			return m.ClaimFirstResponse(ctx, id, caller, req.DisplayName)
		},
		"answer": func(ctx context.Context, _ *http.Request, id, caller string, req commandRequest) (any, error) {
			return m.SubmitAnswer(ctx, id, caller, req.DisplayName, req.Text, req.Round)
		},
		"skip": func(ctx context.Context, _ *http.Request, id, caller string, _ commandRequest) (any, error) {
			return m.VoteSkip(ctx, id, caller)
		},
		"evaluate": func(ctx context.Context, _ *http.Request, id, _ string, req commandRequest) (any, error) {
			return m.EvaluateAnswers(ctx, id, req.CorrectAnswer)
		},
		"close-round": func(ctx context.Context, _ *http.Request, id, _ string, _ commandRequest) (any, error) {
			return m.CloseRound(ctx, id)
		},
		"advance-round": func(ctx context.Context, _ *http.Request, id, _ string, _ commandRequest) (any, error) {
			return m.AdvanceRound(ctx, id)
		},
		"expire": func(ctx context.Context, _ *http.Request, id, _ string, req commandRequest) (any, error) {
			return m.ExpireResponseWindow(ctx, id, req.Round)
		},
		"end-game": func(ctx context.Context, _ *http.Request, id, _ string, _ commandRequest) (any, error) {
			return m.EndGame(ctx, id)
		},
	}
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	op := "api." + ps.ByName("command")
	ctx, v, caller, ok := s.call(w, r, ps)
	if !ok {
		return
	}
	cmd, found := s.commands[v][ps.ByName("command")]
	if !found {
		s.fail(ctx, w, op, NewKind(op, ErrUnknownCommand))
		return
	}
	var req commandRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(ctx, w, op, err)
		return
	}
	out, err := cmd(ctx, r, ps.ByName("id"), caller, req)
	if err != nil {
		s.fail(ctx, w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
