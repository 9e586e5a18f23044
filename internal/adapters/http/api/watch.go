package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/okian/tunebuzz/internal/domain/model"
	"github.com/okian/tunebuzz/internal/domain/streams"
	"github.com/okian/tunebuzz/pkg/logger"
	"github.com/okian/tunebuzz/pkg/metrics"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// snapshot is one websocket message.
type snapshot struct {
	Stream string `json:"stream"`
	Data   any    `json:"data"`
}

// relay forwards one stream to one connection.
type relay struct {
	send  func(ctx context.Context, conn *websocket.Conn) error
	close func() error
}

func relayOf[T any](name string, s *streams.Stream[T]) relay {
	return relay{
		close: s.Close,
		send: func(ctx context.Context, conn *websocket.Conn) error {
			ping := time.NewTicker(pingPeriod)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
						return err
					}
				case v, ok := <-s.Updates():
					if !ok {
						return nil
					}
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteJSON(snapshot{Stream: name, Data: v}); err != nil {
						return err
					}
				}
			}
		},
	}
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	const op = "api.watch"
	reqCtx, v, caller, ok := s.call(w, r, ps)
	if !ok {
		return
	}
	gameID := ps.ByName("id")
	name := ps.ByName("stream")
	if _, err := s.machine(v).Game(reqCtx, gameID); err != nil {
		s.fail(reqCtx, w, op, err)
		return
	}

	ctx, cancel := context.WithCancel(reqCtx)
	defer cancel()
	rl, err := s.open(ctx, r, v, gameID, name, caller)
	if err != nil {
		s.fail(ctx, w, op, err)
		return
	}
	defer func() { _ = rl.close() }()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug(ctx, "websocket upgrade failed", logger.Error(err))
		return
	}
	defer conn.Close()
	metrics.AddWebsocketConnections(1)
	defer metrics.AddWebsocketConnections(-1)

	// the reader only notices the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if err := rl.send(ctx, conn); err != nil {
		s.logger.Debug(ctx, "watch ended", logger.String("stream", name), logger.Error(err))
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

// open starts the named stream for gameID.
func (s *Server) open(ctx context.Context, r *http.Request, v model.Variant, gameID, name, caller string) (relay, error) {
	m := s.machine(v)
	switch name {
	case "game":
		return relayOf(name, m.WatchGame(ctx, gameID)), nil
	case "players":
		return relayOf(name, m.WatchPlayers(ctx, gameID)), nil
	case "player":
		who := r.URL.Query().Get("identity")
		if who == "" {
			who = caller
		}
		return relayOf(name, m.WatchPlayer(ctx, gameID, who)), nil
	case "standings":
		return relayOf(name, m.WatchStandings(ctx, gameID)), nil
	}

	round, err := s.round(ctx, r, v, gameID)
	if err != nil {
		return relay{}, err
	}
	switch {
	case name == "buzzes" && v == model.Hosted:
		return relayOf(name, s.deps.Hosted().WatchBuzzes(ctx, gameID, round)), nil
	case name == "answers" && v == model.Hostless:
		return relayOf(name, s.deps.Hostless().WatchAnswers(ctx, gameID, round)), nil
	case name == "skip-votes" && v == model.Hostless:
		return relayOf(name, s.deps.Hostless().WatchSkipVotes(ctx, gameID, round)), nil
	}
	return relay{}, NewKind("api.watch", ErrUnknownStream)
}
