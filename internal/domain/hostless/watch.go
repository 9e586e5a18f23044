package hostless

import (
	"context"

	"github.com/okian/tunebuzz/internal/domain/model"
	"github.com/okian/tunebuzz/internal/domain/standings"
	"github.com/okian/tunebuzz/internal/domain/streams"
)

// WatchGame streams the game; nil while it does not exist.
func (m *Machine) WatchGame(ctx context.Context, gameID string) *streams.Stream[*model.Game] {
	return m.runner.WatchGame(ctx, gameID)
}

// WatchPlayers streams the player list.
func (m *Machine) WatchPlayers(ctx context.Context, gameID string) *streams.Stream[[]*model.Player] {
	return m.runner.WatchPlayers(ctx, gameID)
}

// WatchPlayer streams one player; nil until joined.
func (m *Machine) WatchPlayer(ctx context.Context, gameID, identity string) *streams.Stream[*model.Player] {
	return m.runner.WatchPlayer(ctx, gameID, identity)
}

// WatchAnswers streams the answers of round in submission order.
func (m *Machine) WatchAnswers(ctx context.Context, gameID string, round int) *streams.Stream[[]*model.Answer] {
	return streams.FromQuery(ctx, m.store, m.answerQuery(gameID, round), model.AnswerFromDocument, m.logger)
}

// WatchSkipVotes streams the skip votes of round.
func (m *Machine) WatchSkipVotes(ctx context.Context, gameID string, round int) *streams.Stream[[]*model.SkipVote] {
	return streams.FromQuery(ctx, m.store, m.skipQuery(gameID, round), model.SkipVoteFromDocument, m.logger)
}

// WatchStandings streams the scoreboard.
func (m *Machine) WatchStandings(ctx context.Context, gameID string) *streams.Stream[[]standings.Entry] {
	return m.runner.WatchStandings(ctx, gameID)
}
