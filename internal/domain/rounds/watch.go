package rounds

import (
	"context"

	"github.com/okian/tunebuzz/internal/adapters/docstore"
	"github.com/okian/tunebuzz/internal/domain/model"
	"github.com/okian/tunebuzz/internal/domain/standings"
	"github.com/okian/tunebuzz/internal/domain/streams"
)

// WatchGame streams the game document; nil while it does not exist.
func (r *Runner) WatchGame(ctx context.Context, gameID string) *streams.Stream[*model.Game] {
	return streams.FromDocument(ctx, r.store, r.GameRef(gameID), func(doc *docstore.Document) (*model.Game, error) {
		return model.GameFromDocument(r.variant, doc)
	}, r.logger)
}

// WatchPlayers streams every player in join order.
func (r *Runner) WatchPlayers(ctx context.Context, gameID string) *streams.Stream[[]*model.Player] {
	q := r.Sub(gameID, model.CollPlayers).OrderBy(model.FieldJoinedAt, docstore.Asc)
	return streams.FromQuery(ctx, r.store, q, model.PlayerFromDocument, r.logger)
}

// WatchPlayer streams the oldest player record of identity; nil until joined.
func (r *Runner) WatchPlayer(ctx context.Context, gameID, identity string) *streams.Stream[*model.Player] {
	q := PlayerQuery(r.Sub(gameID, model.CollPlayers), identity)
	return streams.Map(streams.FromQuery(ctx, r.store, q, model.PlayerFromDocument, r.logger), func(ps []*model.Player) *model.Player {
		if len(ps) == 0 {
			return nil
		}
		return ps[0]
	})
}

// WatchStandings streams the ranked scoreboard.
func (r *Runner) WatchStandings(ctx context.Context, gameID string) *streams.Stream[[]standings.Entry] {
	return streams.Map(r.WatchPlayers(ctx, gameID), func(ps []*model.Player) []standings.Entry {
		return standings.FromPlayers(ps).All()
	})
}

// Board returns the current scoreboard.
func (r *Runner) Board(ctx context.Context, gameID string) (*standings.Board, error) {
	players, err := r.Players(ctx, gameID)
	if err != nil {
		return nil, err
	}
	return standings.FromPlayers(players), nil
}
