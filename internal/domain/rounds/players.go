package rounds

import (
	"context"
	"errors"
	"strings"

	"github.com/okian/tunebuzz/internal/adapters/docstore"
	"github.com/okian/tunebuzz/internal/domain/gameerr"
	"github.com/okian/tunebuzz/internal/domain/model"
)

// PlayerData is the document written for a new player.
func PlayerData(identity, displayName string) map[string]any {
	return map[string]any{
		model.FieldIdentity:    identity,
		model.FieldDisplayName: displayName,
		model.FieldScore:       0,
		model.FieldRoundLocked: false,
		model.FieldJoinedAt:    docstore.ServerTimestamp,
	}
}

// ValidateName trims a display name or identity and rejects blanks.
func ValidateName(op, what, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", gameerr.New(op, gameerr.ErrInvalidArgument, errors.New(what+" is required"))
	}
	return v, nil
}

// Join returns the player already registered for identity, or adds one.
// Rejoining never creates a second document for a known identity.
func (r *Runner) Join(ctx context.Context, gameID, identity, displayName string) (*model.Player, error) {
	const op = "join"
	identity, err := ValidateName(op, "identity", identity)
	if err != nil {
		return nil, err
	}
	displayName, err = ValidateName(op, "display name", displayName)
	if err != nil {
		return nil, err
	}
	if _, err := r.LoadActive(ctx, op, gameID); err != nil {
		return nil, err
	}

	existing, err := r.FindPlayer(ctx, op, gameID, identity)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, gameerr.ErrPlayerNotFound):
		return nil, err
	}

	ref, err := r.store.Add(ctx, r.Sub(gameID, model.CollPlayers), PlayerData(identity, displayName))
	if err != nil {
		return nil, gameerr.FromStore(op, err)
	}
	doc, err := r.store.Get(ctx, ref)
	if err != nil {
		return nil, gameerr.FromStore(op, err)
	}
	p, err := model.PlayerFromDocument(doc)
	if err != nil {
		return nil, gameerr.Wrap(op, gameerr.ErrTransientStoreFailure, err)
	}
	return p, nil
}

// FindPlayer returns the oldest player document for identity.
func (r *Runner) FindPlayer(ctx context.Context, op, gameID, identity string) (*model.Player, error) {
	docs, err := r.store.Query(ctx, PlayerQuery(r.Sub(gameID, model.CollPlayers), identity))
	if err != nil {
		return nil, gameerr.FromStore(op, err)
	}
	if len(docs) == 0 {
		return nil, gameerr.New(op, gameerr.ErrNotFound, gameerr.ErrPlayerNotFound)
	}
	p, err := model.PlayerFromDocument(docs[0])
	if err != nil {
		return nil, gameerr.Wrap(op, gameerr.ErrTransientStoreFailure, err)
	}
	return p, nil
}

// PlayerQuery selects the documents of one identity, oldest first.
func PlayerQuery(players docstore.CollectionRef, identity string) docstore.Query {
	return players.Where(model.FieldIdentity, identity).OrderBy(model.FieldJoinedAt, docstore.Asc)
}

// Players lists every player of a game in join order.
func (r *Runner) Players(ctx context.Context, gameID string) ([]*model.Player, error) {
	const op = "players"
	docs, err := r.store.Query(ctx, r.Sub(gameID, model.CollPlayers).OrderBy(model.FieldJoinedAt, docstore.Asc))
	if err != nil {
		return nil, gameerr.FromStore(op, err)
	}
	out := make([]*model.Player, 0, len(docs))
	for _, doc := range docs {
		p, err := model.PlayerFromDocument(doc)
		if err != nil {
			return nil, gameerr.Wrap(op, gameerr.ErrTransientStoreFailure, err)
		}
		out = append(out, p)
	}
	return out, nil
}
