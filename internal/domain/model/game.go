// Package model holds the game entities and the document field names they
// are stored under.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/okian/tunebuzz/internal/adapters/docstore"
)

// Variant selects the hosted or hostless rules. The two variants keep their
// games in disjoint collections.
type Variant string

const (
	Hosted   Variant = "hosted"
	Hostless Variant = "hostless"
)

// ParseVariant accepts "hosted" or "hostless" in any case.
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(s))); v {
	case Hosted, Hostless:
		return v, nil
	default:
		return "", fmt.Errorf("unknown variant %q", s)
	}
}

// Games returns the top-level collection for the variant.
func (v Variant) Games() docstore.CollectionRef {
	if v == Hostless {
		return docstore.Collection(CollHostlessGames)
	}
	return docstore.Collection(CollGames)
}

// Game returns the reference of one game of this variant.
func (v Variant) Game(id string) docstore.DocRef {
	return v.Games().Doc(id)
}

// Phases lists the round phases the variant uses.
func (v Variant) Phases() []Phase {
	if v == Hostless {
		return []Phase{Waiting, Live, Answering, Closed}
	}
	return []Phase{Waiting, Live, Closed}
}

// Lifecycle of a game. Ended is terminal.
type Lifecycle string

const (
	Active Lifecycle = "active"
	Ended  Lifecycle = "ended"
)

// Phase of the current round.
type Phase string

const (
	Waiting   Phase = "waiting"
	Live      Phase = "live"
	Answering Phase = "answering"
	Closed    Phase = "closed"
)

// In reports whether p is one of phases.
func (p Phase) In(phases ...Phase) bool {
	for _, q := range phases {
		if p == q {
			return true
		}
	}
	return false
}

// Collection names.
const (
	CollGames         = "games"
	CollHostlessGames = "hostlessGames"
	CollPlayers       = "players"
	CollBuzzes        = "buzzes"
	CollAnswers       = "answers"
	CollSkipVotes     = "skipVotes"
)

// Document field names.
const (
	FieldJoinCode       = "joinCode"
	FieldOwnerID        = "ownerId"
	FieldOwnerName      = "ownerName"
	FieldLifecycle      = "lifecycle"
	FieldRoundNumber    = "roundNumber"
	FieldRoundPhase     = "roundPhase"
	FieldFirstResponder = "firstResponder"
	FieldClaimedAt      = "claimedAt"
	FieldResponseWindow = "responseWindowSeconds"
	FieldCreatedAt      = "createdAt"
	FieldEndedAt        = "endedAt"

	FieldIdentity    = "identity"
	FieldDisplayName = "displayName"
	FieldScore       = "score"
	FieldRoundLocked = "roundLocked"
	FieldJoinedAt    = "joinedAt"

	FieldPlayerIdentity = "playerIdentity"
	FieldResolved       = "resolved"
	FieldResolvedAt     = "resolvedAt"
	FieldCorrect        = "correct"

	FieldSubmittedText = "submittedText"
	FieldGraded        = "graded"
	FieldIsCorrect     = "isCorrect"
	FieldPointsAwarded = "pointsAwarded"
	FieldGradedAt      = "gradedAt"
)

// Responder is the hostless first-response claim.
type Responder struct {
	Identity    string    `json:"identity"`
	DisplayName string    `json:"displayName"`
	ClaimedAt   time.Time `json:"claimedAt"`
}

// Game is the shared game document.
type Game struct {
	ID                    string     `json:"id"`
	Variant               Variant    `json:"variant"`
	JoinCode              string     `json:"joinCode"`
	OwnerID               string     `json:"ownerId"`
	OwnerName             string     `json:"ownerName,omitempty"`
	Lifecycle             Lifecycle  `json:"lifecycle"`
	RoundNumber           int        `json:"roundNumber"`
	RoundPhase            Phase      `json:"roundPhase"`
	FirstResponder        *Responder `json:"firstResponder,omitempty"`
	ResponseWindowSeconds int        `json:"responseWindowSeconds,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	Version               uint64     `json:"version"`
}

// Ref returns the game's document reference.
func (g *Game) Ref() docstore.DocRef { return g.Variant.Game(g.ID) }

// IsActive reports whether the game still accepts commands.
func (g *Game) IsActive() bool { return g.Lifecycle == Active }

// ResponseDeadline returns when the first responder's window closes.
func (g *Game) ResponseDeadline() (time.Time, bool) {
	if g.FirstResponder == nil || g.ResponseWindowSeconds <= 0 {
		return time.Time{}, false
	}
	return g.FirstResponder.ClaimedAt.Add(time.Duration(g.ResponseWindowSeconds) * time.Second), true
}

// GameFromDocument decodes a game document.
func GameFromDocument(v Variant, doc *docstore.Document) (*Game, error) {
	g := &Game{}
	if err := doc.DataTo(g); err != nil {
		return nil, err
	}
	g.ID = doc.Ref.ID
	g.Variant = v
	g.Version = doc.Version
	if g.CreatedAt.IsZero() {
		g.CreatedAt = doc.CreateTime
	}
	return g, nil
}
