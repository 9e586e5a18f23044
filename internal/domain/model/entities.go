package model

import (
	"time"

	"github.com/okian/tunebuzz/internal/adapters/docstore"
)

// Player is one participant of a game.
type Player struct {
	ID          string    `json:"id"`
	Identity    string    `json:"identity"`
	DisplayName string    `json:"displayName"`
	Score       int       `json:"score"`
	RoundLocked bool      `json:"roundLocked"`
	JoinedAt    time.Time `json:"joinedAt"`
	Version     uint64    `json:"-"`
}

// Buzz is a hosted-mode request to answer, queued for the host.
type Buzz struct {
	ID             string    `json:"id"`
	PlayerIdentity string    `json:"playerIdentity"`
	DisplayName    string    `json:"displayName"`
	RoundNumber    int       `json:"roundNumber"`
	CreatedAt      time.Time `json:"createdAt"`
	Resolved       bool      `json:"resolved"`
	Correct        *bool     `json:"correct,omitempty"`
}

// Answer is a hostless free-text submission.
type Answer struct {
	ID             string    `json:"id"`
	PlayerIdentity string    `json:"playerIdentity"`
	DisplayName    string    `json:"displayName"`
	SubmittedText  string    `json:"submittedText"`
	RoundNumber    int       `json:"roundNumber"`
	CreatedAt      time.Time `json:"createdAt"`
	Graded         bool      `json:"graded"`
	IsCorrect      bool      `json:"isCorrect"`
	PointsAwarded  int       `json:"pointsAwarded"`
	Version        uint64    `json:"-"`
}

// SkipVote is one player's vote to end the round without an answer.
type SkipVote struct {
	ID             string    `json:"id"`
	PlayerIdentity string    `json:"playerIdentity"`
	RoundNumber    int       `json:"roundNumber"`
	CreatedAt      time.Time `json:"createdAt"`
}

// PlayerFromDocument decodes a player document.
func PlayerFromDocument(doc *docstore.Document) (*Player, error) {
	p := &Player{}
	if err := doc.DataTo(p); err != nil {
		return nil, err
	}
	p.ID = doc.Ref.ID
	p.Version = doc.Version
	if p.JoinedAt.IsZero() {
		p.JoinedAt = doc.CreateTime
	}
	return p, nil
}

// BuzzFromDocument decodes a buzz document.
func BuzzFromDocument(doc *docstore.Document) (*Buzz, error) {
	b := &Buzz{}
	if err := doc.DataTo(b); err != nil {
		return nil, err
	}
	b.ID = doc.Ref.ID
	return b, nil
}

// AnswerFromDocument decodes an answer document.
func AnswerFromDocument(doc *docstore.Document) (*Answer, error) {
	a := &Answer{}
	if err := doc.DataTo(a); err != nil {
		return nil, err
	}
	a.ID = doc.Ref.ID
	a.Version = doc.Version
	return a, nil
}

// SkipVoteFromDocument decodes a skip vote document.
func SkipVoteFromDocument(doc *docstore.Document) (*SkipVote, error) {
	v := &SkipVote{}
	if err := doc.DataTo(v); err != nil {
		return nil, err
	}
	v.ID = doc.Ref.ID
	return v, nil
}
