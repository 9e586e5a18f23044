// Package grading decides whether a free-text answer matches the answer key.
package grading

import (
	"context"
	"fmt"
	"strings"
)

const (
	defaultCorrectPoints   = 1
	defaultIncorrectPoints = -1
)

// Option configures a SubstringGrader.
type Option func(*SubstringGrader)

// WithPoints sets the points awarded for a correct and an incorrect answer.
func WithPoints(correct, incorrect int) Option {
	return func(g *SubstringGrader) {
		g.correctPoints = correct
		g.incorrectPoints = incorrect
	}
}

// Input is one answer to grade.
type Input struct {
	Submitted string
	Key       string
}

// Result of grading one answer.
type Result struct {
	Correct bool
	Points  int
}

// Grader grades answers.
type Grader interface {
	Grade(ctx context.Context, in Input) (Result, error)
}

// SubstringGrader marks an answer correct when, ignoring case and surrounding
// blanks, either text contains the other. Blank answers are never correct.
type SubstringGrader struct {
	correctPoints   int
	incorrectPoints int
}

// NewSubstringGrader returns a grader awarding +1 / -1 by default.
func NewSubstringGrader(opts ...Option) *SubstringGrader {
	g := &SubstringGrader{
		correctPoints:   defaultCorrectPoints,
		incorrectPoints: defaultIncorrectPoints,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Grade implements Grader.
func (g *SubstringGrader) Grade(ctx context.Context, in Input) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("context cancelled: %w", err)
	}
	if Matches(in.Submitted, in.Key) {
		return Result{Correct: true, Points: g.correctPoints}, nil
	}
	return Result{Correct: false, Points: g.incorrectPoints}, nil
}

// Matches reports bidirectional, case-insensitive substring containment.
func Matches(submitted, key string) bool {
	s := strings.ToLower(strings.TrimSpace(submitted))
	k := strings.ToLower(strings.TrimSpace(key))
	if s == "" || k == "" {
		return false
	}
	return strings.Contains(k, s) || strings.Contains(s, k)
}
