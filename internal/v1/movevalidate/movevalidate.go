// Package movevalidate implements the single deterministic move-legality
// and outcome algorithm shared by the human move endpoint, the LLM
// executor, and the local validate-move harness.
package movevalidate

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Graph is the subset of graphdb.Store this package depends on.
type Graph interface {
	Resolve(ctx context.Context, title string) (string, error)
	Canonical(ctx context.Context, title string) (string, error)
	ArticleWithLinks(ctx context.Context, title string) (resolvedTitle string, links []string, found bool, err error)
}

// Outcome is the result of validating one proposed move.
type Outcome string

const (
	OutcomeNoOp Outcome = "no_op"
	OutcomeWin  Outcome = "win"
	OutcomeLose Outcome = "lose"
	OutcomeMove Outcome = "move"
)

// Error is a validation failure that carries the HTTP status the teacher's
// original endpoint would have returned for it.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

func badRequest(format string, a ...any) *Error {
	return &Error{Status: 400, Message: fmt.Sprintf(format, a...)}
}

func notFound(format string, a ...any) *Error {
	return &Error{Status: 404, Message: fmt.Sprintf(format, a...)}
}

func invariant(format string, a ...any) *Error {
	return &Error{Status: 500, Message: fmt.Sprintf(format, a...)}
}

// Decision is the outcome of validating a proposed move, ready to be
// turned into a roommodel.Step by the caller.
type Decision struct {
	Outcome  Outcome
	Article  string
	Metadata map[string]any
}

// Params are the inputs to one move validation.
type Params struct {
	CurrentArticle     string
	ToArticle          string
	DestinationArticle string
	CurrentHops        int
	MaxHops            int
}

// stripFragment removes a trailing "#section" from a wiki title.
func stripFragment(title string) string {
	if idx := strings.IndexByte(title, '#'); idx >= 0 {
		return title[:idx]
	}
	return title
}

// titlesMatch compares two titles the way a human would read them:
// underscores and spaces are equivalent, case is ignored.
func titlesMatch(a, b string) bool {
	norm := func(s string) string {
		return strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "_", " ")))
	}
	return norm(a) == norm(b)
}

func normalizeTitle(title string) string {
	return strings.TrimSpace(strings.ReplaceAll(title, "_", " "))
}

// Validate resolves, canonicalizes, and legality-checks a proposed move,
// then decides whether it is a no-op, a win, a loss (max hops exhausted),
// or an ordinary move. It never mutates any state; callers commit the
// resulting Decision as a Step.
func Validate(ctx context.Context, graph Graph, p Params) (*Decision, error) {
	toRaw := normalizeTitle(stripFragment(p.ToArticle))
	if toRaw == "" {
		return nil, badRequest("to_article is required")
	}

	resolved, err := graph.Resolve(ctx, toRaw)
	if err != nil {
		return nil, err
	}
	if resolved == "" {
		return nil, notFound("Article not found")
	}

	canonicalNext, err := graph.Canonical(ctx, resolved)
	if err != nil {
		return nil, err
	}
	if canonicalNext == "" {
		canonicalNext = resolved
	}

	destinationRaw := normalizeTitle(p.DestinationArticle)
	if destinationRaw == "" {
		return nil, badRequest("destination_article is required")
	}

	currentRaw := normalizeTitle(stripFragment(p.CurrentArticle))
	if currentRaw == "" {
		return nil, badRequest("current_article is required")
	}

	currentResolved, err := graph.Resolve(ctx, currentRaw)
	if err != nil {
		return nil, err
	}
	if currentResolved == "" {
		currentResolved = currentRaw
	}
	canonicalCurrent, err := graph.Canonical(ctx, currentResolved)
	if err != nil {
		return nil, err
	}
	if canonicalCurrent == "" {
		canonicalCurrent = currentResolved
	}

	if titlesMatch(canonicalCurrent, canonicalNext) {
		return &Decision{Outcome: OutcomeNoOp}, nil
	}

	currentHops := p.CurrentHops
	if currentHops < 0 {
		currentHops = 0
	}
	nextHops := currentHops + 1
	maxHops := p.MaxHops
	if maxHops <= 0 {
		maxHops = 20
	}

	title, links, found, err := graph.ArticleWithLinks(ctx, canonicalCurrent)
	if err != nil {
		return nil, err
	}
	if !found || title == "" {
		return nil, invariant("Current article not found (%s)", canonicalCurrent)
	}

	if !containsTitle(links, resolved) && !containsTitle(links, canonicalNext) {
		return nil, badRequest("Invalid move: '%s' is not a link from '%s'", resolved, title)
	}

	reachedTarget := titlesMatch(canonicalNext, destinationRaw)
	if !reachedTarget {
		canonicalTarget, err := graph.Canonical(ctx, destinationRaw)
		if err != nil {
			return nil, err
		}
		if canonicalTarget != "" && titlesMatch(canonicalNext, canonicalTarget) {
			reachedTarget = true
		}
	}

	switch {
	case reachedTarget:
		return &Decision{Outcome: OutcomeWin, Article: destinationRaw}, nil
	case nextHops >= maxHops:
		return &Decision{
			Outcome: OutcomeLose,
			Article: canonicalNext,
			Metadata: map[string]any{
				"reason":   "max_hops",
				"max_hops": maxHops,
			},
		}, nil
	default:
		return &Decision{Outcome: OutcomeMove, Article: canonicalNext}, nil
	}
}

func containsTitle(links []string, title string) bool {
	for _, l := range links {
		if l == title {
			return true
		}
	}
	return false
}

// At converts now to UTC for use as a roommodel.Step timestamp. It keeps
// sub-second precision; Step.MarshalJSON renders the time as
// second-resolution RFC3339.
func At(now time.Time) time.Time {
	return now.UTC()
}
