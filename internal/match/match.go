// Package match implements session discovery, creation, and fairness-filtered
// pairing over the shared store.
package match

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/emerald-apps/fairychess-go/internal/obslog"
	"github.com/emerald-apps/fairychess-go/internal/rating"
	"github.com/emerald-apps/fairychess-go/internal/store"
	"github.com/emerald-apps/fairychess-go/pkg/gamedto"
)

// Wildcard matches any variant or time mode in a search request.
const Wildcard = "any"

const (
	DefaultVariant  = "standard"
	DefaultTimeMode = "blitz (5 minutes)"
)

var (
	// ErrNoOpenSessions means the search returned nothing at all.
	ErrNoOpenSessions = errors.New("no open sessions")
	// ErrNoFairSession means open sessions exist but none fell inside the
	// fairness band. Callers should offer session creation instead.
	ErrNoFairSession = errors.New("no session within fairness band")
	// ErrSeatTaken means another player filled the session first.
	ErrSeatTaken = errors.New("session seat already taken")
)

type Service struct {
	store *store.Store

	// halfWidth is the fairness band half-width around 0.5.
	halfWidth float64

	rng *rand.Rand

	mu       sync.Mutex
	launched map[string]struct{}
}

func NewService(st *store.Store, fairnessHalfWidth float64, rng *rand.Rand) *Service {
	if fairnessHalfWidth <= 0 || fairnessHalfWidth > 0.5 {
		fairnessHalfWidth = 0.3
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Service{
		store:     st,
		halfWidth: fairnessHalfWidth,
		rng:       rng,
		launched:  make(map[string]struct{}),
	}
}

// EnsurePlayer returns the existing rating record for name, creating one at
// the initial rating when none exists yet.
func (s *Service) EnsurePlayer(ctx context.Context, name string) (*store.PlayerDoc, error) {
	doc, err := s.store.GetPlayer(ctx, name)
	if err != nil {
		return nil, err
	}
	if doc != nil {
		return doc, nil
	}
	doc, err = s.store.CreatePlayer(ctx, name)
	if err == store.ErrNameTaken {
		// lost the creation race; the record exists now
		return s.store.GetPlayer(ctx, name)
	}
	return doc, err
}

// SearchOpenSessions lists joinable sessions matching variant and timeMode.
// Wildcard values drop the corresponding predicate instead of matching the
// literal string. An empty result is not an error.
func (s *Service) SearchOpenSessions(ctx context.Context, variant, timeMode, excludePlayer string) ([]*store.SessionDoc, error) {
	docs, err := s.store.OpenSessions(ctx, excludePlayer)
	if err != nil {
		return nil, err
	}
	var out []*store.SessionDoc
	for _, doc := range docs {
		if !fieldMatches(variant, doc.Variant) {
			continue
		}
		if !fieldMatches(timeMode, doc.TimeMode) {
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

// A wildcard on either side matches; otherwise compare exactly.
func fieldMatches(want, have string) bool {
	if isWildcard(want) || isWildcard(have) {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(want), strings.TrimSpace(have))
}

func isWildcard(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || strings.EqualFold(v, Wildcard)
}

// Summarize converts a stored session into its caller-facing summary. A
// summary of a session whose position does not parse keeps the raw position
// and zero derived fields; rejecting the document outright is the session
// layer's job.
func Summarize(d *store.SessionDoc) gamedto.SessionSummary {
	v, err := gamedto.DeriveView(d.Position)
	if err != nil {
		obslog.L().Warn("session_summary_bad_position",
			zap.String("session_id", d.ID), zap.Error(err))
	}
	return gamedto.SessionSummary{
		ID:           d.ID,
		Variant:      d.Variant,
		TimeMode:     d.TimeMode,
		Player1ID:    d.Player1ID,
		Player1Color: d.Player1Color,
		Player2ID:    d.Player2ID,
		Player2Color: d.Player2Color,
		Position:     d.Position,
		MoveCount:    v.MoveCount,
		ActiveColor:  v.ActiveColor,
		Finished:     d.Finished,
		FinishCause:  d.FinishCause,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

// QuickMatch lists every open session from any other player.
func (s *Service) QuickMatch(ctx context.Context, playerID string) ([]*store.SessionDoc, error) {
	return s.SearchOpenSessions(ctx, Wildcard, Wildcard, playerID)
}

// CreateSession opens a new session with the caller seated as player one.
// The creator always takes white; the joiner gets black. Wildcard fields are
// stored as the literal wildcard so searches from either side can match.
func (s *Service) CreateSession(ctx context.Context, variant, timeMode, playerID string, playerRating float64) (string, error) {
	if strings.TrimSpace(playerID) == "" {
		return "", fmt.Errorf("player id required")
	}
	doc := &store.SessionDoc{
		Variant:       normalizeField(variant),
		TimeMode:      normalizeField(timeMode),
		Player1ID:     playerID,
		Player1Color:  "white",
		Player1Rating: playerRating,
	}
	id, err := s.store.CreateSession(ctx, doc)
	if err != nil {
		return "", err
	}
	s.markLaunched(id)
	return id, nil
}

func normalizeField(v string) string {
	if isWildcard(v) {
		return Wildcard
	}
	return strings.TrimSpace(v)
}

// PickFairSession filters candidates by win probability against myRating and
// picks one of the fair candidates uniformly at random. ErrNoOpenSessions
// and ErrNoFairSession are distinct so the caller can offer creation only
// when the board is truly empty.
func (s *Service) PickFairSession(candidates []*store.SessionDoc, myRating float64) (*store.SessionDoc, error) {
	if len(candidates) == 0 {
		return nil, ErrNoOpenSessions
	}
	var fair []*store.SessionDoc
	for _, c := range candidates {
		p := rating.WinProbability(c.Player1Rating, myRating)
		// the band is open: probabilities on the edge are already a
		// half-width away from even and count as mismatched
		if p > 0.5-s.halfWidth && p < 0.5+s.halfWidth {
			fair = append(fair, c)
		}
	}
	if len(fair) == 0 {
		return nil, ErrNoFairSession
	}
	pick := fair[s.rng.Intn(len(fair))]
	obslog.L().Info("fair_session_pick",
		zap.String("session_id", pick.ID),
		zap.Int("candidates", len(candidates)),
		zap.Int("fair", len(fair)),
	)
	return pick, nil
}

// JoinSession seats playerID as player two via a conditional update. Exactly
// one of two racing joiners succeeds; the loser gets ErrSeatTaken. Wildcard
// variant or time mode left on the session resolves to the fixed defaults at
// join time so both sides agree on what they are playing.
func (s *Service) JoinSession(ctx context.Context, sessionID, playerID string, playerRating float64) (*store.SessionDoc, error) {
	doc, err := s.store.UpdateSession(ctx, sessionID, func(d *store.SessionDoc) error {
		if d.Finished {
			return ErrSeatTaken
		}
		if d.Player2ID != "" {
			return ErrSeatTaken
		}
		if d.Player1ID == playerID {
			return fmt.Errorf("cannot join own session")
		}
		d.Player2ID = playerID
		d.Player2Color = "black"
		d.Player2Rating = playerRating
		if isWildcard(d.Variant) {
			d.Variant = DefaultVariant
		}
		if isWildcard(d.TimeMode) {
			d.TimeMode = DefaultTimeMode
		}
		return nil
	})
	if err != nil {
		if err == store.ErrConflict {
			return nil, ErrSeatTaken
		}
		return nil, err
	}
	s.markLaunched(sessionID)
	obslog.L().Info("session_join",
		zap.String("session_id", sessionID),
		zap.String("player2_id", playerID),
	)
	return doc, nil
}

// Launched reports whether this service instance already entered the session.
func (s *Service) Launched(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.launched[sessionID]
	return ok
}

func (s *Service) markLaunched(sessionID string) {
	s.mu.Lock()
	s.launched[sessionID] = struct{}{}
	s.mu.Unlock()
}

// Forget releases the launched mark once a session is torn down.
func (s *Service) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.launched, sessionID)
	s.mu.Unlock()
}
