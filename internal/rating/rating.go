// Package rating implements the Elo rating math used for matchmaking
// fairness checks and post-game settlement. It is pure computation with no
// dependencies on the store or session layers.
package rating

import "math"

const (
	// InitialRating is assigned to newly created players.
	InitialRating = 400.0
	// DefaultK is the K-factor applied at settlement.
	DefaultK = 30

	winScore  = 1.0
	loseScore = 0.0
)

// Stats mirrors the per-player record kept in the shared store.
type Stats struct {
	GamesPlayed int64
	GamesWon    int64
	GamesLost   int64
	Rating      float64
}

// WinProbability returns the logistic expectation 1/(1+10^((a-b)/400)).
// WinProbability(r, r) == 0.5 and WinProbability(a, b)+WinProbability(b, a) == 1.
func WinProbability(ratingA, ratingB float64) float64 {
	return 1.0 / (1.0 + math.Pow(10, (ratingA-ratingB)/400.0))
}

// UpdateRatings applies the standard Elo update for a decided game and
// returns the new ratings for both sides. The update is zero-sum: the points
// gained by one side equal the points lost by the other.
func UpdateRatings(ratingA, ratingB float64, k int, aWon bool) (newA, newB float64) {
	pA := WinProbability(ratingB, ratingA)
	pB := WinProbability(ratingA, ratingB)
	if aWon {
		newA = ratingA + float64(k)*(winScore-pA)
		newB = ratingB + float64(k)*(loseScore-pB)
	} else {
		newA = ratingA + float64(k)*(loseScore-pA)
		newB = ratingB + float64(k)*(winScore-pB)
	}
	return newA, newB
}

// ApplyOutcome settles one finished game into both stat records.
// Play counts are incremented unconditionally. A nil aWon means the game was
// never decided (e.g. abandoned before any result); ratings and win/loss
// counters are left untouched in that case.
func ApplyOutcome(a, b *Stats, aWon *bool) {
	a.GamesPlayed++
	b.GamesPlayed++
	if aWon == nil {
		return
	}
	a.Rating, b.Rating = UpdateRatings(a.Rating, b.Rating, DefaultK, *aWon)
	if *aWon {
		a.GamesWon++
		b.GamesLost++
	} else {
		b.GamesWon++
		a.GamesLost++
	}
}
