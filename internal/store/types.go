package store

import (
	"errors"
	"time"
)

// SessionDoc is the shared game record, stored as JSON under game:<id>.
// Two invariants are enforced by UpdateSession: Player2ID goes from "" to
// non-empty at most once, and Finished never reverts to false.
type SessionDoc struct {
	ID            string    `json:"id"`
	Variant       string    `json:"variant"`
	TimeMode      string    `json:"time_mode"`
	Player1ID     string    `json:"player1_id"`
	Player1Color  string    `json:"player1_color"`
	Player1Rating float64   `json:"player1_rating"`
	Player2ID     string    `json:"player2_id"`
	Player2Color  string    `json:"player2_color"`
	Player2Rating float64   `json:"player2_rating"`
	Position      string    `json:"position"`
	MovesUCI      []string  `json:"moves_uci"`
	Finished      bool      `json:"finished"`
	FinishCause   string    `json:"finish_cause,omitempty"`
	Settled       bool      `json:"settled,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Open reports whether the session is still waiting for a second player.
func (d *SessionDoc) Open() bool {
	return d != nil && !d.Finished && d.Player2ID == ""
}

// Clone returns a deep copy so callers can diff old against new.
func (d *SessionDoc) Clone() *SessionDoc {
	if d == nil {
		return nil
	}
	cp := *d
	cp.MovesUCI = append([]string(nil), d.MovesUCI...)
	return &cp
}

// PlayerDoc is the per-player rating record, stored under player:<name>.
// The name doubles as the identity; uniqueness is enforced at creation.
type PlayerDoc struct {
	Name        string    `json:"name"`
	GamesPlayed int64     `json:"games_played"`
	GamesWon    int64     `json:"games_won"`
	GamesLost   int64     `json:"games_lost"`
	Rating      float64   `json:"rating"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

var (
	ErrNotFound = errors.New("document not found")
	// ErrConflict reports a lost optimistic-concurrency race; the operation
	// did not apply and may be retried by the caller.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrNameTaken reports a duplicate player name at creation.
	ErrNameTaken = errors.New("player name already taken")
)
