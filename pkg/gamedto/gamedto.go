// Package gamedto holds the plain data types exchanged between the game
// packages and their callers. No behaviour lives here beyond formatting.
package gamedto

import (
	"fmt"
	"strings"
	"time"
)

// SessionSummary is the caller-facing view of a live or finished session.
type SessionSummary struct {
	ID           string
	Variant      string
	TimeMode     string
	Player1ID    string
	Player1Color string
	Player2ID    string
	Player2Color string
	Position     string
	MoveCount    int
	ActiveColor  string
	Finished     bool
	FinishCause  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// GameView is the local board view a client renders, derived entirely from
// the current position.
type GameView struct {
	Position      string
	ActiveColor   string
	MoveCount     int
	CapturedCount int
	WhiteRemain   time.Duration
	BlackRemain   time.Duration
}

// DeriveView rebuilds a GameView entirely from a serialized position. The
// empty string and "startpos" denote an untouched board. Derivation never
// diffs: every field comes from the position alone. A position that is not
// structurally valid FEN is an error; callers must surface it rather than
// fall back to a fresh board.
func DeriveView(position string) (GameView, error) {
	v := GameView{Position: position, ActiveColor: "white"}
	if position == "" || position == "startpos" {
		return v, nil
	}
	fields := strings.Fields(position)
	if len(fields) < 2 {
		return GameView{}, fmt.Errorf("position %q: not a FEN string", position)
	}
	switch fields[1] {
	case "w":
	case "b":
		v.ActiveColor = "black"
	default:
		return GameView{}, fmt.Errorf("position %q: bad side to move %q", position, fields[1])
	}
	pieces, err := piecesOnBoard(fields[0])
	if err != nil {
		return GameView{}, fmt.Errorf("position %q: %v", position, err)
	}
	if pieces <= 32 {
		v.CapturedCount = 32 - pieces
	}
	if len(fields) >= 6 {
		var fullmove int
		if _, err := fmt.Sscanf(fields[5], "%d", &fullmove); err == nil && fullmove >= 1 {
			v.MoveCount = (fullmove - 1) * 2
			if v.ActiveColor == "black" {
				v.MoveCount++
			}
		}
	}
	return v, nil
}

// piecesOnBoard counts the pieces on a FEN board field, checking that the
// field really describes an 8x8 board.
func piecesOnBoard(board string) (int, error) {
	ranks := strings.Split(board, "/")
	if len(ranks) != 8 {
		return 0, fmt.Errorf("board has %d ranks, want 8", len(ranks))
	}
	pieces := 0
	for _, rank := range ranks {
		squares := 0
		for i := 0; i < len(rank); i++ {
			c := rank[i]
			switch {
			case c >= '1' && c <= '8':
				squares += int(c - '0')
			case isPieceLetter(c):
				squares++
				pieces++
			default:
				return 0, fmt.Errorf("bad board character %q", c)
			}
		}
		if squares != 8 {
			return 0, fmt.Errorf("rank %q does not cover 8 squares", rank)
		}
	}
	return pieces, nil
}

func isPieceLetter(c byte) bool {
	switch c {
	case 'p', 'n', 'b', 'r', 'q', 'k', 'P', 'N', 'B', 'R', 'Q', 'K':
		return true
	}
	return false
}

// MatchResult reports the rating movement produced by settling a game.
type MatchResult struct {
	SessionID  string
	WinnerID   string
	LoserID    string
	Draw       bool
	NewRatingA float64
	NewRatingB float64
}
