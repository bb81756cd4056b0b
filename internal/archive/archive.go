// Package archive persists finished games to Postgres. The store keeps live
// sessions only; everything a player might want to look at later (result,
// move list, PGN) lands here on settlement.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	nchess "github.com/corentings/chess/v2"
	_ "github.com/lib/pq"

	"github.com/emerald-apps/fairychess-go/internal/store"
)

type Archive struct {
	db *sql.DB
}

func New(databaseURL string) (*Archive, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// SaveGame upserts a finished session. result is the PGN result token
// ("1-0", "0-1", "1/2-1/2" or "*"); the session id is the conflict key so a
// settlement retry never duplicates a row.
func (a *Archive) SaveGame(ctx context.Context, g *store.SessionDoc, result string) error {
	if a == nil || a.db == nil || g == nil {
		return nil
	}

	pgn := buildPGN(g, result)
	movesUCIRaw, _ := json.Marshal(g.MovesUCI)

	q := `INSERT INTO fairychess_games (
	    session_id, variant, time_mode,
	    white_id, black_id, white_rating, black_rating,
	    result, result_method, moves_uci, pgn,
	    started_at, ended_at
	  ) VALUES (
	    $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
	  ) ON CONFLICT (session_id) DO UPDATE SET
	    result=EXCLUDED.result,
	    result_method=EXCLUDED.result_method,
	    moves_uci=EXCLUDED.moves_uci,
	    pgn=EXCLUDED.pgn,
	    ended_at=EXCLUDED.ended_at`

	whiteID, blackID := g.Player1ID, g.Player2ID
	whiteRating, blackRating := g.Player1Rating, g.Player2Rating
	if g.Player1Color == "black" {
		whiteID, blackID = blackID, whiteID
		whiteRating, blackRating = blackRating, whiteRating
	}

	_, err := a.db.ExecContext(ctx, q,
		g.ID, g.Variant, g.TimeMode,
		whiteID, blackID, whiteRating, blackRating,
		result, strings.TrimSpace(g.FinishCause), string(movesUCIRaw), pgn,
		g.CreatedAt, g.UpdatedAt,
	)
	return err
}

// ResultToken derives the PGN result token from a finish cause string whose
// leading word may already be a result ("1-0 checkmate").
func ResultToken(cause string) string {
	switch {
	case strings.HasPrefix(cause, "1-0"):
		return "1-0"
	case strings.HasPrefix(cause, "0-1"):
		return "0-1"
	case strings.HasPrefix(cause, "1/2-1/2"):
		return "1/2-1/2"
	}
	return "*"
}

func buildPGN(g *store.SessionDoc, result string) string {
	var b strings.Builder
	date := g.UpdatedAt
	if date.IsZero() {
		date = time.Now()
	}
	b.WriteString("[Event \"FairyChess\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	white, black := g.Player1ID, g.Player2ID
	if g.Player1Color == "black" {
		white, black = black, white
	}
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(white)))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(black)))
	if strings.TrimSpace(g.TimeMode) != "" {
		b.WriteString(fmt.Sprintf("[TimeControl \"%s\"]\n", sanitizePGN(g.TimeMode)))
	}
	if strings.TrimSpace(g.FinishCause) != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(g.FinishCause)))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", result))

	san := sanFromUCI(g.MovesUCI)
	for i := 0; i < len(san); i += 2 {
		turn := (i / 2) + 1
		b.WriteString(fmt.Sprintf("%d. %s", turn, san[i]))
		if i+1 < len(san) {
			b.WriteString(" ")
			b.WriteString(san[i+1])
		}
		b.WriteString(" ")
	}
	b.WriteString(result)
	return b.String()
}

// sanFromUCI replays the move list from the starting position to recover
// algebraic notation. A move that fails to replay truncates the list there
// rather than dropping the whole game.
func sanFromUCI(movesUCI []string) []string {
	game := nchess.NewGame()
	var out []string
	for _, uci := range movesUCI {
		pos := game.Position()
		if err := game.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
			break
		}
		moves := game.Moves()
		last := moves[len(moves)-1]
		out = append(out, nchess.AlgebraicNotation{}.Encode(pos, last))
	}
	return out
}

func sanitizePGN(v string) string {
	v = strings.ReplaceAll(v, "\"", "'")
	return strings.ReplaceAll(v, "\n", " ")
}
