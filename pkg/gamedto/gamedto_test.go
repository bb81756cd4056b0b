package gamedto

import "testing"

func TestDeriveViewFreshBoard(t *testing.T) {
	for _, pos := range []string{"", "startpos"} {
		v, err := DeriveView(pos)
		if err != nil {
			t.Fatalf("DeriveView(%q): %v", pos, err)
		}
		if v.ActiveColor != "white" || v.MoveCount != 0 || v.CapturedCount != 0 {
			t.Fatalf("DeriveView(%q) = %+v, want fresh board", pos, v)
		}
	}
}

func TestDeriveViewFromFEN(t *testing.T) {
	// after 1. e4 e5 2. Nf3, black to move, nothing captured yet
	v, err := DeriveView("rnbqkbnr/pppp1ppp/8/4p3/4P3/5N2/PPPP1PPP/RNBQKB1R b KQkq - 1 2")
	if err != nil {
		t.Fatalf("DeriveView: %v", err)
	}
	if v.ActiveColor != "black" {
		t.Fatalf("active color = %q, want black", v.ActiveColor)
	}
	if v.MoveCount != 3 {
		t.Fatalf("move count = %d, want 3", v.MoveCount)
	}
	if v.CapturedCount != 0 {
		t.Fatalf("captured = %d, want 0", v.CapturedCount)
	}
}

func TestDeriveViewCapturedCount(t *testing.T) {
	// king-and-rook endgame, 29 pieces off the board
	v, err := DeriveView("8/8/8/4k3/8/8/8/R3K3 w Q - 0 40")
	if err != nil {
		t.Fatalf("DeriveView: %v", err)
	}
	if v.CapturedCount != 29 {
		t.Fatalf("captured = %d, want 29", v.CapturedCount)
	}
	if v.MoveCount != 78 {
		t.Fatalf("move count = %d, want 78", v.MoveCount)
	}
}

func TestDeriveViewRejectsMalformed(t *testing.T) {
	bad := []string{
		" ",
		"not-a-fen",
		"rnbqkbnr/pppppppp w KQkq - 0 1",                           // 2 ranks
		"rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR x KQkq - 0 1", // bad side to move
		"rnbqkbnr/ppppppxp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1", // bad piece letter
		"rnbqkbnr/ppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1",  // short rank
	}
	for _, pos := range bad {
		if _, err := DeriveView(pos); err == nil {
			t.Fatalf("DeriveView(%q) accepted malformed position", pos)
		}
	}
}
