package lexer

import "testing"

func TestNextTokenSkipsComments(t *testing.T) {
	l := NewWithFilename("a+\n[b]", "t.b")
	var toks []Token
	for {
		tok := l.NextToken()
		toks = append(toks, tok)
		if tok.Type == TokenEOF {
			break
		}
	}
	want := []struct {
		typ  TokenType
		line int
		col  int
	}{
		{TokenIncrement, 1, 2},
		{TokenLoopStart, 2, 1},
		{TokenLoopEnd, 2, 3},
		{TokenEOF, 2, 4},
	}
	if len(toks) != len(want) {
		t.Fatalf("got %d tokens (%v), want %d", len(toks), toks, len(want))
	}
	if l.Comments() != 3 {
		t.Errorf("Comments() = %d, want 3", l.Comments())
	}
	for i, w := range want {
		if toks[i].Type != w.typ || toks[i].Pos.Line != w.line || toks[i].Pos.Column != w.col {
			t.Errorf("token %d = %v, want %s at %d:%d", i, toks[i], w.typ, w.line, w.col)
		}
	}
}

func TestAllCommandCharacters(t *testing.T) {
	l := New("<>+-,.[]")
	expected := []TokenType{
		TokenLeft, TokenRight, TokenIncrement, TokenDecrement,
		TokenInput, TokenOutput, TokenLoopStart, TokenLoopEnd, TokenEOF, TokenEOF,
	}
	for i, tt := range expected {
		if got := l.NextToken().Type; got != tt {
			t.Fatalf("token %d: got %s, want %s", i, got, tt)
		}
	}
	if l.Comments() != 0 {
		t.Errorf("Comments() = %d, want 0", l.Comments())
	}
}

func TestTokenTypeString(t *testing.T) {
	if TokenLoopEnd.String() != "]" {
		t.Errorf("got %q", TokenLoopEnd.String())
	}
	if TokenType(99).String() != "UNKNOWN(99)" {
		t.Errorf("got %q", TokenType(99).String())
	}
}

func TestCount(t *testing.T) {
	commands, comments := Count("+ add one\n[-] clear\n")
	if commands != 4 || comments != 16 {
		t.Errorf("Count = %d, %d; want 4, 16", commands, comments)
	}
}
