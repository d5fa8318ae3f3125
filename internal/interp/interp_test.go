package interp

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/tapec-lang/tapec/internal/ast"
	terrors "github.com/tapec-lang/tapec/internal/errors"
	"github.com/tapec-lang/tapec/internal/parser"
)

func run(t *testing.T, src string, input []byte, opts ...Option) ([]byte, *Machine, error) {
	t.Helper()
	prog, err := parser.Parse(src, "test.b")
	if err != nil {
		t.Fatalf("Parse(%q): %v", src, err)
	}
	var out bytes.Buffer
	m := New(bytes.NewReader(input), &out, opts...)
	err = m.Run(prog)
	return out.Bytes(), m, err
}

func TestScenarios(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		input []byte
		want  []byte
	}{
		{"multiply", "++++++++[>++++++++<-]>.", nil, []byte{64}},
		{"echo", ",.", []byte{0x41}, []byte{0x41}},
		{"skipped loop", "[]", nil, nil},
		{"comments are ignored", "hello + world .", nil, []byte{1}},
		{"wraparound", "-.", nil, []byte{255}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _, err := run(t, tt.src, tt.input)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if !bytes.Equal(out, tt.want) {
				t.Fatalf("output % x, want % x", out, tt.want)
			}
		})
	}
}

func TestEndOfInputLoopsForever(t *testing.T) {
	out, m, err := run(t, "+[,.]", []byte("abc"), WithMaxSteps(1000))
	if !errors.Is(err, ErrStepLimit) {
		t.Fatalf("expected step limit, got %v", err)
	}
	if !bytes.HasPrefix(out, []byte("abc")) {
		t.Fatalf("output %q does not start with the input", out)
	}
	// The cell keeps its last value once input is exhausted.
	if m.Cells()[0] != 'c' {
		t.Fatalf("cell 0 = %d, want 'c'", m.Cells()[0])
	}
	for _, b := range out[3:] {
		if b != 'c' {
			t.Fatalf("after end of input got %q, want repeated 'c'", out)
		}
	}
}

func TestEndOfInputLeavesCellUnchanged(t *testing.T) {
	out, _, err := run(t, "+++++,.", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, []byte{5}) {
		t.Fatalf("output % x, want 05", out)
	}
}

func TestTapeOverrun(t *testing.T) {
	_, m, err := run(t, "<", nil)
	if !errors.Is(err, ErrTapeOverrun) {
		t.Fatalf("moving left of cell 0: got %v", err)
	}
	if m.Pointer() != 0 {
		t.Errorf("pointer moved to %d", m.Pointer())
	}

	_, _, err = run(t, ">>>", nil, WithTapeSize(3))
	if !errors.Is(err, ErrTapeOverrun) {
		t.Fatalf("moving past the last cell: got %v", err)
	}
	if !strings.Contains(err.Error(), "outside [0, 3)") {
		t.Errorf("message %q", err.Error())
	}

	// The last cell itself is reachable.
	if _, m, err := run(t, ">>+", nil, WithTapeSize(3)); err != nil || m.Cells()[2] != 1 {
		t.Fatalf("last cell unreachable: %v", err)
	}
}

func TestRunFoldingTransparency(t *testing.T) {
	for n := 1; n <= 300; n += 37 {
		_, m, err := run(t, strings.Repeat("+", n), nil)
		if err != nil {
			t.Fatal(err)
		}
		if got := m.Cells()[0]; got != byte(n%256) {
			t.Errorf("%d increments: cell %d", n, got)
		}
		_, m, err = run(t, strings.Repeat(">", n)+strings.Repeat("<", n/2), nil)
		if err != nil {
			t.Fatal(err)
		}
		if m.Pointer() != n-n/2 {
			t.Errorf("pointer %d, want %d", m.Pointer(), n-n/2)
		}
	}
}

func TestZeroGuardSkipsBody(t *testing.T) {
	out, m, err := run(t, "[.+]>[.]", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 || m.Cells()[0] != 0 {
		t.Fatalf("loop body executed: out % x cell %d", out, m.Cells()[0])
	}
}

func TestTrace(t *testing.T) {
	var trace bytes.Buffer
	if _, _, err := run(t, "+>++", nil, WithTrace(&trace)); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(trace.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("trace has %d lines:\n%s", len(lines), trace.String())
	}
	want := []string{
		"+: [1 0 0 0 0 0 0 0 0 0]",
		">: [1 0 0 0 0 0 0 0 0 0]",
		"+: [1 1 0 0 0 0 0 0 0 0]",
		"+: [1 2 0 0 0 0 0 0 0 0]",
	}
	for i, w := range want {
		if lines[i] != w {
			t.Errorf("trace line %d = %q, want %q", i, lines[i], w)
		}
	}
}

func TestTraceSkipsLoops(t *testing.T) {
	var trace bytes.Buffer
	if _, _, err := run(t, "+[-]", nil, WithTrace(&trace)); err != nil {
		t.Fatal(err)
	}
	want := "+: [1 0 0 0 0 0 0 0 0 0]\n-: [0 0 0 0 0 0 0 0 0 0]\n"
	if trace.String() != want {
		t.Errorf("trace = %q, want %q", trace.String(), want)
	}
}

func TestReadError(t *testing.T) {
	prog := ast.FromString(",")
	err := Run(prog, iotest.ErrReader(io.ErrUnexpectedEOF), io.Discard)
	if !errors.Is(err, terrors.ErrIO) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("got %v", err)
	}
}

func TestStepsCountLoopGuards(t *testing.T) {
	// "+" then the guard tested three times around two iterations of "-".
	_, m, err := run(t, "++[-]", nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.Steps() != 2+3+2 {
		t.Errorf("steps = %d, want 7", m.Steps())
	}
}
