package codegen

import (
	"errors"
	"strings"
	"testing"

	"github.com/tapec-lang/tapec/internal/ast"
	terrors "github.com/tapec-lang/tapec/internal/errors"
	"github.com/tapec-lang/tapec/internal/lir"
)

func generate(t *testing.T, src string, opts ...Option) *lir.Module {
	t.Helper()
	m, err := Generate("test", ast.FromString(src), opts...)
	if err != nil {
		t.Fatalf("Generate(%q): %v", src, err)
	}
	return m
}

func countCalls(m *lir.Module, callee string) int {
	n := 0
	for _, f := range m.Functions {
		for _, bb := range f.Blocks {
			for _, ins := range bb.Insns {
				if c, ok := ins.(lir.Call); ok && c.Callee == callee {
					n++
				}
			}
		}
	}
	return n
}

func TestInitializeDeclaresPrimitivesAndEntry(t *testing.T) {
	m := generate(t, "")
	for _, name := range []string{"calloc", "free", "getchar", "putchar"} {
		if m.Extern(name) == nil {
			t.Errorf("extern %s not declared", name)
		}
	}
	main := m.Function("main")
	if main == nil || !main.Exported || main.RetClass != lir.I32 {
		t.Fatalf("entry routine missing or wrong: %+v", main)
	}

	entry := main.Blocks[0].Insns
	want := []string{
		"%tape = alloca tape",
		"%cell = alloca cell",
		"%t0 = call calloc(30000, 1) ; args:i64,i64 ret:ptr",
		"store ptr %tape, %t0",
		"store ptr %cell, %t0",
		"%t1 = load ptr %tape",
		"call free(%t1) ; args:ptr",
		"ret 0",
	}
	if len(entry) != len(want) {
		t.Fatalf("entry block has %d insns, want %d:\n%s", len(entry), len(want), m)
	}
	for i, w := range want {
		if got := entry[i].(interface{ String() string }).String(); got != w {
			t.Errorf("insn %d = %q, want %q", i, got, w)
		}
	}
}

func TestExactlyOneAllocateAndDeallocate(t *testing.T) {
	for _, src := range []string{"", "+", "[]", "++[>+[-]<-],.", "[[[[,.]]]]"} {
		m := generate(t, src)
		if n := countCalls(m, "calloc"); n != 1 {
			t.Errorf("%q: %d allocate calls", src, n)
		}
		if n := countCalls(m, "free"); n != 1 {
			t.Errorf("%q: %d deallocate calls", src, n)
		}
	}
}

func TestFoldedArithmeticWrapsToInt8(t *testing.T) {
	m := generate(t, strings.Repeat("+", 255)+strings.Repeat("-", 130))
	var imms []string
	for _, ins := range m.Functions[0].Blocks[0].Insns {
		if a, ok := ins.(lir.Add); ok {
			if a.Class != lir.I8 {
				t.Errorf("add class %s, want i8", a.Class)
			}
			imms = append(imms, a.RHS)
		}
	}
	if strings.Join(imms, ",") != "-1,126" {
		t.Fatalf("immediates = %v, want [-1 126]", imms)
	}
}

func TestPointerMovesFold(t *testing.T) {
	m := generate(t, ">>>><<")
	var offs []string
	for _, ins := range m.Functions[0].Blocks[0].Insns {
		if p, ok := ins.(lir.PtrAdd); ok {
			offs = append(offs, p.Offset)
		}
	}
	if strings.Join(offs, ",") != "4,-2" {
		t.Fatalf("offsets = %v, want [4 -2]", offs)
	}
}

func TestReadAndWriteLowering(t *testing.T) {
	m := generate(t, ",.")
	text := m.String()
	for _, want := range []string{
		"= call getchar() ; ret:i32",
		"= trunc %t1 to i8",
		"= sext i8 %t5 to i32",
		"call putchar(%t6) ; args:i32 ret:i32",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("module missing %q:\n%s", want, text)
		}
	}
}

func nested(depth int) string {
	return strings.Repeat("[", depth) + strings.Repeat("]", depth)
}

func TestLoopNestingBlockTriples(t *testing.T) {
	for depth := 1; depth <= 6; depth++ {
		m := generate(t, nested(depth))
		f := m.Functions[0]
		if got := len(f.Blocks); got != 1+3*depth {
			t.Fatalf("depth %d: %d blocks, want %d", depth, got, 1+3*depth)
		}
		for _, bb := range f.Blocks[1:] {
			// START only ever targets its own BODY and END.
			level, ok := loopPrefix(bb.Label)
			if !ok {
				t.Fatalf("unexpected label %q", bb.Label)
			}
			last := bb.Insns[len(bb.Insns)-1]
			if strings.HasSuffix(bb.Label, "_start") {
				br, ok := last.(lir.BrCond)
				if !ok {
					t.Fatalf("%s ends with %v, want brcond", bb.Label, last)
				}
				if br.True != level+"_body" || br.False != level+"_end" {
					t.Errorf("%s branches to %s/%s", bb.Label, br.True, br.False)
				}
			}
		}
	}
}

// loopPrefix extracts the "loopN" prefix of a block label.
func loopPrefix(label string) (string, bool) {
	i := strings.LastIndexByte(label, '_')
	if i < 0 || !strings.HasPrefix(label, "loop") {
		return "", false
	}
	return label[:i], true
}

func TestLoopBodyBranchesBackToOwnStart(t *testing.T) {
	m := generate(t, "+[->[-]<]")
	f := m.Functions[0]
	for _, pair := range [][2]string{{"loop0_body", "loop0_start"}, {"loop1_body", "loop1_start"}} {
		bb := f.Block(pair[0])
		if bb == nil {
			t.Fatalf("missing block %s", pair[0])
		}
		br, ok := bb.Insns[len(bb.Insns)-1].(lir.Br)
		if !ok || br.Target != pair[1] {
			t.Errorf("%s ends with %v, want br %s", pair[0], bb.Insns[len(bb.Insns)-1], pair[1])
		}
	}
	// The outer body enters the inner loop through its START block.
	outer := f.Block("loop0_body")
	found := false
	for _, ins := range outer.Insns {
		if br, ok := ins.(lir.Br); ok && br.Target == "loop1_start" {
			found = true
		}
	}
	if !found {
		t.Errorf("outer body does not branch into inner start")
	}
	// Deallocation happens after the outermost loop exits.
	end := f.Block("loop0_end")
	if _, ok := end.Insns[len(end.Insns)-1].(lir.Ret); !ok {
		t.Errorf("loop0_end should hold the return, got %v", end.Insns)
	}
}

func TestVoidAllocateIsGenerationError(t *testing.T) {
	prims := DefaultPrimitives()
	prims.Allocate.RetClass = lir.Void
	_, err := Generate("bad", ast.FromString("+"), WithPrimitives(prims))
	if !errors.Is(err, terrors.ErrGeneration) {
		t.Fatalf("expected generation error, got %v", err)
	}
	if !strings.Contains(err.Error(), `"calloc"`) {
		t.Errorf("error should name the primitive: %v", err)
	}
}

func TestVoidReadByteIsGenerationError(t *testing.T) {
	prims := DefaultPrimitives()
	prims.ReadByte.RetClass = lir.Void
	e := New("bad", WithPrimitives(prims))
	if err := e.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := e.Emit(ast.FromString("+.")); err != nil {
		t.Fatalf("program without reads must still generate: %v", err)
	}
	err := e.Emit(ast.FromString("[,]"))
	if !errors.Is(err, terrors.ErrGeneration) || !strings.Contains(err.Error(), "getchar") {
		t.Fatalf("expected generation error naming getchar, got %v", err)
	}
	if _, err := e.Finalize(); err == nil {
		t.Fatalf("finalize after a failed pass must fail")
	}
}

func TestEngineEnforcesOrder(t *testing.T) {
	e := New("order")
	if err := e.Emit(ast.FromString("+")); !errors.Is(err, terrors.ErrGeneration) {
		t.Fatalf("emit before initialize: %v", err)
	}

	e = New("order")
	if _, err := e.Finalize(); err == nil {
		t.Fatalf("finalize before initialize succeeded")
	}

	e = New("order")
	if err := e.Initialize(); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Finalize(); err != nil {
		t.Fatal(err)
	}
	if err := e.Initialize(); err == nil {
		t.Fatalf("second initialize succeeded")
	}
}

func TestCustomSymbolsAndEntry(t *testing.T) {
	prims := DefaultPrimitives().WithSymbols("tape_alloc", "tape_free", "", "out")
	m := generate(t, ",.", WithPrimitives(prims), WithEntry("tape_main"))
	if m.Function("tape_main") == nil {
		t.Fatalf("entry not renamed")
	}
	for _, sym := range []string{"tape_alloc", "tape_free", "getchar", "out"} {
		if m.Extern(sym) == nil {
			t.Errorf("extern %s missing", sym)
		}
	}
}

func TestEngineDoesNotMutateTree(t *testing.T) {
	seq := ast.FromString("++[>+++<-]>.")
	before := seq.String()
	e := New("x")
	if err := e.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := e.Emit(seq); err != nil {
		t.Fatal(err)
	}
	if seq.String() != before {
		t.Fatalf("tree mutated")
	}
	st := e.Stats()
	if st.Loops != 1 || st.Writes != 1 || st.Folded != 3 {
		t.Errorf("stats = %+v", st)
	}
}
