package vm

import (
	"bytes"
	"errors"
	"io"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/tapec-lang/tapec/internal/ast"
	"github.com/tapec-lang/tapec/internal/codegen"
	terrors "github.com/tapec-lang/tapec/internal/errors"
	"github.com/tapec-lang/tapec/internal/interp"
	"github.com/tapec-lang/tapec/internal/lir"
	"github.com/tapec-lang/tapec/internal/parser"
)

const helloWorld = "++++++++[>++++[>++>+++>+++>+<<<<-]>+>+>->>+[<]<-]>>.>---.+++++++..+++.>>.<-.<.+++.------.--------.>>+.>++."

func compile(src string) *lir.Module {
	prog, err := parser.Parse(src, "prog.b")
	Expect(err).NotTo(HaveOccurred())
	m, err := codegen.Generate("prog", prog)
	Expect(err).NotTo(HaveOccurred())
	return m
}

var _ = Describe("VM", func() {
	var (
		mockCtrl *gomock.Controller
		host     *MockHost
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		host = NewMockHost(mockCtrl)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should echo a byte read from the host", func() {
		gomock.InOrder(
			host.EXPECT().ReadByte().Return(byte(0x41), nil),
			host.EXPECT().WriteByte(byte(0x41)).Return(nil),
		)

		v := New(host)
		ret, err := v.Run(compile(",."))

		Expect(err).NotTo(HaveOccurred())
		Expect(ret).To(Equal(int64(0)))
	})

	It("should store the truncated -1 when input is exhausted", func() {
		gomock.InOrder(
			host.EXPECT().ReadByte().Return(byte(0), io.EOF),
			host.EXPECT().WriteByte(byte(0xFF)).Return(nil),
		)

		_, err := New(host).Run(compile("+++,."))
		Expect(err).NotTo(HaveOccurred())
	})

	It("should allocate and free the tape exactly once", func() {
		host.EXPECT().WriteByte(gomock.Any()).Return(nil).Times(13)

		v := New(host)
		_, err := v.Run(compile(helloWorld))

		Expect(err).NotTo(HaveOccurred())
		Expect(v.Stats().Calls).To(HaveKeyWithValue("allocate", 1))
		Expect(v.Stats().Calls).To(HaveKeyWithValue("deallocate", 1))
		Expect(v.Stats().Calls).To(HaveKeyWithValue("writeByte", 13))
		Expect(v.Live()).To(Equal(0))
	})

	It("should never call the host for a loop whose guard is zero", func() {
		v := New(host)
		_, err := v.Run(compile("[.,]"))

		Expect(err).NotTo(HaveOccurred())
		Expect(v.Stats().Calls).NotTo(HaveKey("writeByte"))
	})

	It("should fault when the cell pointer leaves the tape", func() {
		_, err := New(host).Run(compile("<+"))
		Expect(errors.Is(err, ErrMemoryFault)).To(BeTrue())
	})

	It("should report host write failures as IO errors", func() {
		host.EXPECT().WriteByte(byte(1)).Return(io.ErrClosedPipe)

		_, err := New(host).Run(compile("+."))
		Expect(errors.Is(err, terrors.ErrIO)).To(BeTrue())
		Expect(errors.Is(err, io.ErrClosedPipe)).To(BeTrue())
	})

	It("should stop at the step limit", func() {
		_, err := New(host, WithMaxSteps(100)).Run(compile("+[]"))
		Expect(errors.Is(err, ErrStepLimit)).To(BeTrue())
	})

	It("should honour custom primitive symbols", func() {
		prims := codegen.DefaultPrimitives().WithSymbols("rt_alloc", "rt_free", "rt_in", "rt_out")
		m, err := codegen.Generate("custom", ast.FromString("+."), codegen.WithPrimitives(prims), codegen.WithEntry("run"))
		Expect(err).NotTo(HaveOccurred())
		host.EXPECT().WriteByte(byte(1)).Return(nil)

		v := New(host, WithPrimitives(prims), WithEntry("run"))
		_, err = v.Run(m)
		Expect(err).NotTo(HaveOccurred())
		Expect(v.Stats().Calls).To(HaveKeyWithValue("allocate", 1))
	})

	It("should reject a module without the entry function", func() {
		_, err := New(host, WithEntry("start")).Run(compile(""))
		Expect(err).To(MatchError(ContainSubstring("no function start")))
	})
})

var _ = Describe("Arena", func() {
	var a *arena

	BeforeEach(func() {
		a = newArena()
	})

	It("should zero fill and round trip every width", func() {
		p := a.alloc(4, 4)
		Expect(p).NotTo(BeZero())
		Expect(a.load(p+8, 8)).To(Equal(int64(0)))

		Expect(a.store(p, 1, 0x1ff)).To(Succeed())
		Expect(a.load(p, 1)).To(Equal(int64(0xff)))
		Expect(a.store(p+4, 4, -2)).To(Succeed())
		Expect(a.load(p+4, 4)).To(Equal(int64(-2)))
		Expect(a.store(p+8, 8, 1<<40)).To(Succeed())
		Expect(a.load(p+8, 8)).To(Equal(int64(1 << 40)))
	})

	It("should fault on access past the end", func() {
		p := a.alloc(16, 1)
		_, err := a.load(p+15, 1)
		Expect(err).NotTo(HaveOccurred())
		_, err = a.load(p+16, 1)
		Expect(errors.Is(err, ErrMemoryFault)).To(BeTrue())
		_, err = a.load(p+12, 8)
		Expect(errors.Is(err, ErrMemoryFault)).To(BeTrue())
	})

	It("should detect double and interior frees", func() {
		p := a.alloc(8, 1)
		Expect(a.free(p + 1)).To(MatchError(ContainSubstring("not the start")))
		Expect(a.free(p)).To(Succeed())
		Expect(a.free(p)).To(MatchError(ContainSubstring("double free")))
		Expect(a.free(0)).To(Succeed())
		Expect(a.live).To(Equal(0))
	})

	It("should fault on use after free", func() {
		p := a.alloc(8, 1)
		Expect(a.free(p)).To(Succeed())
		Expect(a.store(p, 1, 1)).To(MatchError(ContainSubstring("after free")))
	})

	It("should free zero-sized allocations", func() {
		p := a.alloc(0, 1)
		Expect(a.free(p)).To(Succeed())
	})

	It("should refuse oversized requests", func() {
		Expect(a.alloc(1<<40, 1<<40)).To(BeZero())
	})
})

// interpret runs src through the reference interpreter.
func interpret(src string, input []byte, steps int) ([]byte, error) {
	prog, err := parser.Parse(src, "prog.b")
	Expect(err).NotTo(HaveOccurred())
	var out bytes.Buffer
	err = interp.Run(prog, bytes.NewReader(input), &out, interp.WithMaxSteps(steps))
	return out.Bytes(), err
}

// execute runs the compiled form of src in the VM, optionally after the
// machine-level optimizations.
func execute(src string, input []byte, steps int, optimize bool) ([]byte, *VM, error) {
	m := compile(src)
	if optimize {
		m = m.Clone()
		lir.Optimize(m)
		Expect(lir.Verify(m)).To(Succeed())
	}
	var out bytes.Buffer
	v, err := Run(m, bytes.NewReader(input), &out, WithMaxSteps(steps))
	return out.Bytes(), v, err
}

var _ = Describe("Compiled execution", func() {
	DescribeTable("should match the interpreter",
		func(src string, input []byte, want []byte) {
			fromInterp, err := interpret(src, input, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(fromInterp).To(Equal(want))

			for _, optimize := range []bool{false, true} {
				out, v, err := execute(src, input, 0, optimize)
				Expect(err).NotTo(HaveOccurred())
				Expect(out).To(Equal(want))
				Expect(v.Live()).To(Equal(0))
			}
		},
		Entry("multiplication loop", "++++++++[>++++++++<-]>.", nil, []byte{64}),
		Entry("echo", ",.", []byte{0x41}, []byte{0x41}),
		Entry("loop skipped at entry", "[]", nil, []byte(nil)),
		Entry("hello world", helloWorld, nil, []byte("Hello World!\n")),
		Entry("decrement below zero", "-.--.", nil, []byte{255, 253}),
		Entry("reverse four bytes", ">,>,>,>,[.<]", []byte("tape"), []byte("epat")),
		Entry("loop-free input", ",>,<.>.+.", []byte{7, 9}, []byte{7, 9, 10}),
		Entry("long move runs", strings.Repeat(">", 300)+"+++."+strings.Repeat("<", 300)+".", nil, []byte{3, 0}),
	)

	It("should fold runs transparently", func() {
		for _, n := range []int{1, 2, 127, 128, 255, 256, 257, 1000} {
			inc := strings.Repeat("+", n) + "."
			out, _, err := execute(inc, nil, 0, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal([]byte{byte(n % 256)}), "%d increments", n)

			dec := strings.Repeat("-", n) + "."
			out, _, err = execute(dec, nil, 0, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal([]byte{byte(-n & 0xff)}), "%d decrements", n)

			// Moves land on the same cell as n single steps would.
			moves := strings.Repeat(">", n) + "+" + strings.Repeat("<", n) + ">" + strings.Repeat(">", n-1) + "."
			out, _, err = execute(moves, nil, 0, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal([]byte{1}), "%d moves", n)
		}
	})

	It("should reproduce the unbounded loop after end of input", func() {
		fromInterp, err := interpret("+[,.]", []byte("xyz"), 200)
		Expect(errors.Is(err, interp.ErrStepLimit)).To(BeTrue())

		out, _, err := execute("+[,.]", []byte("xyz"), 400, false)
		Expect(errors.Is(err, ErrStepLimit)).To(BeTrue())

		Expect(len(fromInterp)).To(BeNumerically(">", 3))
		Expect(len(out)).To(BeNumerically(">", 3))
		Expect(fromInterp[:3]).To(Equal([]byte("xyz")))
		Expect(out[:3]).To(Equal([]byte("xyz")))
		// After the input ends the interpreter keeps the last byte while the
		// compiled program stores the truncated -1.
		Expect(fromInterp[3:]).To(HaveEach(byte('z')))
		Expect(out[3:]).To(HaveEach(byte(0xFF)))
	})
})
