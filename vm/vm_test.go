package vm

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/chazu/loxvm/compiler"
	"github.com/chazu/loxvm/pkg/bytecode"
)

func newTestVM(opts ...Option) (*VM, *bytes.Buffer) {
	var out bytes.Buffer
	opts = append([]Option{WithOutput(&out), WithCompiler(compiler.CompileString)}, opts...)
	return New(opts...), &out
}

func runSource(t *testing.T, src string) (string, error) {
	t.Helper()
	v, out := newTestVM()
	err := v.Interpret(src)
	return out.String(), err
}

func mustRun(t *testing.T, src string) string {
	t.Helper()
	out, err := runSource(t, src)
	if err != nil {
		t.Fatalf("Interpret(%q) error: %v", src, err)
	}
	return out
}

func runtimeErr(t *testing.T, err error) *RuntimeError {
	t.Helper()
	var rerr *RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("error = %v (%T), want *RuntimeError", err, err)
	}
	return rerr
}

func TestInterpretExpressions(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"print 1 + 2 * 3;", "7\n"},
		{"print (1 + 2) * 3;", "9\n"},
		{"print 10 / 4;", "2.5\n"},
		{"print -3 - -1;", "-2\n"},
		{`print "con" + "cat";`, "concat\n"},
		{`print "ab" == "a" + "b";`, "true\n"},
		{"print 1 == 1.0;", "true\n"},
		{"print nil == false;", "false\n"},
		{"print !nil;", "true\n"},
		{"print !0;", "false\n"},
		{"print 1 < 2; print 2 <= 1; print 3 >= 3; print 4 > 5; print 1 != 2;", "true\nfalse\ntrue\nfalse\ntrue\n"},
		{"print nil or \"default\";", "default\n"},
		{"print false and 1;", "false\n"},
		{"print 1 and 2;", "2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			if got := mustRun(t, tt.src); got != tt.want {
				t.Errorf("output = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInterpretControlFlow(t *testing.T) {
	src := `
var total = 0;
for (var i = 0; i < 5; i = i + 1) {
  if (i == 2) total = total + 100; else total = total + i;
}
print total;
var n = 3;
while (n > 0) { print n; n = n - 1; }
`
	if got := mustRun(t, src); got != "108\n3\n2\n1\n" {
		t.Errorf("output = %q", got)
	}
}

func TestInterpretRecursion(t *testing.T) {
	src := `
fun fib(n) { if (n < 2) return n; return fib(n - 1) + fib(n - 2); }
print fib(15);
`
	if got := mustRun(t, src); got != "610\n" {
		t.Errorf("output = %q, want 610", got)
	}
}

func TestInterpretFunctionValues(t *testing.T) {
	src := `
fun named() {}
print named;
print clock;
fun noReturn() {}
print noReturn();
`
	want := "<fn named>\n<native fn clock>\nnil\n"
	if got := mustRun(t, src); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

// A closure outlives the frame that declared the variable it captures.
func TestClosureOutlivesFrame(t *testing.T) {
	src := `
fun outer() {
  var x = "outside";
  fun inner() { print x; }
  return inner;
}
var f = outer();
f();
`
	v, out := newTestVM()
	if err := v.Interpret(src); err != nil {
		t.Fatalf("Interpret error: %v", err)
	}
	if out.String() != "outside\n" {
		t.Errorf("output = %q, want outside exactly once", out.String())
	}
	if v.OpenUpvalueCount() != 0 {
		t.Errorf("open upvalues after run = %d, want 0", v.OpenUpvalueCount())
	}
}

func TestArityMismatch(t *testing.T) {
	out, err := runSource(t, "fun f(a, b) { return a + b; }\nprint f(1, 2, 3);")

	rerr := runtimeErr(t, err)
	if rerr.Message != "Expected 2 arguments but got 3." {
		t.Errorf("message = %q", rerr.Message)
	}
	if rerr.Line != 2 {
		t.Errorf("line = %d, want 2", rerr.Line)
	}
	if out != "" {
		t.Errorf("output = %q, want nothing printed", out)
	}
}

func TestTwoClosuresShareOneCapturedLocal(t *testing.T) {
	src := `
fun pair() {
  var c = 0;
  fun inc() { c = c + 1; }
  fun get() { return c; }
  inc();
  inc();
  return get();
}
print pair();
`
	if got := mustRun(t, src); got != "2\n" {
		t.Errorf("output = %q, want 2", got)
	}
}

func TestSharedCellAfterFrameReturns(t *testing.T) {
	src := `
var inc; var get; var reset;
fun make() {
  var c = 0;
  fun i() { c = c + 1; }
  fun g() { return c; }
  fun r() { c = 0; }
  inc = i; get = g; reset = r;
}
make();
inc(); inc();
print get();
reset();
print get();
inc();
print get();
`
	if got := mustRun(t, src); got != "2\n0\n1\n" {
		t.Errorf("output = %q", got)
	}
}

func TestClosuresCaptureDistinctVariables(t *testing.T) {
	src := `
fun counter() {
  var n = 0;
  fun next() { n = n + 1; return n; }
  return next;
}
var a = counter();
var b = counter();
a(); a();
print a();
print b();
`
	if got := mustRun(t, src); got != "3\n1\n" {
		t.Errorf("output = %q", got)
	}
}

func TestBlockScopedCaptureIsClosed(t *testing.T) {
	src := `
var f;
{
  var local = "block";
  fun show() { print local; }
  f = show;
}
f();
`
	v, out := newTestVM()
	if err := v.Interpret(src); err != nil {
		t.Fatalf("Interpret error: %v", err)
	}
	if out.String() != "block\n" {
		t.Errorf("output = %q", out.String())
	}
	if v.OpenUpvalueCount() != 0 {
		t.Errorf("open upvalues = %d, want 0", v.OpenUpvalueCount())
	}
}

func TestTransitiveCapture(t *testing.T) {
	src := `
fun a() {
  var v = "deep";
  fun b() {
    fun c() { return v; }
    return c;
  }
  return b;
}
print a()()();
`
	if got := mustRun(t, src); got != "deep\n" {
		t.Errorf("output = %q", got)
	}
}

func TestShadowing(t *testing.T) {
	src := `
var a = "global";
{
  var a = "outer";
  {
    var a = "inner";
    print a;
  }
  print a;
}
print a;
`
	if got := mustRun(t, src); got != "inner\nouter\nglobal\n" {
		t.Errorf("output = %q", got)
	}
}

func TestCallLeavesOneValue(t *testing.T) {
	v, out := newTestVM()
	v.DefineNative("height", 0, func([]bytecode.Value) (bytecode.Value, error) {
		return bytecode.Number(float64(v.StackHeight())), nil
	})

	src := `
fun f(a, b) { var local = a + b; return local; }
print 1 + height();
print f(1, 2) * 0 + 1 + height();
`
	if err := v.Interpret(src); err != nil {
		t.Fatalf("Interpret error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || lines[0] != lines[1] {
		t.Errorf("heights = %v, want equal before and after a call", lines)
	}
	if v.StackHeight() != 0 {
		t.Errorf("stack height after run = %d, want 0", v.StackHeight())
	}
}

func TestUndefinedVariable(t *testing.T) {
	_, err := runSource(t, "print missing;")
	rerr := runtimeErr(t, err)
	if rerr.Message != "Undefined variable 'missing'." {
		t.Errorf("message = %q", rerr.Message)
	}

	_, err = runSource(t, "missing = 1;")
	if rerr := runtimeErr(t, err); rerr.Message != "Undefined variable 'missing'." {
		t.Errorf("assignment message = %q", rerr.Message)
	}
}

func TestGlobalsLateBound(t *testing.T) {
	src := `
fun show() { print later; }
var later = "bound at call time";
show();
`
	if got := mustRun(t, src); got != "bound at call time\n" {
		t.Errorf("output = %q", got)
	}
}

func TestRuntimeTypeErrors(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{`print -"a";`, "Operand must be a number."},
		{`print 1 + "a";`, "Operands must be two numbers or two strings."},
		{`print "a" < "b";`, "Operands must be numbers."},
		{`print nil * 2;`, "Operands must be numbers."},
		{"var x = 1; x();", "Can only call functions."},
		{`"str"();`, "Can only call functions."},
		{"clock(1);", "Expected 0 arguments but got 1."},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			_, err := runSource(t, tt.src)
			if rerr := runtimeErr(t, err); rerr.Message != tt.want {
				t.Errorf("message = %q, want %q", rerr.Message, tt.want)
			}
		})
	}
}

func TestRuntimeErrorTrace(t *testing.T) {
	src := "fun a() { b(); }\nfun b() { c(); }\nfun c() { nil(); }\na();"
	_, err := runSource(t, src)
	rerr := runtimeErr(t, err)

	want := []TraceEntry{
		{Function: "c", Line: 3},
		{Function: "b", Line: 2},
		{Function: "a", Line: 1},
		{Function: "script", Line: 4},
	}
	if len(rerr.Trace) != len(want) {
		t.Fatalf("trace = %v, want %v", rerr.Trace, want)
	}
	for i := range want {
		if rerr.Trace[i] != want[i] {
			t.Errorf("trace[%d] = %v, want %v", i, rerr.Trace[i], want[i])
		}
	}
	wantText := "Can only call functions.\n[line 3] in c()\n[line 2] in b()\n[line 1] in a()\n[line 4] in script"
	if rerr.Error() != wantText {
		t.Errorf("Error() = %q, want %q", rerr.Error(), wantText)
	}
}

func TestStackOverflow(t *testing.T) {
	v, _ := newTestVM(WithMaxFrames(16))
	err := v.Interpret("fun f() { f(); }\nf();")

	rerr := runtimeErr(t, err)
	if rerr.Message != "Stack overflow." {
		t.Errorf("message = %q", rerr.Message)
	}
	if len(rerr.Trace) != 16 {
		t.Errorf("trace depth = %d, want 16", len(rerr.Trace))
	}
	if v.StackHeight() != 0 {
		t.Errorf("stack not reset: height %d", v.StackHeight())
	}
}

func TestSessionContinuesAfterError(t *testing.T) {
	v, out := newTestVM()

	steps := []struct {
		src     string
		wantErr bool
	}{
		{"var a = 1;", false},
		{"print b;", true},
		{"fun f() { return a + 1; }", false},
		{"print f();", false},
		{"{ var a = a; }", true},
		{"print a;", false},
	}
	for _, s := range steps {
		err := v.Interpret(s.src)
		if (err != nil) != s.wantErr {
			t.Fatalf("Interpret(%q) err = %v, wantErr %v", s.src, err, s.wantErr)
		}
	}
	if out.String() != "2\n1\n" {
		t.Errorf("output = %q", out.String())
	}
}

func TestRuntimeErrorClosesEscapedUpvalues(t *testing.T) {
	v, out := newTestVM()

	if err := v.Interpret("var f;"); err != nil {
		t.Fatalf("Interpret error: %v", err)
	}
	err := v.Interpret(`{ var x = "captured"; fun g() { return x; } f = g; nil(); }`)
	if rerr := runtimeErr(t, err); rerr.Message != "Can only call functions." {
		t.Fatalf("message = %q", rerr.Message)
	}
	if n := v.OpenUpvalueCount(); n != 0 {
		t.Fatalf("open upvalues after error = %d, want 0", n)
	}

	// The next run reuses the slot x lived in.
	if err := v.Interpret(`var a = "other"; { var y = "wrong"; print f(); }`); err != nil {
		t.Fatalf("Interpret error: %v", err)
	}
	if out.String() != "captured\n" {
		t.Errorf("output = %q, want %q", out.String(), "captured\n")
	}
}

func TestCallFrameAccessors(t *testing.T) {
	v, out := newTestVM()

	var name string
	var base, ip int
	v.DefineNative("inspect", 0, func([]bytecode.Value) (bytecode.Value, error) {
		f := &v.frames[len(v.frames)-1]
		name = f.Closure().Function.Name
		base, ip = f.SlotBase(), f.IP()
		return bytecode.Nil, nil
	})

	if err := v.Interpret("fun f(a) { inspect(); print a; }\nf(1);"); err != nil {
		t.Fatalf("Interpret error: %v", err)
	}
	if out.String() != "1\n" {
		t.Errorf("output = %q", out.String())
	}
	if name != "f" {
		t.Errorf("frame function = %q, want f", name)
	}
	// Script closure at 0, f at 1.
	if base != 1 {
		t.Errorf("slot base = %d, want 1", base)
	}
	if ip <= 0 {
		t.Errorf("ip = %d, want past the first instruction", ip)
	}
}

func TestCompileErrorRunsNothing(t *testing.T) {
	out, err := runSource(t, "print \"before\";\n{ var a = a; }")
	if !compiler.IsCompileError(err) {
		t.Fatalf("err = %v, want compile error", err)
	}
	if out != "" {
		t.Errorf("output = %q, want nothing", out)
	}
}

func TestNativeError(t *testing.T) {
	v, _ := newTestVM()
	v.DefineNative("fail", -1, func(args []bytecode.Value) (bytecode.Value, error) {
		return bytecode.Nil, errors.New("failed with " + args[0].String())
	})

	rerr := runtimeErr(t, v.Interpret("fail(42);"))
	if rerr.Message != "failed with 42" {
		t.Errorf("message = %q", rerr.Message)
	}
}

func TestClockNative(t *testing.T) {
	if got := mustRun(t, "print clock() >= 0;"); got != "true\n" {
		t.Errorf("output = %q", got)
	}
}

func TestTrace(t *testing.T) {
	var trace bytes.Buffer
	v, out := newTestVM(WithTrace(&trace))
	if err := v.Interpret("print 1 + 2;"); err != nil {
		t.Fatalf("Interpret error: %v", err)
	}
	if out.String() != "3\n" {
		t.Errorf("tracing changed output: %q", out.String())
	}
	for _, want := range []string{"CONSTANT", "ADD", "PRINT", "[ <script> ]"} {
		if !strings.Contains(trace.String(), want) {
			t.Errorf("trace missing %q:\n%s", want, trace.String())
		}
	}
}

func TestInterpretWithoutCompiler(t *testing.T) {
	if err := New().Interpret("print 1;"); err == nil {
		t.Error("expected error without a compiler")
	}
}

// handBuilt wraps code in a script function.
func handBuilt(build func(c *bytecode.Chunk)) *bytecode.Function {
	fn := bytecode.NewFunction("")
	build(fn.Chunk)
	return fn
}

func TestInternalErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func(c *bytecode.Chunk)
	}{
		{"unknown opcode", func(c *bytecode.Chunk) {
			c.Write(0xEE, 1)
		}},
		{"truncated operand", func(c *bytecode.Chunk) {
			c.Write(byte(bytecode.OpConstant), 1)
		}},
		{"constant out of range", func(c *bytecode.Chunk) {
			c.EmitUint16(bytecode.OpConstant, 1, 9)
		}},
		{"global name not a string", func(c *bytecode.Chunk) {
			idx, _ := c.AddConstant(bytecode.Number(1))
			c.EmitUint16(bytecode.OpGetGlobal, 1, idx)
		}},
		{"closure constant not a function", func(c *bytecode.Chunk) {
			idx, _ := c.AddConstant(bytecode.Str("nope"))
			c.EmitUint16(bytecode.OpClosure, 1, idx)
		}},
		{"missing return", func(c *bytecode.Chunk) {
			c.Emit(bytecode.OpNil, 1)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := newTestVM()
			err := v.Run(handBuilt(tt.build))
			if !errors.Is(err, ErrInternal) {
				t.Fatalf("err = %v, want internal error", err)
			}
			var rerr *RuntimeError
			if errors.As(err, &rerr) {
				t.Error("internal error must not be a RuntimeError")
			}
			if v.StackHeight() != 0 {
				t.Errorf("stack not reset: %d", v.StackHeight())
			}
		})
	}
}

func TestLocalSlotOutOfRange(t *testing.T) {
	v, _ := newTestVM()
	err := v.Run(handBuilt(func(c *bytecode.Chunk) {
		c.EmitWithOperand(bytecode.OpGetLocal, 7, 5)
		c.Emit(bytecode.OpReturn, 7)
	}))

	rerr := runtimeErr(t, err)
	if rerr.Message != "Local slot 5 out of range." || rerr.Line != 7 {
		t.Errorf("error = %+v", rerr)
	}
}

func TestUpvalueIndexOutOfRange(t *testing.T) {
	v, _ := newTestVM()
	err := v.Run(handBuilt(func(c *bytecode.Chunk) {
		c.EmitWithOperand(bytecode.OpGetUpvalue, 1, 0)
		c.Emit(bytecode.OpReturn, 1)
	}))

	if rerr := runtimeErr(t, err); rerr.Message != "Upvalue index 0 out of range." {
		t.Errorf("message = %q", rerr.Message)
	}
}

func TestRunCompiledFromWire(t *testing.T) {
	fn, err := compiler.CompileString(`fun greet(who) { return "hi " + who; } print greet("wire");`)
	if err != nil {
		t.Fatal(err)
	}
	data, err := bytecode.MarshalFunction(fn)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := bytecode.UnmarshalFunction(data)
	if err != nil {
		t.Fatal(err)
	}

	v, out := newTestVM()
	if err := v.Run(decoded); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if out.String() != "hi wire\n" {
		t.Errorf("output = %q", out.String())
	}
}
