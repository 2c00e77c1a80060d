package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeScript(t *testing.T, dir, name, source string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(source), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCLI(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunFileExitCodes(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name     string
		source   string
		wantCode int
		wantOut  string
		wantErr  string
	}{
		{"success", "print \"ok\";", exitOK, "ok\n", ""},
		{"compile error", "var a = ;", exitCompile, "", "[line 1] Error at ';': Expect expression."},
		{"runtime error", "print 1;\nprint -nil;", exitRuntime, "1\n", "Operand must be a number.\n[line 2] in script"},
		{"closure", "fun outer() {\n  var x = \"outside\";\n  fun inner() { print x; }\n  return inner;\n}\nvar f = outer();\nf();", exitOK, "outside\n", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeScript(t, dir, strings.ReplaceAll(tt.name, " ", "_")+".lox", tt.source)
			code, out, errOut := runCLI(t, "", "-no-cache", path)
			if code != tt.wantCode {
				t.Errorf("exit code = %d, want %d (stderr %q)", code, tt.wantCode, errOut)
			}
			if out != tt.wantOut {
				t.Errorf("stdout = %q, want %q", out, tt.wantOut)
			}
			if tt.wantErr != "" && !strings.Contains(errOut, tt.wantErr) {
				t.Errorf("stderr = %q, want it to contain %q", errOut, tt.wantErr)
			}
		})
	}
}

func TestRunFileMissing(t *testing.T) {
	code, _, errOut := runCLI(t, "", "-no-cache", filepath.Join(t.TempDir(), "missing.lox"))
	if code != exitNoInput {
		t.Errorf("exit code = %d, want %d", code, exitNoInput)
	}
	if !strings.Contains(errOut, "Could not read file") {
		t.Errorf("stderr = %q", errOut)
	}
}

func TestUsageErrors(t *testing.T) {
	if code, _, _ := runCLI(t, "", "a.lox", "b.lox"); code != exitUsage {
		t.Errorf("two scripts: exit code = %d, want %d", code, exitUsage)
	}
	if code, _, _ := runCLI(t, "", "-no-such-flag"); code != exitUsage {
		t.Errorf("bad flag: exit code = %d, want %d", code, exitUsage)
	}
	if code, _, _ := runCLI(t, "", "-log-level", "loud", "-no-cache"); code != exitUsage {
		t.Errorf("bad log level: exit code = %d, want %d", code, exitUsage)
	}
}

func TestREPL(t *testing.T) {
	input := strings.Join([]string{
		"var a = 1;",
		"print a + 1;",
		"print missing;",
		"",
		"fun twice(x) { return x * 2; }",
		"print twice(a);",
		"exit",
		"print \"never\";",
	}, "\n")

	code, out, errOut := runCLI(t, input, "-no-cache")
	if code != exitOK {
		t.Errorf("exit code = %d", code)
	}
	if out != "2\n2\n" {
		t.Errorf("stdout = %q, want %q", out, "2\n2\n")
	}
	if !strings.Contains(errOut, "Undefined variable 'missing'.") {
		t.Errorf("stderr = %q, want the runtime error", errOut)
	}
}

func TestDisassembleFlag(t *testing.T) {
	path := writeScript(t, t.TempDir(), "d.lox", "print 1 + 2;")
	code, out, errOut := runCLI(t, "", "-no-cache", "-disassemble", path)
	if code != exitOK || out != "3\n" {
		t.Fatalf("code = %d, stdout = %q", code, out)
	}
	for _, want := range []string{"; === <script> ===", "CONSTANT", "ADD", "PRINT"} {
		if !strings.Contains(errOut, want) {
			t.Errorf("disassembly missing %q:\n%s", want, errOut)
		}
	}
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "loxvm.toml", "[vm]\nmax-frames = 8\n")
	path := writeScript(t, dir, "deep.lox", "fun f(n) { if (n > 0) f(n - 1); }\nf(20);")

	code, _, errOut := runCLI(t, "", path)
	if code != exitRuntime || !strings.Contains(errOut, "Stack overflow.") {
		t.Errorf("code = %d, stderr = %q; want stack overflow from config limit", code, errOut)
	}

	// Flags override the file.
	code, _, errOut = runCLI(t, "", "-max-frames", "64", path)
	if code != exitOK {
		t.Errorf("code = %d, stderr = %q; want success with -max-frames 64", code, errOut)
	}
}

func TestInvalidConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfg := writeScript(t, dir, "bad.toml", "[vm]\nunknown = 1\n")
	code, _, errOut := runCLI(t, "", "-config", cfg)
	if code != exitUsage || !strings.Contains(errOut, "invalid") {
		t.Errorf("code = %d, stderr = %q", code, errOut)
	}
}

func TestCachedRun(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "loxvm.toml", "[cache]\nenabled = true\n")
	path := writeScript(t, dir, "cached.lox", "var s = \"cached\"; print s;")

	for i := 0; i < 2; i++ {
		code, out, errOut := runCLI(t, "", path)
		if code != exitOK || out != "cached\n" {
			t.Fatalf("run %d: code = %d, stdout = %q, stderr = %q", i, code, out, errOut)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, ".loxvm", "cache.db")); err != nil {
		t.Errorf("cache database not created: %v", err)
	}
}
