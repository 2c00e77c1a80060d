package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/chazu/loxvm/compiler"
	"github.com/chazu/loxvm/pkg/bytecode"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "state", "cache.db")
	s, err := Open(context.Background(), DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKey(t *testing.T) {
	a := Key("print 1;")
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
	if Key("print 1;") != a {
		t.Error("key is not deterministic")
	}
	if Key("print 2;") == a {
		t.Error("different sources share a key")
	}
}

func TestPutGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	src := `fun add(a, b) { return a + b; } print add(1, "x");`
	fn, err := compiler.CompileString(src)
	if err != nil {
		t.Fatal(err)
	}

	key := Key(src)
	if _, ok, err := s.Get(ctx, key); err != nil || ok {
		t.Fatalf("Get before Put = (%v, %v), want miss", ok, err)
	}
	if err := s.Put(ctx, key, fn); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get after Put = (%v, %v), want hit", ok, err)
	}
	if bytecode.Disassemble(got) != bytecode.Disassemble(fn) {
		t.Errorf("cached program differs:\n%s\nwant:\n%s", bytecode.Disassemble(got), bytecode.Disassemble(fn))
	}

	// Replacing an entry is allowed.
	if err := s.Put(ctx, key, fn); err != nil {
		t.Errorf("second Put failed: %v", err)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := s.Get(ctx, key); ok {
		t.Error("entry still present after Delete")
	}
}

func TestCompilerWrapper(t *testing.T) {
	s := openTestStore(t)

	calls := 0
	compile := s.Compiler(func(source string) (*bytecode.Function, error) {
		calls++
		return compiler.CompileString(source)
	})

	for i := 0; i < 3; i++ {
		if _, err := compile("var x = 1; print x;"); err != nil {
			t.Fatalf("compile #%d failed: %v", i, err)
		}
	}
	if calls != 1 {
		t.Errorf("underlying compiler called %d times, want 1", calls)
	}
	hits, misses := s.Stats()
	if hits != 2 || misses != 1 {
		t.Errorf("stats = %d hits, %d misses; want 2, 1", hits, misses)
	}
}

func TestCompilerWrapperDoesNotCacheErrors(t *testing.T) {
	s := openTestStore(t)

	calls := 0
	compile := s.Compiler(func(source string) (*bytecode.Function, error) {
		calls++
		return compiler.CompileString(source)
	})

	for i := 0; i < 2; i++ {
		_, err := compile("print ;")
		if !compiler.IsCompileError(err) {
			t.Fatalf("err = %v, want compile error", err)
		}
	}
	if calls != 2 {
		t.Errorf("underlying compiler called %d times, want 2", calls)
	}
}

func TestPersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "cache.db")

	fn, err := compiler.CompileString("print 42;")
	if err != nil {
		t.Fatal(err)
	}

	s, err := Open(ctx, DriverSQLite, dsn)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "k", fn); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(ctx, DriverSQLite, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, ok, err := s.Get(ctx, "k"); err != nil || !ok {
		t.Errorf("Get after reopen = (%v, %v), want hit", ok, err)
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "duckdb", "x")
	if !errors.Is(err, ErrUnsupportedDriver) {
		t.Errorf("err = %v, want ErrUnsupportedDriver", err)
	}
}
