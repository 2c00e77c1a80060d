package server

import (
	"context"
	"testing"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/loxvm/compiler"
	"github.com/chazu/loxvm/vm"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure for server package tests.
// ---------------------------------------------------------------------------

func newTestVM() *vm.VM {
	return vm.New(vm.WithCompiler(compiler.CompileString))
}

// newTestEvalService creates an EvalService with its own session store.
func newTestEvalService(t *testing.T) (*EvalService, *SessionStore) {
	t.Helper()
	sessions := NewSessionStore(newTestVM)
	t.Cleanup(sessions.CloseAll)
	return NewEvalService(sessions), sessions
}

// ---------------------------------------------------------------------------
// Request builder helpers
// ---------------------------------------------------------------------------

func structReq(t *testing.T, fields map[string]any) *connect.Request[structpb.Struct] {
	t.Helper()
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	return connect.NewRequest(msg)
}

func bg() context.Context {
	return context.Background()
}

func evaluateOK(t *testing.T, svc *EvalService, sessionID, source string) *EvaluateResult {
	t.Helper()
	fields := map[string]any{"source": source}
	if sessionID != "" {
		fields["session_id"] = sessionID
	}
	resp, err := svc.Evaluate(bg(), structReq(t, fields))
	if err != nil {
		t.Fatalf("Evaluate(%q) returned error: %v", source, err)
	}
	return DecodeEvaluateResult(resp.Msg)
}
