package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/loxvm/compiler"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New(WithCompileFunc(compiler.CompileString))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Stop()
	})
	return s, ts
}

func TestServer_ConnectClient(t *testing.T) {
	_, ts := newTestServer(t)

	client := connect.NewClient[structpb.Struct, structpb.Struct](
		ts.Client(), ts.URL+EvaluateProcedure, connect.WithProtoJSON(),
	)

	resp, err := client.CallUnary(bg(), structReq(t, map[string]any{
		"source": "fun sq(n) { return n * n; } print sq(9);",
	}))
	if err != nil {
		t.Fatalf("CallUnary error: %v", err)
	}
	res := DecodeEvaluateResult(resp.Msg)
	if !res.Success || !slices.Equal(res.Output, []string{"81"}) {
		t.Errorf("result = %+v", res)
	}

	resp, err = client.CallUnary(bg(), structReq(t, map[string]any{
		"session_id": res.SessionID,
		"source":     "print sq(3);",
	}))
	if err != nil {
		t.Fatalf("second CallUnary error: %v", err)
	}
	if got := DecodeEvaluateResult(resp.Msg).Output; !slices.Equal(got, []string{"9"}) {
		t.Errorf("output = %q, want [9]", got)
	}
}

func TestServer_PlainJSON(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := ts.Client().Post(ts.URL+EvaluateProcedure, "application/json",
		strings.NewReader(`{"source": "print \"hi\";"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		SessionID string   `json:"session_id"`
		Output    []string `json:"output"`
		Success   bool     `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body.Success || !slices.Equal(body.Output, []string{"hi"}) || body.SessionID == "" {
		t.Errorf("body = %+v", body)
	}
}

func TestServer_StopClosesSessions(t *testing.T) {
	s, ts := newTestServer(t)

	client := connect.NewClient[structpb.Struct, structpb.Struct](
		ts.Client(), ts.URL+EvaluateProcedure, connect.WithProtoJSON(),
	)
	if _, err := client.CallUnary(bg(), structReq(t, map[string]any{"source": "var a = 1;"})); err != nil {
		t.Fatal(err)
	}
	if s.Sessions().Len() != 1 {
		t.Fatalf("sessions = %d, want 1", s.Sessions().Len())
	}
	s.Stop()
	if s.Sessions().Len() != 0 {
		t.Errorf("sessions after Stop = %d, want 0", s.Sessions().Len())
	}
}
