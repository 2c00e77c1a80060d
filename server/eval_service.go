package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/loxvm/compiler"
	"github.com/chazu/loxvm/vm"
)

// Procedure paths served by EvalService. Messages are google.protobuf.Struct,
// so with the JSON codec a request body is a plain JSON object.
const (
	EvalServiceName       = "loxvm.v1.EvalService"
	EvaluateProcedure     = "/" + EvalServiceName + "/Evaluate"
	CloseSessionProcedure = "/" + EvalServiceName + "/CloseSession"
	CheckSyntaxProcedure  = "/" + EvalServiceName + "/CheckSyntax"
)

// Values of the error_kind response field.
const (
	errorKindCompile  = "compile"
	errorKindRuntime  = "runtime"
	errorKindInternal = "internal"
)

// EvaluateRequest is the decoded form of an Evaluate request.
type EvaluateRequest struct {
	SessionID string
	Source    string
}

// EvaluateResult is the outcome of running one unit of source in a session.
type EvaluateResult struct {
	SessionID    string
	Output       []string
	Success      bool
	ErrorKind    string
	ErrorMessage string
	Line         int
	Trace        []string
}

// EvalService implements the Connect handlers for evaluation.
type EvalService struct {
	sessions *SessionStore
	log      commonlog.Logger
}

// NewEvalService creates an EvalService.
func NewEvalService(sessions *SessionStore) *EvalService {
	return &EvalService{
		sessions: sessions,
		log:      commonlog.GetLogger("loxvm.server"),
	}
}

// Evaluate compiles and runs source in a session, creating one when the
// request names none.
func (s *EvalService) Evaluate(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	in := decodeEvaluateRequest(req.Msg)
	if in.Source == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("source is required"))
	}

	var session *Session
	if in.SessionID == "" {
		session = s.sessions.Create()
		s.log.Infof("created session %s", session.ID)
	} else {
		var ok bool
		session, ok = s.sessions.Get(in.SessionID)
		if !ok {
			return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", in.SessionID))
		}
	}

	result, err := session.worker.Do(func(v *vm.VM) any {
		return evaluate(v, in.Source)
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	out := result.(*EvaluateResult)
	out.SessionID = session.ID

	msg, err := out.toStruct()
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

// CloseSession discards a session and its globals.
func (s *EvalService) CloseSession(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	id := stringField(req.Msg, "session_id")
	if id == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("session_id is required"))
	}
	if !s.sessions.Destroy(id) {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", id))
	}
	s.log.Infof("closed session %s", id)

	msg, err := structpb.NewStruct(map[string]any{"closed": true})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

// CheckSyntax compiles source without running it and reports every
// compile error.
func (s *EvalService) CheckSyntax(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	source := stringField(req.Msg, "source")

	diagnostics := []any{}
	_, err := compiler.CompileString(source)
	var list compiler.ErrorList
	if errors.As(err, &list) {
		for _, e := range list {
			diagnostics = append(diagnostics, map[string]any{
				"line":    e.Line,
				"column":  e.Column,
				"message": e.Error(),
			})
		}
	}

	msg, err := structpb.NewStruct(map[string]any{
		"valid":       len(diagnostics) == 0,
		"diagnostics": diagnostics,
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

// evaluate runs source on v, capturing print output.
// Must be called on the VM worker goroutine.
func evaluate(v *vm.VM, source string) *EvaluateResult {
	var buf bytes.Buffer
	v.SetOutput(&buf)
	defer v.SetOutput(io.Discard)

	err := v.Interpret(source)
	result := &EvaluateResult{
		Output:  splitLines(buf.String()),
		Success: err == nil,
	}
	if err == nil {
		return result
	}

	var list compiler.ErrorList
	var rerr *vm.RuntimeError
	switch {
	case errors.As(err, &list):
		result.ErrorKind = errorKindCompile
		result.ErrorMessage = list.Error()
		if len(list) > 0 {
			result.Line = list[0].Line
		}
	case errors.As(err, &rerr):
		result.ErrorKind = errorKindRuntime
		result.ErrorMessage = rerr.Message
		result.Line = rerr.Line
		for _, entry := range rerr.Trace {
			result.Trace = append(result.Trace, entry.String())
		}
	default:
		// Internal errors and anything unexpected from the compiler hook.
		result.ErrorKind = errorKindInternal
		result.ErrorMessage = err.Error()
	}
	return result
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func decodeEvaluateRequest(msg *structpb.Struct) EvaluateRequest {
	return EvaluateRequest{
		SessionID: stringField(msg, "session_id"),
		Source:    stringField(msg, "source"),
	}
}

func stringField(msg *structpb.Struct, name string) string {
	return msg.GetFields()[name].GetStringValue()
}

func (r *EvaluateResult) toStruct() (*structpb.Struct, error) {
	fields := map[string]any{
		"session_id": r.SessionID,
		"output":     stringsToAny(r.Output),
		"success":    r.Success,
	}
	if !r.Success {
		fields["error_kind"] = r.ErrorKind
		fields["error_message"] = r.ErrorMessage
		fields["line"] = r.Line
		fields["trace"] = stringsToAny(r.Trace)
	}
	return structpb.NewStruct(fields)
}

// DecodeEvaluateResult converts a response message back into a result.
func DecodeEvaluateResult(msg *structpb.Struct) *EvaluateResult {
	f := msg.GetFields()
	return &EvaluateResult{
		SessionID:    f["session_id"].GetStringValue(),
		Output:       listToStrings(f["output"].GetListValue()),
		Success:      f["success"].GetBoolValue(),
		ErrorKind:    f["error_kind"].GetStringValue(),
		ErrorMessage: f["error_message"].GetStringValue(),
		Line:         int(f["line"].GetNumberValue()),
		Trace:        listToStrings(f["trace"].GetListValue()),
	}
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func listToStrings(l *structpb.ListValue) []string {
	var out []string
	for _, v := range l.GetValues() {
		out = append(out, v.GetStringValue())
	}
	return out
}
