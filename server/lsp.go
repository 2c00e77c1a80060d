package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/loxvm/compiler"
	"github.com/chazu/loxvm/vm"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "loxvm-lsp"

// LspServer provides editor features for lox documents. Compile errors
// become diagnostics; declarations found by the scanner drive completion,
// hover, definition and references. Native globals come from a VM owned by
// the worker.
type LspServer struct {
	worker *VMWorker

	mu   sync.Mutex
	docs map[string]string // URI → full document content

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a new LSP server wrapping the given VM.
func NewLSP(v *vm.VM) *LspServer {
	worker := NewVMWorker(v)
	s := &LspServer{
		worker:  worker,
		docs:    make(map[string]string),
		version: "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
		TextDocumentDefinition: s.textDocumentDefinition,
		TextDocumentReferences: s.textDocumentReferences,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	commonlog.NewInfoMessage(0, "loxvm LSP initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{}
	capabilities.HoverProvider = true
	capabilities.DefinitionProvider = true
	capabilities.ReferencesProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	s.worker.Stop()
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	text := params.TextDocument.Text

	s.setDoc(uri, text)
	s.publishDiagnostics(ctx, uri, text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.setDoc(uri, whole.Text)
			s.publishDiagnostics(ctx, uri, whole.Text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	// Clear diagnostics for the closed document
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

func (s *LspServer) setDoc(uri protocol.DocumentUri, text string) {
	s.mu.Lock()
	s.docs[string(uri)] = text
	s.mu.Unlock()
}

func (s *LspServer) doc(uri protocol.DocumentUri) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.docs[string(uri)]
	return text, ok
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, ok := s.doc(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}

	prefix := extractPrefix(text, params.Position)
	if prefix == "" {
		return nil, nil
	}

	result, err := s.worker.Do(func(v *vm.VM) any {
		return s.complete(v, text, prefix)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	text, ok := s.doc(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}

	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}

	result, err := s.worker.Do(func(v *vm.VM) any {
		return s.hover(v, text, word)
	})
	if err != nil || result == nil {
		return nil, nil
	}
	return result.(*protocol.Hover), nil
}

func (s *LspServer) textDocumentDefinition(ctx *glsp.Context, params *protocol.DefinitionParams) (any, error) {
	uri := params.TextDocument.URI
	text, ok := s.doc(uri)
	if !ok {
		return nil, nil
	}

	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}

	if locations := definition(uri, text, word); len(locations) > 0 {
		return locations, nil
	}
	return nil, nil
}

func (s *LspServer) textDocumentReferences(ctx *glsp.Context, params *protocol.ReferenceParams) ([]protocol.Location, error) {
	uri := params.TextDocument.URI
	text, ok := s.doc(uri)
	if !ok {
		return nil, nil
	}

	word := extractWord(text, params.Position)
	if word == "" {
		return nil, nil
	}

	return references(uri, text, word), nil
}

// --- Document analysis ---

// declaration is a top-level or nested var/fun name found by the scanner.
type declaration struct {
	name   string
	fun    bool
	params []string
	tok    compiler.Token
}

// scanDeclarations lists every var and fun declaration in text in source
// order. It works on tokens, so it still finds names in documents that do
// not compile.
func scanDeclarations(text string) []declaration {
	tokens := compiler.Tokenize(text)
	var decls []declaration
	for i := 0; i+1 < len(tokens); i++ {
		kw := tokens[i].Type
		if kw != compiler.TokenVar && kw != compiler.TokenFun {
			continue
		}
		name := tokens[i+1]
		if name.Type != compiler.TokenIdentifier {
			continue
		}
		d := declaration{name: name.Lexeme, fun: kw == compiler.TokenFun, tok: name}
		if d.fun && i+2 < len(tokens) && tokens[i+2].Type == compiler.TokenLeftParen {
			for j := i + 3; j < len(tokens) && tokens[j].Type != compiler.TokenRightParen; j++ {
				if tokens[j].Type == compiler.TokenIdentifier {
					d.params = append(d.params, tokens[j].Lexeme)
				}
			}
		}
		decls = append(decls, d)
	}
	return decls
}

func (d declaration) signature() string {
	if d.fun {
		return fmt.Sprintf("fun %s(%s)", d.name, strings.Join(d.params, ", "))
	}
	return "var " + d.name
}

// complete returns keywords, document declarations and VM globals that
// start with prefix. Must be called on the worker goroutine.
func (s *LspServer) complete(v *vm.VM, text, prefix string) []protocol.CompletionItem {
	var items []protocol.CompletionItem
	seen := make(map[string]bool)

	add := func(label string, kind protocol.CompletionItemKind, detail string) {
		if seen[label] || !strings.HasPrefix(label, prefix) {
			return
		}
		seen[label] = true
		labelCopy := label
		items = append(items, protocol.CompletionItem{
			Label:      label,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &labelCopy,
		})
	}

	for _, d := range scanDeclarations(text) {
		if d.fun {
			add(d.name, protocol.CompletionItemKindFunction, d.signature())
		} else {
			add(d.name, protocol.CompletionItemKindVariable, d.signature())
		}
	}

	globals := v.GlobalNames()
	sort.Strings(globals)
	for _, name := range globals {
		value, _ := v.LookupGlobal(name)
		add(name, protocol.CompletionItemKindFunction, value.String())
	}

	for _, kw := range compiler.Keywords() {
		add(kw, protocol.CompletionItemKindKeyword, "keyword")
	}

	// Limit results
	const maxItems = 100
	if len(items) > maxItems {
		items = items[:maxItems]
	}

	return items
}

// hover describes word: its declaration in the document, a VM global, or
// a keyword. Must be called on the worker goroutine.
func (s *LspServer) hover(v *vm.VM, text, word string) *protocol.Hover {
	var b strings.Builder

	for _, d := range scanDeclarations(text) {
		if d.name == word {
			fmt.Fprintf(&b, "```lox\n%s\n```\n\nDeclared on line %d", d.signature(), d.tok.Pos.Line)
			break
		}
	}
	if b.Len() == 0 {
		if value, ok := v.LookupGlobal(word); ok {
			fmt.Fprintf(&b, "**%s**: `%s`", word, value.String())
		}
	}
	if b.Len() == 0 {
		for _, kw := range compiler.Keywords() {
			if kw == word {
				fmt.Fprintf(&b, "**%s** (keyword)", word)
				break
			}
		}
	}
	if b.Len() == 0 {
		return nil
	}

	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: b.String(),
		},
	}
}

// definition returns the location of every declaration of word.
func definition(uri protocol.DocumentUri, text, word string) []protocol.Location {
	var locations []protocol.Location
	for _, d := range scanDeclarations(text) {
		if d.name == word {
			locations = append(locations, tokenLocation(uri, d.tok))
		}
	}
	return locations
}

// references returns every identifier token spelling word.
func references(uri protocol.DocumentUri, text, word string) []protocol.Location {
	var locations []protocol.Location
	for _, tok := range compiler.Tokenize(text) {
		if tok.Type == compiler.TokenIdentifier && tok.Lexeme == word {
			locations = append(locations, tokenLocation(uri, tok))
		}
	}
	return locations
}

func tokenLocation(uri protocol.DocumentUri, tok compiler.Token) protocol.Location {
	start := protocol.Position{
		Line:      protocol.UInteger(tok.Pos.Line - 1),
		Character: protocol.UInteger(tok.Pos.Column - 1),
	}
	end := start
	end.Character += protocol.UInteger(len(tok.Lexeme))
	return protocol.Location{URI: uri, Range: protocol.Range{Start: start, End: end}}
}

// --- Diagnostics ---

// diagnostics compiles text and converts every compile error into a
// diagnostic spanning the offending lexeme.
func diagnostics(text string) []protocol.Diagnostic {
	_, err := compiler.CompileString(text)
	if err == nil {
		return []protocol.Diagnostic{}
	}

	var list compiler.ErrorList
	if !errors.As(err, &list) {
		return []protocol.Diagnostic{errorDiagnostic(protocol.Range{}, err.Error())}
	}

	out := make([]protocol.Diagnostic, 0, len(list))
	for _, e := range list {
		start := protocol.Position{
			Line:      protocol.UInteger(max(e.Line-1, 0)),
			Character: protocol.UInteger(max(e.Column-1, 0)),
		}
		end := start
		end.Character += protocol.UInteger(max(len(lexemeOf(e)), 1))
		out = append(out, errorDiagnostic(protocol.Range{Start: start, End: end}, e.Message))
	}
	return out
}

// lexemeOf recovers the lexeme from an "at 'x'" location.
func lexemeOf(e *compiler.Error) string {
	if rest, ok := strings.CutPrefix(e.Where, "at '"); ok {
		return strings.TrimSuffix(rest, "'")
	}
	return ""
}

func errorDiagnostic(r protocol.Range, msg string) protocol.Diagnostic {
	severity := protocol.DiagnosticSeverityError
	source := lspName
	return protocol.Diagnostic{
		Range:    r,
		Severity: &severity,
		Source:   &source,
		Message:  msg,
	}
}

func (s *LspServer) publishDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	diags := diagnostics(text)
	if len(diags) > 0 {
		commonlog.GetLogger("loxvm.lsp").Debugf("%s: %d diagnostics", uri, len(diags))
	}
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diags,
	})
}

// --- Text extraction helpers ---

func isIdentChar(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_'
}

// extractPrefix returns the word fragment before the cursor for completion.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	// Walk backwards from cursor to find the start of the identifier
	start := col
	for start > 0 && isIdentChar(rune(line[start-1])) {
		start--
	}

	if start == col {
		return ""
	}

	return line[start:col]
}

// extractWord returns the full identifier under the cursor.
func extractWord(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	start := col
	for start > 0 && isIdentChar(rune(line[start-1])) {
		start--
	}

	end := col
	for end < len(line) && isIdentChar(rune(line[end])) {
		end++
	}

	if start == end {
		return ""
	}

	return line[start:end]
}

func boolPtr(b bool) *bool {
	return &b
}
