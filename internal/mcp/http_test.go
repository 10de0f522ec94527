package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// demoServer is a minimal MCP server speaking plain JSON over HTTP.
type demoServer struct {
	mu           sync.Mutex
	sessionIDs   []string
	methods      []string
	idOffset     int64
	failStatus   int
	authRequired string
}

func (d *demoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	d.sessionIDs = append(d.sessionIDs, r.Header.Get(sessionHeader))
	offset, failStatus, auth := d.idOffset, d.failStatus, d.authRequired
	d.mu.Unlock()

	if auth != "" && r.Header.Get("Authorization") != auth {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if failStatus != 0 {
		http.Error(w, "upstream exploded", failStatus)
		return
	}

	body, _ := io.ReadAll(r.Body)
	var req struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	d.mu.Lock()
	d.methods = append(d.methods, req.Method)
	d.mu.Unlock()

	if req.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := map[string]any{"jsonrpc": "2.0", "id": *req.ID + offset}
	switch req.Method {
	case "initialize":
		w.Header().Set(sessionHeader, "sess-123")
		resp["result"] = map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "demo", "version": "1.0"},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		}
	case "tools/list":
		resp["result"] = map[string]any{"tools": []map[string]any{{
			"name":        "echo",
			"description": "Echo text",
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": map[string]any{"text": map[string]any{"type": "string"}},
				"required":   []string{"text"},
			},
		}}}
	case "tools/call":
		var p struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		_ = json.Unmarshal(req.Params, &p)
		if p.Name != "echo" {
			resp["error"] = map[string]any{"code": -32601, "message": "Method not found"}
			break
		}
		resp["result"] = map[string]any{
			"content": []map[string]any{{"type": "text", "text": p.Arguments["text"]}},
		}
	case "ping":
		resp["result"] = map[string]any{}
	default:
		resp["error"] = map[string]any{"code": -32601, "message": "Method not found"}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func TestHTTPSession_DemoScenario(t *testing.T) {
	demo := &demoServer{}
	srv := httptest.NewServer(demo)
	defer srv.Close()

	s, err := Open(TransportConfig{Kind: KindHTTP, Name: "demo", URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	s.notifyWG.Wait()

	tools, err := s.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(tools))
	}

	res := NewAdapter(s, tools[0]).Execute(ctx, map[string]any{"text": "hi"})
	if !res.Success || res.Data != "hi" {
		t.Fatalf("Execute = %+v", res)
	}

	demo.mu.Lock()
	defer demo.mu.Unlock()
	want := []string{"initialize", "notifications/initialized", "tools/list", "tools/call"}
	if len(demo.methods) != len(want) {
		t.Fatalf("methods = %v, want %v", demo.methods, want)
	}
	for i := range want {
		if demo.methods[i] != want[i] {
			t.Errorf("methods[%d] = %q, want %q", i, demo.methods[i], want[i])
		}
	}
	if demo.sessionIDs[0] != "" {
		t.Errorf("initialize carried session id %q", demo.sessionIDs[0])
	}
	for i, sid := range demo.sessionIDs[1:] {
		if sid != "sess-123" {
			t.Errorf("request %d session id = %q, want sess-123", i+1, sid)
		}
	}
}

func TestHTTPTransport_IDMismatchTolerated(t *testing.T) {
	srv := httptest.NewServer(&demoServer{idOffset: 7})
	defer srv.Close()

	s, err := Open(TransportConfig{Kind: KindHTTP, Name: "demo", URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize with mismatched id: %v", err)
	}
	if _, err := s.ListTools(context.Background()); err != nil {
		t.Fatalf("ListTools with mismatched id: %v", err)
	}
}

func TestHTTPTransport_Non2xx(t *testing.T) {
	srv := httptest.NewServer(&demoServer{failStatus: http.StatusBadGateway})
	defer srv.Close()

	tr := NewHTTPTransport(TransportConfig{URL: srv.URL})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := tr.Send(context.Background(), NewRequest(1, "ping", nil))
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
}

func TestHTTPTransport_ErrorBodyWithStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32600,"message":"Invalid Request"}}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(TransportConfig{URL: srv.URL})
	tr.Connect(context.Background())
	resp, err := tr.Send(context.Background(), NewRequest(1, "ping", nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Errorf("resp.Error = %v", resp.Error)
	}
}

func TestHTTPTransport_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>not json</html>`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(TransportConfig{URL: srv.URL})
	tr.Connect(context.Background())
	_, err := tr.Send(context.Background(), NewRequest(1, "ping", nil))
	if CodeOf(err) != CodeParseError {
		t.Errorf("err = %v, want parse error", err)
	}
}

func TestHTTPTransport_Headers(t *testing.T) {
	demo := &demoServer{authRequired: "Bearer secret"}
	srv := httptest.NewServer(demo)
	defer srv.Close()

	tests := []struct {
		name    string
		auth    AuthType
		wantErr bool
	}{
		{"header auth", AuthHeader, false},
		{"default applies headers", "", false},
		{"oauth bearer", AuthOAuth, false},
		{"none strips headers", AuthNone, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewHTTPTransport(TransportConfig{
				URL:     srv.URL,
				Auth:    tt.auth,
				Headers: map[string]string{"Authorization": "Bearer secret"},
			})
			tr.Connect(context.Background())
			_, err := tr.Send(context.Background(), NewRequest(1, "ping", nil))
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHTTPTransport_ConnectValidatesURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"http://localhost:1234/mcp", false},
		{"https://example.com/mcp", false},
		{"", true},
		{"ftp://example.com", true},
		{"localhost:8080", true},
	}
	for _, tt := range tests {
		tr := NewHTTPTransport(TransportConfig{URL: tt.url})
		err := tr.Connect(context.Background())
		if (err != nil) != tt.wantErr {
			t.Errorf("Connect(%q) = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
		if err != nil && CodeOf(err) != CodeInitializationError {
			t.Errorf("Connect(%q) code = %d", tt.url, CodeOf(err))
		}
		if tr.IsConnected() == tt.wantErr {
			t.Errorf("IsConnected(%q) = %v", tt.url, tr.IsConnected())
		}
	}
}

func TestNewTransport(t *testing.T) {
	tests := []struct {
		kind    TransportKind
		want    string
		wantErr bool
	}{
		{KindHTTP, "*mcp.HTTPTransport", false},
		{KindStdio, "*mcp.StdioTransport", false},
		{KindStream, "*mcp.StreamTransport", false},
		{KindWebSocket, "*mcp.WebSocketTransport", false},
		{"carrier-pigeon", "", true},
	}
	for _, tt := range tests {
		tr, err := NewTransport(TransportConfig{Kind: tt.kind, URL: "http://x", Command: "x"})
		if (err != nil) != tt.wantErr {
			t.Errorf("NewTransport(%q) err = %v", tt.kind, err)
			continue
		}
		if err == nil {
			if got := fmt.Sprintf("%T", tr); got != tt.want {
				t.Errorf("NewTransport(%q) = %s, want %s", tt.kind, got, tt.want)
			}
		}
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    TransportKind
		wantErr bool
	}{
		{"http", KindHTTP, false},
		{"STDIO", KindStdio, false},
		{"sse", KindStream, false},
		{"streamable-http", KindStream, false},
		{"ws", KindWebSocket, false},
		{"smoke", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseKind(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestTransportConfig_Endpoint(t *testing.T) {
	cfg := TransportConfig{Kind: KindStdio, Command: "npx", Args: []string{"-y", "server"}}
	if got := cfg.Endpoint(); got != "npx -y server" {
		t.Errorf("Endpoint = %q", got)
	}
	cfg = TransportConfig{Kind: KindHTTP, URL: "http://x/mcp"}
	if got := cfg.Endpoint(); got != "http://x/mcp" {
		t.Errorf("Endpoint = %q", got)
	}
}
