package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// streamServer answers tools/call with an event stream and everything
// else with plain JSON.
type streamServer struct {
	allowGET bool
	// notifyDelay holds notification POSTs before answering.
	notifyDelay time.Duration

	mu      sync.Mutex
	deletes []string
	gets    int
}

func (s *streamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodDelete:
		s.mu.Lock()
		s.deletes = append(s.deletes, r.Header.Get(sessionHeader))
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodGet:
		s.mu.Lock()
		s.gets++
		s.mu.Unlock()
		if !s.allowGET {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/tools/list_changed\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		return
	}

	body, _ := io.ReadAll(r.Body)
	var req struct {
		ID     *int64 `json:"id"`
		Method string `json:"method"`
	}
	json.Unmarshal(body, &req)
	if req.ID == nil {
		time.Sleep(s.notifyDelay)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		w.Header().Set(sessionHeader, "stream-1")
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"streamer","version":"2"}}}`, *req.ID)
	case "tools/call":
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\",\"params\":{\"progress\":1}}\n\n")
		fmt.Fprint(w, "event: ping\ndata: keepalive\n\n")
		fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":%d,\"result\":{\"content\":[{\"type\":\"text\",\"text\":\"streamed\"}]}}\n\n", *req.ID)
	default:
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{}}`, *req.ID)
	}
}

type notificationLog struct {
	mu      sync.Mutex
	methods []string
	ch      chan string
}

func newNotificationLog() *notificationLog {
	return &notificationLog{ch: make(chan string, 16)}
}

func (n *notificationLog) handle(method string, _ json.RawMessage) {
	n.mu.Lock()
	n.methods = append(n.methods, method)
	n.mu.Unlock()
	n.ch <- method
}

func (n *notificationLog) waitFor(t *testing.T, method string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-n.ch:
			if got == method {
				return
			}
		case <-timeout:
			t.Fatalf("notification %q not received", method)
		}
	}
}

func TestStreamSession_EventStreamResponse(t *testing.T) {
	server := &streamServer{}
	srv := httptest.NewServer(server)
	defer srv.Close()

	notes := newNotificationLog()
	s, err := Open(TransportConfig{
		Kind:           KindStream,
		Name:           "streamer",
		URL:            srv.URL,
		OnNotification: notes.handle,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if s.ServerName() != "streamer" {
		t.Errorf("ServerName = %q", s.ServerName())
	}
	s.notifyWG.Wait()

	res, err := s.CallTool(ctx, "anything", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "streamed" {
		t.Errorf("Content = %+v", res.Content)
	}
	notes.waitFor(t, "notifications/progress")

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	server.mu.Lock()
	defer server.mu.Unlock()
	if len(server.deletes) != 1 || server.deletes[0] != "stream-1" {
		t.Errorf("DELETE session ids = %v, want [stream-1]", server.deletes)
	}
}

func TestStreamTransport_ServerPushStream(t *testing.T) {
	server := &streamServer{allowGET: true}
	srv := httptest.NewServer(server)
	defer srv.Close()

	notes := newNotificationLog()
	s, err := Open(TransportConfig{
		Kind:           KindStream,
		URL:            srv.URL,
		OnNotification: notes.handle,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	notes.waitFor(t, "notifications/tools/list_changed")

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not stop the listener")
	}
}

func TestStreamTransport_ListenerRefused(t *testing.T) {
	server := &streamServer{allowGET: false}
	srv := httptest.NewServer(server)
	defer srv.Close()

	tr := NewStreamTransport(TransportConfig{URL: srv.URL})
	ctx := context.Background()
	if err := tr.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Send(ctx, NewRequest(1, "initialize", nil)); err != nil {
		t.Fatal(err)
	}
	if err := tr.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		t.Fatal(err)
	}

	tr.listenMu.Lock()
	done := tr.listenDone
	tr.listenMu.Unlock()
	if done == nil {
		t.Fatal("listener not started after initialized notification")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop on 405")
	}

	// Still usable for requests.
	if _, err := tr.Send(ctx, NewRequest(2, "ping", nil)); err != nil {
		t.Errorf("Send after refused listener: %v", err)
	}
	tr.Close()
}

func TestStreamTransport_NoListenerWithoutSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewStreamTransport(TransportConfig{URL: srv.URL})
	tr.Connect(context.Background())
	if err := tr.Notify(context.Background(), NewNotification("notifications/initialized", nil)); err != nil {
		t.Fatal(err)
	}
	tr.listenMu.Lock()
	started := tr.listenCancel != nil
	tr.listenMu.Unlock()
	if started {
		t.Error("listener started without a session id")
	}
	tr.Close()
}

func TestStreamTransport_EventStreamWithoutResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n")
	}))
	defer srv.Close()

	tr := NewStreamTransport(TransportConfig{URL: srv.URL})
	tr.Connect(context.Background())
	_, err := tr.Send(context.Background(), NewRequest(1, "ping", nil))
	if err == nil {
		t.Fatal("expected error when stream ends without a response")
	}
}

func TestStreamTransport_NoListenerAfterClose(t *testing.T) {
	server := &streamServer{allowGET: true, notifyDelay: 200 * time.Millisecond}
	srv := httptest.NewServer(server)
	defer srv.Close()

	tr := NewStreamTransport(TransportConfig{URL: srv.URL})
	ctx := context.Background()
	if err := tr.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Send(ctx, NewRequest(1, "initialize", nil)); err != nil {
		t.Fatal(err)
	}

	notified := make(chan error, 1)
	go func() {
		notified <- tr.Notify(ctx, NewNotification("notifications/initialized", nil))
	}()
	time.Sleep(50 * time.Millisecond)
	tr.Close()
	if err := <-notified; err != nil {
		t.Fatalf("Notify: %v", err)
	}

	tr.listenMu.Lock()
	started := tr.listenCancel != nil
	tr.listenMu.Unlock()
	if started {
		t.Error("listener started after Close")
	}
	time.Sleep(50 * time.Millisecond)
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.gets != 0 {
		t.Errorf("GET streams opened = %d, want 0", server.gets)
	}
}

func TestStreamSession_CloseCancelsPendingNotification(t *testing.T) {
	server := &streamServer{allowGET: true, notifyDelay: time.Second}
	srv := httptest.NewServer(server)
	defer srv.Close()

	s, err := Open(TransportConfig{Kind: KindStream, URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	start := time.Now()
	s.Close()
	if d := time.Since(start); d > notifyDrainTimeout {
		t.Errorf("Close took %v", d)
	}

	idle := make(chan struct{})
	go func() {
		s.notifyWG.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-time.After(100 * time.Millisecond):
		t.Error("notification still running after Close")
	}
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.gets != 0 {
		t.Errorf("GET streams opened = %d, want 0", server.gets)
	}
}
