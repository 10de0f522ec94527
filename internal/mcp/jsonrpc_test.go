package mcp

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewRequest(t *testing.T) {
	req := NewRequest(42, "tools/list", map[string]any{"cursor": "abc"})

	if req.JSONRPC != "2.0" {
		t.Errorf("JSONRPC = %q, want %q", req.JSONRPC, "2.0")
	}
	if req.ID != 42 {
		t.Errorf("ID = %d, want 42", req.ID)
	}
	if req.Method != "tools/list" {
		t.Errorf("Method = %q, want %q", req.Method, "tools/list")
	}
}

func TestRequest_OmitsNilParams(t *testing.T) {
	data, err := json.Marshal(NewRequest(1, "ping", nil))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "params") {
		t.Errorf("marshalled request = %s, want no params", data)
	}
}

func TestNotification_HasNoID(t *testing.T) {
	data, err := json.Marshal(NewNotification("notifications/initialized", nil))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["id"]; ok {
		t.Errorf("notification carries id: %s", data)
	}
	if m["method"] != "notifications/initialized" {
		t.Errorf("method = %v", m["method"])
	}
}

func TestResponse_IntID(t *testing.T) {
	tests := []struct {
		raw    string
		want   int64
		wantOK bool
	}{
		{`1`, 1, true},
		{`"7"`, 7, true},
		{`null`, 0, false},
		{``, 0, false},
		{`"abc"`, 0, false},
		{` 12 `, 12, true},
	}
	for _, tt := range tests {
		r := &Response{ID: json.RawMessage(tt.raw)}
		got, ok := r.IntID()
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("IntID(%q) = %d, %v; want %d, %v", tt.raw, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestResponseUnmarshalError(t *testing.T) {
	raw := `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"Method not found","data":{"method":"foo"}}}`
	resp, err := decodeResponse([]byte(raw))
	if err != nil {
		t.Fatalf("decodeResponse: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("Error = nil")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("Code = %d", resp.Error.Code)
	}
	if resp.Error.Data == nil {
		t.Error("Data dropped")
	}
}

func TestDecodeResponse_Malformed(t *testing.T) {
	_, err := decodeResponse([]byte(`{not json`))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
	if CodeOf(err) != CodeParseError {
		t.Errorf("code = %d, want %d", CodeOf(err), CodeParseError)
	}
}

func TestDecodeMessage_Classification(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		wantResponse bool
		wantNotif    bool
		wantErr      bool
	}{
		{"result", `{"jsonrpc":"2.0","id":1,"result":{}}`, true, false, false},
		{"error", `{"jsonrpc":"2.0","id":1,"error":{"code":-1,"message":"x"}}`, true, false, false},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`, false, true, false},
		{"server request", `{"jsonrpc":"2.0","id":9,"method":"sampling/createMessage"}`, false, false, false},
		{"neither", `{"jsonrpc":"2.0","id":1}`, false, false, true},
		{"garbage", `{"jsonrpc":`, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := decodeMessage([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if m.isResponse() != tt.wantResponse {
				t.Errorf("isResponse = %v", m.isResponse())
			}
			if m.isNotification() != tt.wantNotif {
				t.Errorf("isNotification = %v", m.isNotification())
			}
		})
	}
}
