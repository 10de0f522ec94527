package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"
)

func reply(id int64, text string) []byte {
	return []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"v":%q}}`, id, text))
}

func awaitValue(t *testing.T, b *inbox, id int64) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := b.await(ctx, id)
	if err != nil {
		t.Fatalf("await(%d): %v", id, err)
	}
	return string(resp.Result)
}

// abandon times out a wait for id.
func abandon(t *testing.T, b *inbox, id int64) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.await(ctx, id); !errors.Is(err, ErrTimeout) && !errors.Is(err, context.Canceled) {
		t.Fatalf("await(%d) on cancelled ctx = %v", id, err)
	}
}

func TestInbox_LateResponses(t *testing.T) {
	tests := []struct {
		name     string
		lateID   int64
		nextID   int64
		answerID int64
	}{
		{"matching ids", 1, 2, 2},
		{"server rewrites ids", 1001, 2, 1002},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newInbox(slog.New(slog.DiscardHandler), nil)
			abandon(t, b, 1)

			// Late reply arrives while the next request is in flight.
			b.deliver(reply(tt.lateID, "late"))
			b.deliver(reply(tt.answerID, "fresh"))
			if got := awaitValue(t, b, tt.nextID); got != `{"v":"fresh"}` {
				t.Errorf("result = %s, want fresh", got)
			}
			if len(b.stale) != 0 {
				t.Errorf("stale = %v, want empty", b.stale)
			}
		})
	}
}

func TestInbox_DrainBeforeWrite(t *testing.T) {
	b := newInbox(slog.New(slog.DiscardHandler), nil)
	abandon(t, b, 1)
	abandon(t, b, 2)

	// Both late replies arrived before the next write.
	b.deliver(reply(501, "late-1"))
	b.deliver(reply(502, "late-2"))
	b.drain()
	if len(b.stale) != 0 {
		t.Errorf("stale = %v after drain", b.stale)
	}

	b.deliver(reply(503, "fresh"))
	if got := awaitValue(t, b, 3); got != `{"v":"fresh"}` {
		t.Errorf("result = %s, want fresh", got)
	}
}

func TestInbox_MismatchWithoutAbandonedRequests(t *testing.T) {
	b := newInbox(slog.New(slog.DiscardHandler), nil)
	b.deliver(reply(77, "only"))
	if got := awaitValue(t, b, 1); got != `{"v":"only"}` {
		t.Errorf("result = %s", got)
	}
}

func TestInbox_BracketedLogLineIsQuiet(t *testing.T) {
	var logs bytes.Buffer
	b := newInbox(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelInfo})), nil)

	f := newFramer(bytes.NewReader([]byte("[INFO] starting server\n"+`{"jsonrpc":"2.0","id":1,"result":{}}`+"\n")), nil)
	for {
		data, err := f.Next()
		if err != nil {
			break
		}
		b.deliver(data)
	}

	if got := awaitValue(t, b, 1); got != `{}` {
		t.Errorf("result = %s", got)
	}
	if logs.Len() != 0 {
		t.Errorf("logged at info or above:\n%s", logs.String())
	}
}
