package mcp

import (
	"context"
	"log/slog"
	"sync"
)

// inbox collects frames read by a transport's background reader and
// hands responses to the single in-flight Send. Requests are never
// pipelined, so at most one waiter exists at a time.
//
// A request abandoned on timeout leaves its id in the stale set; when
// its late response arrives it is dropped instead of being mistaken for
// the answer to the next request. Servers answer in order, so a
// response with an unknown id while requests are abandoned is charged to
// the oldest of them. Any other id mismatch is tolerated with a warning
// and the response is returned.
type inbox struct {
	logger *slog.Logger
	notify NotificationHandler

	responses chan *Response
	done      chan struct{}

	mu      sync.Mutex
	stale   map[int64]struct{}
	readErr error
	closed  bool
}

func newInbox(logger *slog.Logger, notify NotificationHandler) *inbox {
	return &inbox{
		logger:    logger,
		notify:    notify,
		responses: make(chan *Response, 16),
		done:      make(chan struct{}),
		stale:     make(map[int64]struct{}),
	}
}

// deliver classifies one raw frame. Called from the reader goroutine.
func (b *inbox) deliver(data []byte) {
	msg, err := decodeMessage(data)
	if err != nil {
		// Usually a log line that happens to start with '[' or '{'.
		b.logger.Debug("discarding unparseable message",
			"error", err,
			"data", truncate(string(data), 200),
		)
		return
	}

	switch {
	case msg.isNotification():
		b.logger.Debug("server notification", "method", msg.Method)
		if b.notify != nil {
			b.notify(msg.Method, msg.Params)
		}
	case msg.Method != "":
		b.logger.Debug("ignoring server-initiated request",
			"method", msg.Method,
			"id", string(msg.ID),
		)
	default:
		select {
		case b.responses <- msg.response():
		case <-b.done:
		}
	}
}

// fail records the reader's terminal error and wakes any waiter.
func (b *inbox) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.readErr = err
	close(b.done)
}

// drain discards responses nobody is waiting for. Transports call it
// before each write, while holding the request slot.
func (b *inbox) drain() {
	for {
		select {
		case resp := <-b.responses:
			got, ok := resp.IntID()
			if !b.late(got, ok) {
				b.logger.Warn("dropping unsolicited response", "id", string(resp.ID))
			}
		default:
			return
		}
	}
}

// late reports whether a response with id got answers an abandoned
// request, and forgets that request.
func (b *inbox) late(got int64, ok bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		if _, isStale := b.stale[got]; isStale {
			delete(b.stale, got)
			b.logger.Debug("dropping late response to abandoned request", "id", got)
			return true
		}
	}
	if len(b.stale) == 0 {
		return false
	}
	oldest := int64(-1)
	for id := range b.stale {
		if oldest < 0 || id < oldest {
			oldest = id
		}
	}
	delete(b.stale, oldest)
	b.logger.Debug("dropping unmatched response as late reply to abandoned request",
		"id", oldest,
		"got", got,
	)
	return true
}

// await blocks until the response to request id arrives.
func (b *inbox) await(ctx context.Context, id int64) (*Response, error) {
	for {
		select {
		case resp := <-b.responses:
			got, ok := resp.IntID()
			if ok && got == id {
				return resp, nil
			}
			if b.late(got, ok) {
				continue
			}
			b.logger.Warn("response id does not match request",
				"want", id,
				"got", string(resp.ID),
			)
			return resp, nil

		case <-b.done:
			b.mu.Lock()
			err := b.readErr
			b.mu.Unlock()
			return nil, connectionError("transport closed while awaiting response", err)

		case <-ctx.Done():
			b.mu.Lock()
			b.stale[id] = struct{}{}
			b.mu.Unlock()
			return nil, classify("awaiting response", ctx.Err())
		}
	}
}
