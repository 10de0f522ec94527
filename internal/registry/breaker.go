package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/nugget/mcplink/internal/events"
	"github.com/nugget/mcplink/internal/mcp"
)

// BreakerSettings tunes the per-server circuit breaker.
type BreakerSettings struct {
	MaxRequests  uint32        // calls allowed while half-open
	Interval     time.Duration // closed-state counter reset period
	Timeout      time.Duration // how long the breaker stays open
	MinRequests  uint32        // calls observed before the breaker may trip
	FailureRatio float64
}

// DefaultBreakerSettings trips after 60% of at least 3 calls fail and
// stays open for 30 seconds.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  3,
		FailureRatio: 0.6,
	}
}

// ErrBreakerOpen is returned when a call is rejected without reaching
// the server.
var ErrBreakerOpen = errors.New("circuit breaker open")

// breaker wraps tool calls to one server.
type breaker struct {
	cb *gobreaker.CircuitBreaker[*mcp.CallToolResult]
}

func newBreaker(server string, s BreakerSettings, logger *slog.Logger, bus *events.Bus) *breaker {
	d := DefaultBreakerSettings()
	if s.MinRequests == 0 {
		s.MinRequests = d.MinRequests
	}
	if s.FailureRatio <= 0 {
		s.FailureRatio = d.FailureRatio
	}

	settings := gobreaker.Settings{
		Name:        server,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= s.FailureRatio
		},
		// A JSON-RPC error means the server answered; only transport
		// failures and timeouts count against it.
		IsSuccessful: func(err error) bool {
			var rpcErr *mcp.RPCError
			return err == nil || errors.As(err, &rpcErr)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("MCP circuit breaker state changed",
				"mcp_server", name,
				"from", from.String(),
				"to", to.String(),
			)
			bus.Emit(events.KindBreakerState, name, map[string]any{
				"from": from.String(),
				"to":   to.String(),
			})
		},
	}
	return &breaker{cb: gobreaker.NewCircuitBreaker[*mcp.CallToolResult](settings)}
}

// call runs fn unless the breaker is open.
func (b *breaker) call(fn func() (*mcp.CallToolResult, error)) (*mcp.CallToolResult, error) {
	res, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w for server %s: %v", ErrBreakerOpen, b.cb.Name(), err)
	}
	return res, err
}

// state returns "closed", "half-open" or "open".
func (b *breaker) state() string {
	return b.cb.State().String()
}

func (b *breaker) counts() gobreaker.Counts {
	return b.cb.Counts()
}
