package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

// timeoutErr implements net.Error so classification of SDK transport
// errors can be exercised without a real connection.
type timeoutErr struct {
	msg     string
	timeout bool
}

func (e *timeoutErr) Error() string   { return e.msg }
func (e *timeoutErr) Timeout() bool   { return e.timeout }
func (e *timeoutErr) Temporary() bool { return false }

var _ net.Error = (*timeoutErr)(nil)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want RecoveryAction
	}{
		{"nil", nil, NoRetry},
		{"canceled", context.Canceled, NoRetry},
		{"deadline", context.DeadlineExceeded, NoRetry},
		{"wrapped cancel", fmt.Errorf("tool call: %w", context.Canceled), NoRetry},
		{"eof", io.EOF, RetryNewSession},
		{"unexpected eof", io.ErrUnexpectedEOF, RetryNewSession},
		{"wrapped eof", fmt.Errorf("read frame: %w", io.EOF), RetryNewSession},
		{"refused", errors.New("dial tcp 127.0.0.1:3001: connection refused"), RetryNewSession},
		{"reset", errors.New("read tcp: connection reset by peer"), RetryNewSession},
		{"broken pipe", errors.New("write: broken pipe"), RetryNewSession},
		{"unknown host", errors.New("lookup toolserver: no such host"), RetryNewSession},
		// "use of closed network connection" is deliberately not in the
		// connection indicator list; closing is usually our own doing.
		{"closed by us", errors.New("use of closed network connection"), NoRetry},
		{"method not found", errors.New("jsonrpc: method not found"), NoRetry},
		{"invalid params", errors.New("invalid params: args must be an object"), NoRetry},
		{"parse error", errors.New("parse error: unexpected token"), NoRetry},
		{"net timeout", &timeoutErr{msg: "i/o timeout", timeout: true}, NoRetry},
		{"net non-timeout", &timeoutErr{msg: "connect: network unreachable"}, RetryNewSession},
		{"unclassified", errors.New("tool exploded for no reason"), NoRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}
