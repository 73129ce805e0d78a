package stream

import (
	"errors"

	"github.com/alejoacosta74/botstream/internal/dispatcher"
	"github.com/alejoacosta74/botstream/internal/retry"
)

var (
	// ErrMissingCredential is returned by Connect when the session has no token.
	// No transport is opened and no retry is scheduled.
	ErrMissingCredential = errors.New("missing auth credential")

	// ErrTransportOpenFailed wraps dial and handshake failures. They are retried.
	ErrTransportOpenFailed = errors.New("transport open failed")

	// ErrDecodeFailed is reported for an inbound frame that is not valid JSON.
	// The frame is dropped and the connection stays open.
	ErrDecodeFailed = dispatcher.ErrDecodeFailed

	// ErrUnknownMessageType marks a frame of a type no handler slot exists for.
	ErrUnknownMessageType = dispatcher.ErrUnknownMessageType

	// ErrReconnectBudgetExhausted is terminal until the next explicit Connect.
	ErrReconnectBudgetExhausted = retry.ErrBudgetExhausted

	// ErrNotConnected is returned by SendMessage outside the Connected state.
	ErrNotConnected = errors.New("not connected")

	// ErrPongTimeout is reported when the server stopped answering pings.
	ErrPongTimeout = errors.New("pong timeout")

	// ErrManagerClosed is returned by any call after teardown.
	ErrManagerClosed = errors.New("connection manager closed")
)
