// Copyright 2021 Converter Systems LLC. All rights reserved.

// Package transport specifies the external collaborator the session
// controller consumes for I/O: a duplex, chunk-oriented transport over
// TCP framing and TLS (spec.md §1, §2 component 5). Concrete
// implementations (raw TCP, TLS, an in-memory pipe for tests) live
// outside this core.
package transport

import (
	"context"

	"github.com/edgeconnect/opcua-core/ua"
)

// PollResultKind discriminates the outcomes TransportAdapter.Poll can
// yield (spec.md §2 component 5).
type PollResultKind int

const (
	PollIdle PollResultKind = iota
	PollIncomingMessage
	PollRecoverableError
	PollFatalError
	PollClosed
)

// PollResult is what one call to Adapter.Poll returns.
type PollResult struct {
	Kind PollResultKind

	// Valid when Kind == PollIncomingMessage.
	Message []byte

	// Valid when Kind == PollRecoverableError or PollFatalError.
	Status        ua.StatusCode
	RequestID     uint32
	RequestHandle uint32
}

// Adapter is the duplex, chunk-oriented interface the session
// controller polls and writes through (spec.md §2 component 5:
// TransportAdapter). poll()/enqueue_message_for_send()/enqueue_error()/
// set_closing() map onto Poll/Send/SendError/SetClosing.
type Adapter interface {
	// Poll returns the next available event without blocking longer than
	// ctx allows; the controller calls it once per event-loop iteration.
	Poll(ctx context.Context) (PollResult, error)

	// Send enqueues an assembled message for transmission over channel,
	// tagged with requestID so the peer can pair it with its request.
	Send(ctx context.Context, channel *ua.SecureChannel, message []byte, requestID uint32) error

	// SendError enqueues a fatal TCP ERR message carrying code and a
	// human-readable reason, then the adapter is expected to close.
	SendError(ctx context.Context, code ua.StatusCode, reason string) error

	// SetClosing marks the adapter as draining: no further sends are
	// accepted but in-flight ones may complete.
	SetClosing()

	// Close releases the underlying connection immediately.
	Close() error
}

// Connector yields a fresh Adapter for a newly-accepted connection,
// standing in for TCP framing + TLS negotiation (spec.md §1: "transport-
// specific I/O (TCP framing, TLS): treated as a Connector").
type Connector interface {
	Connect(ctx context.Context) (Adapter, error)
}
