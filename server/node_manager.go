// Copyright 2021 Converter Systems LLC. All rights reserved.

package server

import (
	"context"

	"github.com/edgeconnect/opcua-core/ua"
)

// ResultKind discriminates what a NodeManager handed back for one
// request (spec.md §4.6): an immediately-ready response, a handle to an
// in-flight async call, or a subscription's publish reply source.
type ResultKind int

const (
	ResultSync ResultKind = iota
	ResultAsync
	ResultPublishQueue
)

// AsyncOutcome is what an async call eventually produces: either a
// response or the StatusCode it failed with.
type AsyncOutcome struct {
	Response ua.ServiceResponse
	Err      error
}

// HandlerResult is what NodeManager.HandleMessage returns for one
// dispatched request (spec.md §4.6).
type HandlerResult struct {
	Kind ResultKind

	// Valid when Kind == ResultSync.
	Response ua.ServiceResponse

	// Valid when Kind == ResultAsync. Cancel asks the call to stop;
	// cancellation is best-effort (spec.md §4.6) so its result is
	// discarded if it arrives after the controller's deadline fires.
	Done   <-chan AsyncOutcome
	Cancel context.CancelFunc

	// Valid when Kind == ResultPublishQueue: a subscription reply
	// source. No deadline race is applied to it (spec.md §4.6).
	Publish <-chan AsyncOutcome
}

// NodeManager is the address-space storage capability the session
// controller dispatches validated service requests to (spec.md §1:
// "address-space node storage: treated as a NodeManager capability").
// Concrete NodeManagers (Object/Variable/ObjectType storage, historians,
// ...) are out of scope for this core; only the dispatch contract is
// specified here.
type NodeManager interface {
	// HandleMessage attempts to service req for the given session and
	// user token. ok is false when this manager does not own any node
	// referenced by the request, letting the MessageHandler try the next
	// manager in its list.
	HandleMessage(ctx context.Context, req ua.ServiceRequest, session *Session, userToken any) (result HandlerResult, ok bool, err error)
}
