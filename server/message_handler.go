// Copyright 2021 Converter Systems LLC. All rights reserved.

package server

import (
	"context"

	"github.com/edgeconnect/opcua-core/ua"
	"github.com/gammazero/workerpool"
	"github.com/pkg/errors"
)

// MessageHandler dispatches validated service requests to one or more
// NodeManagers (spec.md §2 component 8, §4.6). It owns a bounded worker
// pool (drained by Stop), but HandleMessage calls each NodeManager
// directly and submits nothing to that pool: a NodeManager builds its own
// Async result, for example with DispatchAsync over a pool it holds.
type MessageHandler struct {
	managers []NodeManager
	pool     *workerpool.WorkerPool
}

// NewMessageHandler returns a handler dispatching to managers, owning a
// pool of maxConcurrentCalls workers.
func NewMessageHandler(managers []NodeManager, maxConcurrentCalls int) *MessageHandler {
	return &MessageHandler{
		managers: managers,
		pool:     workerpool.New(maxConcurrentCalls),
	}
}

// Stop drains the worker pool; call once the controller owning this
// handler is shutting down.
func (h *MessageHandler) Stop() { h.pool.StopWait() }

// HandleMessage tries each NodeManager in order until one claims the
// request, returning its HandlerResult (spec.md §4.6: Sync / Async /
// PublishQueue).
func (h *MessageHandler) HandleMessage(ctx context.Context, req ua.ServiceRequest, session *Session, userToken any) (handled HandlerResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			handled, err = HandlerResult{}, errors.Wrapf(ua.BadInternalError, "NodeManager panicked: %v", p)
		}
	}()
	for _, nm := range h.managers {
		result, ok, err := nm.HandleMessage(ctx, req, session, userToken)
		if err != nil {
			return HandlerResult{}, err
		}
		if ok {
			return result, nil
		}
	}
	return HandlerResult{}, errors.Wrap(ua.BadNodeIDUnknown, "no NodeManager claimed this request")
}

// DispatchAsync submits fn to the bounded worker pool and returns a
// HandlerResult of kind ResultAsync whose Done channel receives fn's
// outcome. Callers that need best-effort cancellation should have fn
// observe ctx.Done().
func DispatchAsync(pool *workerpool.WorkerPool, ctx context.Context, fn func(context.Context) (ua.ServiceResponse, error)) HandlerResult {
	cctx, cancel := context.WithCancel(ctx)
	done := make(chan AsyncOutcome, 1)
	pool.Submit(func() {
		defer func() {
			if p := recover(); p != nil {
				done <- AsyncOutcome{Err: errors.Wrapf(ua.BadInternalError, "async call panicked: %v", p)}
			}
		}()
		resp, err := fn(cctx)
		done <- AsyncOutcome{Response: resp, Err: err}
	})
	return HandlerResult{Kind: ResultAsync, Done: done, Cancel: cancel}
}
