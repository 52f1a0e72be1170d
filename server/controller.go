// Copyright 2021 Converter Systems LLC. All rights reserved.

package server

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/edgeconnect/opcua-core/transport"
	"github.com/edgeconnect/opcua-core/ua"
	"github.com/pkg/errors"
)

// Config holds the configuration recognized by the core (spec.md §6).
type Config struct {
	HelloTimeout                    time.Duration
	MaxSecureChannelTokenLifetimeMs uint32
	MaxTimeoutMs                    uint32
	DefaultTimeout                  time.Duration

	ServerDescription ua.ApplicationDescription
	Endpoints         []ua.EndpointDescription
}

// Diagnostics counts rejected requests, split out by whether the
// rejection was security-related (spec.md §7, §8 scenario 4).
type Diagnostics struct {
	RejectedCount         uint64
	SecurityRejectedCount uint64
}

func (d *Diagnostics) rejected(securityRelated bool) {
	d.RejectedCount++
	if securityRelated {
		d.SecurityRejectedCount++
	}
}

// controllerCommand is sent on the controller's command channel
// (spec.md §4.6 step 2).
type controllerCommand int

const commandClose controllerCommand = 0

const defaultMaxPendingTimeout = 24 * time.Hour

// completion is what an awaiter or publish-forwarder goroutine reports
// back to the controller's main loop once a pending call finishes, times
// out, or produces another notification (spec.md §4.6 step 3).
type completion struct {
	requestID     uint32
	requestHandle uint32
	outcome       ua.ServiceResponse
	err           error
}

// SessionController is the per-connection event loop (spec.md §2
// component 7, §4.6): it waits in one select on a deadline timer, a
// shutdown command, the multiset of pending async responses, and
// transport polls, and drives OpenSecureChannel/CreateSession/
// ActivateSession/CloseSession/service-call dispatch. The four sources
// are numbered below but carry no priority: when several are ready at
// once, select picks one of them at random.
type SessionController struct {
	channel      *ua.SecureChannel
	channelState *SecureChannelState
	codec        ua.BodyCodec

	sessions *SessionManager
	handler  *MessageHandler
	adapter  transport.Adapter
	config   Config
	diag     *Diagnostics

	deadline time.Time
	commands chan controllerCommand

	// helloProtocolVersion is the client_protocol_version the HEL message
	// carried, captured by the transport handshake before this controller
	// existed (spec.md §1 treats HEL/ACK as Connector/Adapter territory,
	// outside what this core parses). handleOpenSecureChannel compares
	// OpenSecureChannelRequest.ClientProtocolVersion against it per §4.5.
	helloProtocolVersion uint32
}

// NewSessionController wires up a controller for one freshly-accepted
// connection. channelIDGen is shared by every controller on this server
// so channel ids never collide (spec.md §4.5). helloProtocolVersion is
// the client_protocol_version negotiated during the HEL/ACK handshake
// that preceded this controller's construction; the caller (the
// transport layer that parsed HEL) is trusted to supply the real value.
func NewSessionController(
	channel *ua.SecureChannel,
	channelIDGen *atomic.Uint32,
	codec ua.BodyCodec,
	sessions *SessionManager,
	handler *MessageHandler,
	adapter transport.Adapter,
	config Config,
	helloProtocolVersion uint32,
) *SessionController {
	return &SessionController{
		channel:              channel,
		channelState:         NewSecureChannelState(channelIDGen),
		codec:                codec,
		sessions:             sessions,
		handler:              handler,
		adapter:              adapter,
		config:               config,
		diag:                 &Diagnostics{},
		deadline:             time.Now().Add(config.HelloTimeout),
		commands:             make(chan controllerCommand, 1),
		helloProtocolVersion: helloProtocolVersion,
	}
}

// Close requests orderly shutdown (spec.md §4.6 step 2): the running
// loop replies BadServerHalted and closes.
func (c *SessionController) Close() {
	select {
	case c.commands <- commandClose:
	default:
	}
}

// Diagnostics returns the connection's rejection counters.
func (c *SessionController) Diagnostics() *Diagnostics { return c.diag }

// Run drives the event loop until the connection closes, fatally errors,
// or is asked to close. It owns c.channel, c.channelState and its
// pending-request set exclusively: no locks are required on them
// (spec.md §5).
func (c *SessionController) Run(ctx context.Context) error {
	ctx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	completions := make(chan completion, 64)
	transportEvents := make(chan transport.PollResult, 16)
	transportErrs := make(chan error, 1)
	go c.pollLoop(ctx, transportEvents, transportErrs)

	pendingCancels := make(map[uint32]context.CancelFunc)

	timer := time.NewTimer(time.Until(c.deadline))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			// Source 1: deadline timer (spec.md §4.6 step 1).
			_ = c.adapter.SendError(ctx, ua.BadTimeout, "hello or token-renewal deadline exceeded")
			c.adapter.SetClosing()
			return ua.BadTimeout

		case cmd := <-c.commands:
			// Source 2: command channel (spec.md §4.6 step 2).
			if cmd == commandClose {
				_ = c.adapter.SendError(ctx, ua.BadServerHalted, "server halted")
				c.adapter.SetClosing()
				return ua.BadServerHalted
			}

		case comp := <-completions:
			// Source 3: pending async responses (spec.md §4.6 step
			// 3). This case is simply never selected while `completions`
			// has no pending senders, which is how Go naturally avoids
			// spurious wakeups on an empty set.
			delete(pendingCancels, comp.requestID)
			if err := c.sendCompletion(ctx, comp); err != nil {
				return err
			}

		case ev := <-transportEvents:
			// Source 4: transport poll (spec.md §4.6 step 4).
			deadline := c.deadline
			done, err := c.handleTransportEvent(ctx, ev, pendingCancels, completions)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			if !c.deadline.Equal(deadline) {
				// OpenSecureChannel moved the deadline to the token's
				// renewal time: rearm the timer for it.
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(time.Until(c.deadline))
			}

		case err := <-transportErrs:
			return errors.Wrap(err, "transport poll")
		}
	}
}

func (c *SessionController) pollLoop(ctx context.Context, out chan<- transport.PollResult, errs chan<- error) {
	for {
		result, err := c.adapter.Poll(ctx)
		if err != nil {
			select {
			case errs <- err:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- result:
		case <-ctx.Done():
			return
		}
		if result.Kind == transport.PollClosed {
			return
		}
	}
}

// handleTransportEvent processes one polled event. done is true once the
// connection has wound down cleanly (no further error to report).
func (c *SessionController) handleTransportEvent(ctx context.Context, ev transport.PollResult, pendingCancels map[uint32]context.CancelFunc, completions chan<- completion) (done bool, err error) {
	switch ev.Kind {
	case transport.PollIdle:
		return false, nil
	case transport.PollClosed:
		for _, cancel := range pendingCancels {
			cancel()
		}
		return true, nil
	case transport.PollFatalError:
		c.adapter.SetClosing()
		return false, ev.Status
	case transport.PollRecoverableError:
		fault := ua.NewServiceFault(ev.RequestHandle, ev.Status)
		return false, c.sendMessage(ctx, fault, ev.RequestID)
	case transport.PollIncomingMessage:
		return false, c.dispatchIncoming(ctx, ev.Message, pendingCancels, completions)
	default:
		return false, nil
	}
}

func (c *SessionController) dispatchIncoming(ctx context.Context, body []byte, pendingCancels map[uint32]context.CancelFunc, completions chan<- completion) error {
	req, err := c.codec.DecodeRequest(body)
	if err != nil {
		c.diag.rejected(false)
		return c.sendMessage(ctx, ua.NewServiceFault(0, ua.BadDecodingError), 0)
	}
	hdr := req.Header()
	// The transport layer already resolved chunk reassembly before
	// handing us this body (see transport.Adapter), so the only
	// correlation id left to tag the reply with is the header's own
	// RequestHandle.
	requestID := hdr.RequestHandle

	switch r := req.(type) {
	case *ua.OpenSecureChannelRequest:
		return c.handleOpenSecureChannel(ctx, r, requestID)
	case *ua.CloseSecureChannelRequest:
		c.adapter.SetClosing()
		return ua.BadConnectionClosed
	case *ua.CreateSessionRequest:
		return c.handleCreateSession(ctx, r, requestID)
	case *ua.ActivateSessionRequest:
		return c.handleActivateSession(ctx, r, requestID)
	case *ua.CloseSessionRequest:
		return c.handleCloseSession(ctx, r, requestID)
	case *ua.GetEndpointsRequest:
		return c.sendMessage(ctx, &ua.GetEndpointsResponse{
			ResponseHeader: ua.ResponseHeader{Timestamp: ua.Now(), RequestHandle: hdr.RequestHandle, ServiceResult: ua.Good},
			Endpoints:      c.config.Endpoints,
		}, requestID)
	case *ua.FindServersRequest:
		return c.sendMessage(ctx, &ua.FindServersResponse{
			ResponseHeader: ua.ResponseHeader{Timestamp: ua.Now(), RequestHandle: hdr.RequestHandle, ServiceResult: ua.Good},
			Servers:        []ua.ApplicationDescription{c.config.ServerDescription},
		}, requestID)
	case *ua.FindServersOnNetworkRequest:
		return c.sendFault(ctx, hdr.RequestHandle, requestID, ua.BadServiceUnsupported)
	case *ua.RegisterServerRequest:
		return c.sendFault(ctx, hdr.RequestHandle, requestID, ua.BadServiceUnsupported)
	case *ua.RegisterServer2Request:
		return c.sendFault(ctx, hdr.RequestHandle, requestID, ua.BadServiceUnsupported)
	default:
		return c.dispatchOther(ctx, req, requestID, pendingCancels, completions)
	}
}

func (c *SessionController) handleOpenSecureChannel(ctx context.Context, r *ua.OpenSecureChannelRequest, requestID uint32) error {
	token, err := c.channelState.Apply(c.channel, IssueOrRenewParams{
		RequestType:           r.RequestType,
		ClientProtocolVersion: r.ClientProtocolVersion,
		HelloProtocolVersion:  c.helloProtocolVersion,
		SecurityMode:          r.SecurityMode,
		ClientNonce:           []byte(r.ClientNonce),
		RequestedLifetime:     r.RequestedLifetime,
		MaxTokenLifetimeMs:    c.config.MaxSecureChannelTokenLifetimeMs,
	})
	if err != nil {
		c.diag.rejected(true)
		return c.sendFault(ctx, r.RequestHeader.RequestHandle, requestID, statusOf(err))
	}
	c.deadline = token.RenewalDeadline()
	return c.sendMessage(ctx, &ua.OpenSecureChannelResponse{
		ResponseHeader:        ua.ResponseHeader{Timestamp: ua.Now(), RequestHandle: r.RequestHeader.RequestHandle, ServiceResult: ua.Good},
		ServerProtocolVersion: r.ClientProtocolVersion,
		SecurityToken:         token,
		ServerNonce:           ua.ByteString(c.channel.LocalNonce()),
	}, requestID)
}

func (c *SessionController) handleCreateSession(ctx context.Context, r *ua.CreateSessionRequest, requestID uint32) error {
	timeout := r.RequestedSessionTimeout
	if timeout <= 0 {
		timeout = float64(c.config.DefaultTimeout.Milliseconds())
	}
	session := c.sessions.Create(timeout)
	// On a secured channel, sign the client nonce with this channel's
	// signing key: the proof client.Client.open verifies.
	var signature ua.SignatureData
	if key := c.channel.LocalKeys().SigningKey; len(key) > 0 {
		if sig, err := c.channel.SecurityPolicy().Sign([]byte(r.ClientNonce), key); err == nil {
			signature = ua.SignatureData{Algorithm: c.channel.SecurityPolicyURI(), Signature: ua.ByteString(sig)}
		}
	}
	return c.sendMessage(ctx, &ua.CreateSessionResponse{
		ResponseHeader:        ua.ResponseHeader{Timestamp: ua.Now(), RequestHandle: r.RequestHeader.RequestHandle, ServiceResult: ua.Good},
		SessionID:             session.SessionID,
		AuthenticationToken:   session.AuthenticationToken,
		RevisedSessionTimeout: session.TimeoutMs,
		ServerCertificate:     ua.ByteString(c.channel.LocalCertificate()),
		ServerSignature:       signature,
		MaxRequestMessageSize: uint32(r.MaxResponseMessageSize),
	}, requestID)
}

func (c *SessionController) handleActivateSession(ctx context.Context, r *ua.ActivateSessionRequest, requestID uint32) error {
	session, ok := c.sessions.Activate(r.RequestHeader.AuthenticationToken, c.channel.ChannelID, r.UserIdentityToken)
	if !ok {
		c.diag.rejected(true)
		return c.sendFault(ctx, r.RequestHeader.RequestHandle, requestID, ua.BadSessionIdInvalid)
	}
	session.touch(time.Now())
	return c.sendMessage(ctx, &ua.ActivateSessionResponse{
		ResponseHeader: ua.ResponseHeader{Timestamp: ua.Now(), RequestHandle: r.RequestHeader.RequestHandle, ServiceResult: ua.Good},
		ServerNonce:    ua.ByteString(c.channel.LocalNonce()),
	}, requestID)
}

func (c *SessionController) handleCloseSession(ctx context.Context, r *ua.CloseSessionRequest, requestID uint32) error {
	session, ok := c.sessions.Lookup(r.RequestHeader.AuthenticationToken)
	if ok {
		c.sessions.Close(session.SessionID)
	}
	return c.sendMessage(ctx, &ua.CloseSessionResponse{
		ResponseHeader: ua.ResponseHeader{Timestamp: ua.Now(), RequestHandle: r.RequestHeader.RequestHandle, ServiceResult: ua.Good},
	}, requestID)
}

// dispatchOther runs spec.md §4.7's four-check validation, then hands
// the request to the MessageHandler, racing an async result against the
// request's own deadline (spec.md §4.6).
func (c *SessionController) dispatchOther(ctx context.Context, req ua.ServiceRequest, requestID uint32, pendingCancels map[uint32]context.CancelFunc, completions chan<- completion) error {
	hdr := req.Header()
	validated, err := validateRequest(c.sessions, hdr.AuthenticationToken, c.channel.ChannelID, time.Now())
	if err != nil {
		c.diag.rejected(true)
		return c.sendFault(ctx, hdr.RequestHandle, requestID, statusOf(err))
	}

	result, err := c.handler.HandleMessage(ctx, req, validated.Session, validated.UserToken)
	if err != nil {
		c.diag.rejected(false)
		return c.sendFault(ctx, hdr.RequestHandle, requestID, statusOf(err))
	}

	switch result.Kind {
	case ResultSync:
		return c.sendMessage(ctx, result.Response, requestID)

	case ResultAsync:
		timeout := clampTimeout(hdr.TimeoutHint, c.config.MaxTimeoutMs)
		pendingCancels[requestID] = result.Cancel
		go awaitCompletion(ctx, requestID, hdr.RequestHandle, result.Done, result.Cancel, timeout, completions)
		return nil

	case ResultPublishQueue:
		reqCtx, cancel := context.WithCancel(ctx)
		pendingCancels[requestID] = cancel
		go forwardPublishQueue(reqCtx, requestID, hdr.RequestHandle, result.Publish, completions)
		return nil

	default:
		return c.sendFault(ctx, hdr.RequestHandle, requestID, ua.BadInternalError)
	}
}

// awaitCompletion races an async NodeManager call against its own
// deadline, converting whichever fires first into a single completion
// (spec.md §4.6: "Async handle" path, best-effort cancellation).
func awaitCompletion(ctx context.Context, requestID, requestHandle uint32, done <-chan AsyncOutcome, cancel context.CancelFunc, timeout time.Duration, out chan<- completion) {
	defer cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case outcome := <-done:
		out <- completion{requestID: requestID, requestHandle: requestHandle, outcome: outcome.Response, err: outcome.Err}
	case <-timer.C:
		out <- completion{requestID: requestID, requestHandle: requestHandle, err: ua.BadTimeout}
	case <-ctx.Done():
		// Controller is shutting down; cancellation is best-effort and
		// the result, if any, is discarded (spec.md §4.6).
	}
}

// forwardPublishQueue relays every notification a subscription produces
// until its source closes or the controller cancels it. No deadline
// races a publish response (spec.md §4.6).
func forwardPublishQueue(ctx context.Context, requestID, requestHandle uint32, publish <-chan AsyncOutcome, out chan<- completion) {
	for {
		select {
		case outcome, ok := <-publish:
			if !ok {
				return
			}
			select {
			case out <- completion{requestID: requestID, requestHandle: requestHandle, outcome: outcome.Response, err: outcome.Err}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *SessionController) sendCompletion(ctx context.Context, comp completion) error {
	if comp.err != nil {
		return c.sendMessage(ctx, ua.NewServiceFault(comp.requestHandle, statusOf(comp.err)), comp.requestID)
	}
	return c.sendMessage(ctx, comp.outcome, comp.requestID)
}

func (c *SessionController) sendMessage(ctx context.Context, resp ua.ServiceResponse, requestID uint32) error {
	body, err := c.codec.EncodeResponse(resp)
	if err != nil {
		return errors.Wrap(err, "encode response")
	}
	return c.adapter.Send(ctx, c.channel, body, requestID)
}

func (c *SessionController) sendFault(ctx context.Context, requestHandle, requestID uint32, code ua.StatusCode) error {
	return c.sendMessage(ctx, ua.NewServiceFault(requestHandle, code), requestID)
}

// clampTimeout applies spec.md §4.6's per-request deadline rule:
// max_timeout_ms is a floor, not a ceiling — a zero value honors the
// client's TimeoutHint as-is, otherwise the deadline is the longer of
// the hint and max_timeout_ms, falling back to a generous 24h when
// neither is set so a slow-but-legitimate async call is never killed by
// an accidental zero value.
func clampTimeout(timeoutHintMs, maxTimeoutMs uint32) time.Duration {
	if maxTimeoutMs == 0 {
		if timeoutHintMs == 0 {
			return defaultMaxPendingTimeout
		}
		return time.Duration(timeoutHintMs) * time.Millisecond
	}
	floor := time.Duration(maxTimeoutMs) * time.Millisecond
	if hint := time.Duration(timeoutHintMs) * time.Millisecond; hint > floor {
		return hint
	}
	return floor
}

// statusOf unwraps the StatusCode pkg/errors wrapped around, defaulting
// to BadInternalError for anything else (spec.md §4.10: panics and
// unrecognized errors never escape as anything but a StatusCode).
func statusOf(err error) ua.StatusCode {
	if err == nil {
		return ua.Good
	}
	if code, ok := errors.Cause(err).(ua.StatusCode); ok {
		return code
	}
	return ua.BadInternalError
}
