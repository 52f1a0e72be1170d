// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeconnect/opcua-core/transport"
	"github.com/edgeconnect/opcua-core/ua"
	"github.com/pkg/errors"
)

// pendingRequest is what Request waits on while a call is in flight.
type pendingRequest struct {
	resp chan ua.ServiceResponse
	err  chan error
}

// clientSecureChannel owns the client side of a single secure channel:
// the Connector-obtained Adapter, the ua.SecureChannel security state,
// and the request/response correlation a SessionController performs on
// the server side of the same connection (spec.md §4.8). Unlike the
// server's SessionController, nothing here multiplexes more than one
// channel, so a plain mutex plus a pending-request map replaces the
// controller's event loop.
type clientSecureChannel struct {
	localDescription ua.ApplicationDescription
	endpointURL      string
	connector        transport.Connector
	codec            ua.BodyCodec

	connectTimeout         int64
	timeoutHint            uint32
	diagnosticsHint        uint32
	tokenRequestedLifetime uint32

	channel *ua.SecureChannel
	adapter transport.Adapter

	maxRequestMessageSize uint32
	namespaceURIs         []string
	serverURIs            []string
	authenticationToken   ua.NodeID

	requestHandle atomic.Uint32
	closing       atomic.Bool

	mu      sync.Mutex
	pending map[uint32]pendingRequest
}

func newClientSecureChannel(
	localDescription ua.ApplicationDescription,
	connector transport.Connector,
	codec ua.BodyCodec,
	endpointURL string,
	securityPolicyURI string,
	securityMode ua.MessageSecurityMode,
	connectTimeout int64,
	timeoutHint uint32,
	diagnosticsHint uint32,
	tokenRequestedLifetime uint32,
) *clientSecureChannel {
	policy, err := ua.NewSecurityPolicy(securityPolicyURI)
	if err != nil {
		policy, _ = ua.NewSecurityPolicy(ua.SecurityPolicyURINone)
	}
	return &clientSecureChannel{
		localDescription:       localDescription,
		connector:              connector,
		codec:                  codec,
		endpointURL:            endpointURL,
		connectTimeout:         connectTimeout,
		timeoutHint:            timeoutHint,
		diagnosticsHint:        diagnosticsHint,
		tokenRequestedLifetime: tokenRequestedLifetime,
		channel:                ua.NewSecureChannel(nil, securityMode, policy),
		pending:                map[uint32]pendingRequest{},
	}
}

// Open connects through the Connector and exchanges OpenSecureChannel
// to establish the token and derived keys (spec.md §4.2/§4.5, client
// side of the Issue transition).
func (ch *clientSecureChannel) Open(ctx context.Context) error {
	if ch.connector == nil {
		return errors.Wrap(ua.BadConnectionClosed, "no transport.Connector configured")
	}

	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(ch.connectTimeout)*time.Millisecond)
	defer cancel()
	adapter, err := ch.connector.Connect(connectCtx)
	if err != nil {
		return errors.Wrap(err, "connect")
	}
	ch.adapter = adapter

	go ch.recvLoop()

	localNonce, err := ch.channel.CreateLocalNonce()
	if err != nil {
		return err
	}

	req := &ua.OpenSecureChannelRequest{
		RequestHeader:         ua.RequestHeader{TimeoutHint: ch.timeoutHint},
		ClientProtocolVersion: 0,
		RequestType:           ua.SecurityTokenRequestTypeIssue,
		SecurityMode:          ch.channel.SecurityMode(),
		ClientNonce:           ua.ByteString(localNonce),
		RequestedLifetime:     ch.tokenRequestedLifetime,
	}
	resp, err := ch.Request(ctx, req)
	if err != nil {
		return err
	}
	openResp, ok := resp.(*ua.OpenSecureChannelResponse)
	if !ok {
		return ua.BadUnexpectedError
	}
	if !openResp.ResponseHeader.ServiceResult.IsGood() {
		return openResp.ResponseHeader.ServiceResult
	}

	securityToken := openResp.SecurityToken
	if !openResp.ResponseHeader.Timestamp.IsNull() {
		// spec.md §4.8: on the first OpenSecureChannel response, measure
		// the clock skew against the peer, fold it into the token's
		// created_at so the renewal-deadline math stays in local time,
		// and remember it for every later request header.
		offset := openResp.ResponseHeader.Timestamp.Sub(ua.Now())
		securityToken.CreatedAt = securityToken.CreatedAt.Add(-offset)
		ch.channel.SetClientOffset(ch.channel.ClientOffset() + offset)
	}

	ch.channel.ChannelID = securityToken.ChannelID
	ch.channel.SetSecurityToken(securityToken)
	ch.channel.SetRemoteNonce([]byte(openResp.ServerNonce))
	if err := ch.channel.DeriveKeys(); err != nil {
		return err
	}
	return nil
}

// recvLoop pumps the adapter and hands every reassembled response to
// the pending caller its RequestHandle names; it runs for the lifetime
// of the channel, same role as the server's pollLoop goroutine.
func (ch *clientSecureChannel) recvLoop() {
	ctx := context.Background()
	for {
		ev, err := ch.adapter.Poll(ctx)
		if err != nil {
			ch.failAllPending(err)
			return
		}
		switch ev.Kind {
		case transport.PollIdle:
			continue
		case transport.PollClosed:
			ch.failAllPending(ua.BadConnectionClosed)
			return
		case transport.PollFatalError:
			ch.failAllPending(ev.Status)
			return
		case transport.PollRecoverableError:
			ch.failPending(ev.RequestHandle, ev.Status)
		case transport.PollIncomingMessage:
			resp, err := ch.codec.DecodeResponse(ev.Message)
			if err != nil {
				continue
			}
			ch.completePending(resp.Header().RequestHandle, resp)
		}
	}
}

func (ch *clientSecureChannel) failAllPending(err error) {
	ch.mu.Lock()
	pending := ch.pending
	ch.pending = map[uint32]pendingRequest{}
	ch.mu.Unlock()
	for _, p := range pending {
		p.err <- err
	}
}

func (ch *clientSecureChannel) failPending(requestHandle uint32, code ua.StatusCode) {
	ch.mu.Lock()
	p, ok := ch.pending[requestHandle]
	if ok {
		delete(ch.pending, requestHandle)
	}
	ch.mu.Unlock()
	if ok {
		p.err <- code
	}
}

func (ch *clientSecureChannel) completePending(requestHandle uint32, resp ua.ServiceResponse) {
	ch.mu.Lock()
	p, ok := ch.pending[requestHandle]
	if ok {
		delete(ch.pending, requestHandle)
	}
	ch.mu.Unlock()
	if ok {
		p.resp <- resp
	}
}

// Request sends req and waits for the matching response, or for ctx to
// expire. RequestHandle doubles as the transport correlation id, same
// convention the server's controller documents for Adapter.Send.
func (ch *clientSecureChannel) Request(ctx context.Context, req ua.ServiceRequest) (ua.ServiceResponse, error) {
	if ch.closing.Load() {
		return nil, ua.BadConnectionClosed
	}
	handle := ch.requestHandle.Add(1)
	hdr := req.Header()
	hdr.RequestHandle = handle
	if hdr.AuthenticationToken.IsNull() {
		hdr.AuthenticationToken = ch.authenticationToken
	}
	if hdr.TimeoutHint == 0 {
		hdr.TimeoutHint = ch.timeoutHint
	}
	hdr.ReturnDiagnostics = ua.DiagnosticBits(ch.diagnosticsHint)
	hdr.Timestamp = ua.NowWithOffset(ch.channel.ClientOffset())

	p := pendingRequest{resp: make(chan ua.ServiceResponse, 1), err: make(chan error, 1)}
	ch.mu.Lock()
	ch.pending[handle] = p
	ch.mu.Unlock()

	body, err := ch.codec.EncodeRequest(req)
	if err != nil {
		ch.mu.Lock()
		delete(ch.pending, handle)
		ch.mu.Unlock()
		return nil, errors.Wrap(err, "encode request")
	}
	if err := ch.adapter.Send(ctx, ch.channel, body, handle); err != nil {
		ch.mu.Lock()
		delete(ch.pending, handle)
		ch.mu.Unlock()
		return nil, errors.Wrap(err, "send request")
	}

	select {
	case resp := <-p.resp:
		return resp, nil
	case err := <-p.err:
		return nil, err
	case <-ctx.Done():
		ch.mu.Lock()
		delete(ch.pending, handle)
		ch.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Close sends CloseSecureChannel (which, per spec.md §6, gets no
// response - the server simply closes its side) and releases the
// transport.
func (ch *clientSecureChannel) Close(ctx context.Context) error {
	if ch.closing.Swap(true) {
		return nil
	}
	req := &ua.CloseSecureChannelRequest{RequestHeader: ua.RequestHeader{RequestHandle: ch.requestHandle.Add(1)}}
	if body, err := ch.codec.EncodeRequest(req); err == nil {
		_ = ch.adapter.Send(ctx, ch.channel, body, req.RequestHeader.RequestHandle)
	}
	if ch.adapter != nil {
		return ch.adapter.Close()
	}
	return nil
}

// Abort releases the transport without the CloseSecureChannel exchange.
func (ch *clientSecureChannel) Abort(ctx context.Context) {
	if ch.closing.Swap(true) {
		return
	}
	if ch.adapter != nil {
		ch.adapter.Close()
	}
}

func (ch *clientSecureChannel) IsClosing() bool { return ch.closing.Load() }

// SecureChannel exposes the underlying ua.SecureChannel for callers
// (client.go) that need its derived keys or negotiated SecurityPolicy,
// e.g. to protect a user identity token.
func (ch *clientSecureChannel) SecureChannel() *ua.SecureChannel { return ch.channel }

// SetAuthenticationToken stamps token onto every RequestHeader that
// doesn't already carry one, once ActivateSession has established a
// session on this channel.
func (ch *clientSecureChannel) SetAuthenticationToken(token ua.NodeID) {
	ch.authenticationToken = token
}

func (ch *clientSecureChannel) NamespaceURIs() []string { return ch.namespaceURIs }

func (ch *clientSecureChannel) SetNamespaceURIs(uris []string) { ch.namespaceURIs = uris }
func (ch *clientSecureChannel) SetServerURIs(uris []string)    { ch.serverURIs = uris }
