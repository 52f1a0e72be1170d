// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/edgeconnect/opcua-core/transport"
	"github.com/edgeconnect/opcua-core/ua"
)

const (
	defaultSessionTimeout         = 60000.0 // milliseconds
	defaultTimeoutHint            = uint32(15000)
	defaultDiagnosticsHint        = uint32(0)
	defaultTokenRequestedLifetime = uint32(60000)
	defaultConnectTimeout         = int64(5000)
	defaultMaxMessageSize         = uint32(4 * 1024 * 1024)
	defaultBufferSize             = int64(64 * 1024)
	nonceLength                   = 32
)

// Option configures a Client during Dial.
type Option func(*Client) error

// WithUserIdentity sets the identity presented during ActivateSession:
// ua.AnonymousIdentity{}, ua.UserNameIdentity{...}, or ua.IssuedIdentity{...}.
func WithUserIdentity(identity any) Option {
	return func(c *Client) error {
		c.userIdentity = identity
		return nil
	}
}

// WithApplicationName sets the client's ApplicationDescription name.
func WithApplicationName(name string) Option {
	return func(c *Client) error {
		c.applicationName = name
		return nil
	}
}

// WithSessionTimeout requests a session inactivity timeout, in milliseconds.
func WithSessionTimeout(timeoutMs float64) Option {
	return func(c *Client) error {
		c.sessionTimeout = timeoutMs
		return nil
	}
}

// WithSecurityPolicyURI pins the channel to a specific security policy
// instead of the best-available one GetEndpoints offers.
func WithSecurityPolicyURI(uri string) Option {
	return func(c *Client) error {
		c.securityPolicyURI = uri
		return nil
	}
}

// WithSecurityMode pins the channel to a specific MessageSecurityMode.
func WithSecurityMode(mode ua.MessageSecurityMode) Option {
	return func(c *Client) error {
		c.securityMode = mode
		return nil
	}
}

// WithConnectTimeout overrides the Hello/Ack handshake deadline.
func WithConnectTimeout(timeoutMs int64) Option {
	return func(c *Client) error {
		c.connectTimeout = timeoutMs
		return nil
	}
}

// WithTokenRequestedLifetime overrides the requested_lifetime sent in
// OpenSecureChannelRequest.
func WithTokenRequestedLifetime(lifetimeMs uint32) Option {
	return func(c *Client) error {
		c.tokenLifetime = lifetimeMs
		return nil
	}
}

// WithMaxResponseMessageSize overrides the MaxResponseMessageSize sent
// in CreateSessionRequest.
func WithMaxResponseMessageSize(size uint32) Option {
	return func(c *Client) error {
		c.maxMessageSize = size
		return nil
	}
}

// WithConnector supplies the transport-specific (TCP framing, TLS)
// Connector used to reach the server. Transport I/O is an external
// collaborator (spec.md §1): Dial fails with BadConnectionClosed if no
// connector is supplied.
func WithConnector(connector transport.Connector) Option {
	return func(c *Client) error {
		c.connector = connector
		return nil
	}
}

// WithCodec supplies the ua.BodyCodec used to encode requests and
// decode responses. A complete binary codec is mechanically generated
// from the standard schema (spec.md §9) and is an external collaborator
// the same way it is for server.NewSessionController.
func WithCodec(codec ua.BodyCodec) Option {
	return func(c *Client) error {
		c.codec = codec
		return nil
	}
}

// getNextNonce returns a fresh random nonce of the given length, used
// for the client nonce sent in CreateSessionRequest (spec.md §4.2): it
// need not come from the negotiated SecurityPolicy since it is exchanged
// before a policy is necessarily active.
func getNextNonce(length int) []byte {
	b := make([]byte, length)
	_, _ = rand.Read(b)
	return b
}

// GetEndpoints asks the server named by req.EndpointURL for its endpoint
// descriptions, over a throwaway unsecured channel (spec.md §9:
// supplemented discovery stub, Non-goal beyond GetEndpoints/FindServers).
func GetEndpoints(ctx context.Context, connector transport.Connector, codec ua.BodyCodec, req *ua.GetEndpointsRequest) (*ua.GetEndpointsResponse, error) {
	resp, err := requestOverDiscoveryChannel(ctx, connector, codec, req.EndpointURL, req)
	if err != nil {
		return nil, err
	}
	getEndpointsResp, ok := resp.(*ua.GetEndpointsResponse)
	if !ok {
		return nil, ua.BadUnexpectedError
	}
	return getEndpointsResp, nil
}

// FindServers asks the server named by req.EndpointURL to describe
// itself (spec.md §9 discovery stub).
func FindServers(ctx context.Context, connector transport.Connector, codec ua.BodyCodec, req *ua.FindServersRequest) (*ua.FindServersResponse, error) {
	resp, err := requestOverDiscoveryChannel(ctx, connector, codec, req.EndpointURL, req)
	if err != nil {
		return nil, err
	}
	findServersResp, ok := resp.(*ua.FindServersResponse)
	if !ok {
		return nil, ua.BadUnexpectedError
	}
	return findServersResp, nil
}

func requestOverDiscoveryChannel(ctx context.Context, connector transport.Connector, codec ua.BodyCodec, endpointURL string, req ua.ServiceRequest) (ua.ServiceResponse, error) {
	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(defaultConnectTimeout)*time.Millisecond)
	defer cancel()
	ch := newClientSecureChannel(ua.ApplicationDescription{}, connector, codec, endpointURL, ua.SecurityPolicyURINone, ua.MessageSecurityModeNone, defaultConnectTimeout, defaultTimeoutHint, defaultDiagnosticsHint, defaultTokenRequestedLifetime)
	if err := ch.Open(connectCtx); err != nil {
		return nil, err
	}
	defer ch.Close(ctx)
	return ch.Request(ctx, req)
}
