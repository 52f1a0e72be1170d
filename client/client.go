// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/djherbis/buffer"
	"github.com/edgeconnect/opcua-core/transport"
	"github.com/edgeconnect/opcua-core/ua"
)

var (
	host, _ = os.Hostname()
)

// Dial establishes a secure channel and session with the OPC UA server
// at endpointURL: GetEndpoints, pick the best endpoint the caller's
// options admit, OpenSecureChannel, CreateSession, ActivateSession.
func Dial(ctx context.Context, endpointURL string, opts ...Option) (c *Client, err error) {
	cli := &Client{
		endpointURL:       endpointURL,
		userIdentity:      ua.AnonymousIdentity{},
		applicationName:   "application",
		sessionTimeout:    defaultSessionTimeout,
		securityPolicyURI: ua.SecurityPolicyURIBestAvailable,
		timeoutHint:       defaultTimeoutHint,
		diagnosticsHint:   defaultDiagnosticsHint,
		tokenLifetime:     defaultTokenRequestedLifetime,
		connectTimeout:    defaultConnectTimeout,
		maxMessageSize:    defaultMaxMessageSize,
	}

	for _, opt := range opts {
		if err := opt(cli); err != nil {
			return nil, err
		}
	}
	if cli.connector == nil {
		return nil, ua.BadConnectionClosed
	}
	if cli.codec == nil {
		return nil, ua.BadServiceUnsupported
	}

	res, err := GetEndpoints(ctx, cli.connector, cli.codec, &ua.GetEndpointsRequest{
		EndpointURL: endpointURL,
		ProfileURIs: []string{ua.TransportProfileURIUaTcpTransport},
	})
	if err != nil {
		return nil, err
	}

	orderedEndpoints := res.Endpoints
	sort.Slice(orderedEndpoints, func(i, j int) bool {
		return orderedEndpoints[i].SecurityLevel > orderedEndpoints[j].SecurityLevel // highest security level first
	})

	securityPolicyURI := cli.securityPolicyURI
	securityMode := cli.securityMode

	var selectedEndpoint *ua.EndpointDescription
	for i := range orderedEndpoints {
		e := &orderedEndpoints[i]
		switch e.SecurityPolicyURI {
		case ua.SecurityPolicyURINone, ua.SecurityPolicyURIBasic256Sha256,
			ua.SecurityPolicyURIAes128Sha256RsaOaep, ua.SecurityPolicyURIAes256Sha256RsaPss:
		default:
			continue
		}
		if (securityPolicyURI == "" || e.SecurityPolicyURI == securityPolicyURI) &&
			(securityMode == ua.MessageSecurityModeInvalid || e.SecurityMode == securityMode) {
			selectedEndpoint = e
			break
		}
	}
	if selectedEndpoint == nil {
		return nil, ua.BadSecurityModeRejected
	}
	if !cli.forcedEndpoint {
		cli.endpointURL = selectedEndpoint.EndpointURL
	}

	cli.securityPolicyURI = selectedEndpoint.SecurityPolicyURI
	cli.securityMode = selectedEndpoint.SecurityMode
	cli.userTokenPolicies = selectedEndpoint.UserIdentityTokens

	cli.localDescription = ua.ApplicationDescription{
		ApplicationName: ua.LocalizedText{Text: cli.applicationName},
		ApplicationType: ua.ApplicationTypeClient,
		ApplicationURI:  fmt.Sprintf("urn:%s:%s", host, cli.applicationName),
	}

	cli.channel = newClientSecureChannel(
		cli.localDescription,
		cli.connector,
		cli.codec,
		cli.endpointURL,
		cli.securityPolicyURI,
		cli.securityMode,
		cli.connectTimeout,
		cli.timeoutHint,
		cli.diagnosticsHint,
		cli.tokenLifetime)

	if err := cli.open(ctx); err != nil {
		cli.Abort(ctx)
		return nil, err
	}

	return cli, nil
}

// Client exchanges binary-encoded requests and responses with an OPC UA
// server over a single secure channel and session.
type Client struct {
	channel           *clientSecureChannel
	connector         transport.Connector
	codec             ua.BodyCodec
	localDescription  ua.ApplicationDescription
	endpointURL       string
	securityPolicyURI string
	securityMode      ua.MessageSecurityMode
	userTokenPolicies []ua.UserTokenPolicy
	userIdentity      any
	sessionID         ua.NodeID
	sessionName       string
	applicationName   string
	sessionTimeout    float64
	timeoutHint       uint32
	diagnosticsHint   uint32
	tokenLifetime     uint32
	connectTimeout    int64
	maxMessageSize    uint32
	forcedEndpoint    bool
}

// EndpointURL gets the EndpointURL of the server.
func (ch *Client) EndpointURL() string { return ch.endpointURL }

// SecurityPolicyURI gets the SecurityPolicyURI of the secure channel.
func (ch *Client) SecurityPolicyURI() string { return ch.securityPolicyURI }

// SecurityMode gets the MessageSecurityMode of the secure channel.
func (ch *Client) SecurityMode() ua.MessageSecurityMode { return ch.securityMode }

// SessionID gets the id of the current session.
func (ch *Client) SessionID() ua.NodeID { return ch.sessionID }

// SessionTimeout gets the maximum number of milliseconds that the
// session will remain open without activity.
func (ch *Client) SessionTimeout() float64 { return ch.sessionTimeout }

// MaxRequestMessageSize gets the maximum size for the body of any
// request message. Zero equals no limit.
func (ch *Client) MaxRequestMessageSize() uint32 { return ch.channel.maxRequestMessageSize }

// IsClosing returns true when the client is closing.
func (ch *Client) IsClosing() bool { return ch.channel.IsClosing() }

func (ch *Client) request(ctx context.Context, req ua.ServiceRequest) (ua.ServiceResponse, error) {
	resp, err := ch.channel.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	if fault, ok := resp.(*ua.ServiceFault); ok {
		return nil, fault.ResponseHeader.ServiceResult
	}
	return resp, nil
}

// open opens the secure channel, creates and activates a session, and
// reads the namespace/server URI tables (spec.md §4.6 client side).
func (ch *Client) open(ctx context.Context) error {
	if err := ch.channel.Open(ctx); err != nil {
		return err
	}

	localNonce := getNextNonce(nonceLength)
	createSessionResponse, err := ch.createSession(ctx, &ua.CreateSessionRequest{
		ClientDescription:       ch.localDescription,
		EndpointURL:             ch.endpointURL,
		SessionName:             ch.sessionName,
		ClientNonce:             ua.ByteString(localNonce),
		RequestedSessionTimeout: ch.sessionTimeout,
		MaxResponseMessageSize:  ch.maxMessageSize,
	})
	if err != nil {
		return err
	}
	ch.sessionID = createSessionResponse.SessionID
	ch.channel.SetAuthenticationToken(createSessionResponse.AuthenticationToken)
	ch.sessionTimeout = createSessionResponse.RevisedSessionTimeout
	ch.channel.maxRequestMessageSize = createSessionResponse.MaxRequestMessageSize

	// The server's signature ties CreateSessionResponse to the secure
	// channel it was issued over: it signs the client nonce with the
	// channel's own derived signing key, so only a party holding that
	// key (i.e. the peer of this exact channel) could have produced it.
	// This replaces the X.509/RSA application-instance signature the
	// full specification uses, which has no counterpart in this core's
	// nonce+HKDF-only SecurityPolicy.
	signingKey := ch.channel.SecureChannel().RemoteKeys().SigningKey
	if len(signingKey) > 0 {
		if err := ch.channel.SecureChannel().SecurityPolicy().Verify(localNonce, []byte(createSessionResponse.ServerSignature.Signature), signingKey); err != nil {
			return ua.BadApplicationSignatureInvalid
		}
	}

	identityToken, err := ch.buildIdentityToken()
	if err != nil {
		return err
	}

	activateSessionResponse, err := ch.activateSession(ctx, &ua.ActivateSessionRequest{
		LocaleIDs:         []string{"en"},
		UserIdentityToken: identityToken,
	})
	if err != nil {
		return err
	}
	// ActivateSession hands back a fresh server nonce for this session,
	// same role as the one OpenSecureChannel supplied: it is what the
	// next identity-token encryption (protect) binds against, so a token
	// captured off this exchange can't be replayed once the session
	// nonce rolls forward.
	if nonce := []byte(activateSessionResponse.ServerNonce); len(nonce) > 0 {
		ch.channel.SecureChannel().SetRemoteNonce(nonce)
	}

	readResponse, err := ch.Read(ctx, &ua.ReadRequest{
		NodesToRead: []ua.ReadValueID{
			{NodeID: ua.VariableIDServerNamespaceArray, AttributeID: ua.AttributeIDValue},
			{NodeID: ua.VariableIDServerServerArray, AttributeID: ua.AttributeIDValue},
		},
	})
	if err != nil {
		return err
	}
	if len(readResponse.Results) == 2 {
		if dataValueGood(readResponse.Results[0]) {
			if uris, ok := readResponse.Results[0].Value.([]string); ok {
				ch.channel.SetNamespaceURIs(uris)
			}
		}
		if dataValueGood(readResponse.Results[1]) {
			if uris, ok := readResponse.Results[1].Value.([]string); ok {
				ch.channel.SetServerURIs(uris)
			}
		}
	}
	return nil
}

// buildIdentityToken maps the configured user identity onto one of the
// token policies the selected endpoint advertised. Passwords and issued
// tokens are protected with the channel's own symmetric SecurityPolicy
// (Encrypt) rather than RSA-wrapped to a server certificate, consistent
// with this core's certificate-free security model; X509Identity is not
// supported for the same reason (no application-instance signing key).
func (ch *Client) buildIdentityToken() (any, error) {
	switch ui := ch.userIdentity.(type) {
	case ua.IssuedIdentity:
		policy := findTokenPolicy(ch.userTokenPolicies, ua.UserTokenTypeIssuedToken)
		if policy == nil {
			return nil, ua.BadIdentityTokenRejected
		}
		data, alg := ch.protect([]byte(ui.TokenData))
		return ua.IssuedIdentityToken{TokenData: ua.ByteString(data), EncryptionAlgorithm: alg, PolicyID: policy.PolicyID}, nil

	case ua.UserNameIdentity:
		policy := findTokenPolicy(ch.userTokenPolicies, ua.UserTokenTypeUserName)
		if policy == nil {
			return nil, ua.BadIdentityTokenRejected
		}
		data, alg := ch.protect([]byte(ui.Password))
		return ua.UserNameIdentityToken{UserName: ui.UserName, Password: ua.ByteString(data), EncryptionAlgorithm: alg, PolicyID: policy.PolicyID}, nil

	default:
		policy := findTokenPolicy(ch.userTokenPolicies, ua.UserTokenTypeAnonymous)
		if policy == nil {
			return nil, ua.BadIdentityTokenRejected
		}
		return ua.AnonymousIdentityToken{PolicyID: policy.PolicyID}, nil
	}
}

// protect binds plaintext to the channel's current remote nonce (so a
// captured identity token can't be replayed against a later session on
// the same channel) and encrypts the result under the channel's remote
// keys when the channel is secured, otherwise it returns the plaintext
// unmodified (spec.md §4.1: SecurityPolicy.Encrypt is a no-op under
// MessageSecurityModeNone). The nonce-plus-plaintext is assembled in a
// pooled buffer, the same scratch-space pattern the teacher used for its
// RSA padding blocks.
func (ch *Client) protect(plaintext []byte) (data []byte, algorithm string) {
	keys := ch.channel.SecureChannel().RemoteKeys()
	if len(keys.EncryptKey) == 0 {
		return plaintext, ""
	}

	buf := buffer.NewPartitionAt(bufferPool)
	buf.Write(plaintext)
	buf.Write(ch.channel.SecureChannel().RemoteNonce())
	bound := make([]byte, buf.Len())
	buf.Read(bound)
	buf.Reset()

	policy := ch.channel.SecureChannel().SecurityPolicy()
	cipherText, err := policy.Encrypt(bound, keys.EncryptKey, keys.InitVector)
	if err != nil {
		return plaintext, ""
	}
	return cipherText, policy.URI()
}

// dataValueGood reports whether a DataValue's status is absent (implying
// Good, per OPC UA convention) or explicitly Good.
func dataValueGood(v ua.DataValue) bool {
	return v.Status == nil || v.Status.IsGood()
}

func findTokenPolicy(policies []ua.UserTokenPolicy, kind ua.UserTokenType) *ua.UserTokenPolicy {
	for i := range policies {
		if policies[i].TokenType == kind {
			return &policies[i]
		}
	}
	return nil
}

func (ch *Client) createSession(ctx context.Context, req *ua.CreateSessionRequest) (*ua.CreateSessionResponse, error) {
	resp, err := ch.request(ctx, req)
	if err != nil {
		return nil, err
	}
	r, ok := resp.(*ua.CreateSessionResponse)
	if !ok {
		return nil, ua.BadUnexpectedError
	}
	return r, nil
}

func (ch *Client) activateSession(ctx context.Context, req *ua.ActivateSessionRequest) (*ua.ActivateSessionResponse, error) {
	resp, err := ch.request(ctx, req)
	if err != nil {
		return nil, err
	}
	r, ok := resp.(*ua.ActivateSessionResponse)
	if !ok {
		return nil, ua.BadUnexpectedError
	}
	return r, nil
}

func (ch *Client) closeSession(ctx context.Context, req *ua.CloseSessionRequest) (*ua.CloseSessionResponse, error) {
	resp, err := ch.request(ctx, req)
	if err != nil {
		return nil, err
	}
	r, ok := resp.(*ua.CloseSessionResponse)
	if !ok {
		return nil, ua.BadUnexpectedError
	}
	return r, nil
}

// Read sends a ReadRequest and returns its response.
func (ch *Client) Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error) {
	resp, err := ch.request(ctx, req)
	if err != nil {
		return nil, err
	}
	r, ok := resp.(*ua.ReadResponse)
	if !ok {
		return nil, ua.BadUnexpectedError
	}
	return r, nil
}

// Write sends a WriteRequest and returns its response.
func (ch *Client) Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error) {
	resp, err := ch.request(ctx, req)
	if err != nil {
		return nil, err
	}
	r, ok := resp.(*ua.WriteResponse)
	if !ok {
		return nil, ua.BadUnexpectedError
	}
	return r, nil
}

// Close closes the session (deleting its subscriptions) and the secure
// channel.
func (ch *Client) Close(ctx context.Context) error {
	return ch.CloseDeleteSubscriptions(ctx, true)
}

// CloseDeleteSubscriptions closes the session and secure channel,
// choosing whether the server deletes the session's subscriptions.
func (ch *Client) CloseDeleteSubscriptions(ctx context.Context, deleteSubscriptions bool) error {
	_, err := ch.closeSession(ctx, &ua.CloseSessionRequest{DeleteSubscriptions: deleteSubscriptions})
	if err != nil {
		ch.channel.Abort(ctx)
		return err
	}
	return ch.channel.Close(ctx)
}

// Abort closes the client abruptly, without the CloseSession/
// CloseSecureChannel exchange.
func (ch *Client) Abort(ctx context.Context) error {
	ch.channel.Abort(ctx)
	return nil
}

// GetNamespaceURIs returns the server's namespace array, as read during
// open().
func (ch *Client) GetNamespaceURIs() []string { return ch.channel.NamespaceURIs() }
