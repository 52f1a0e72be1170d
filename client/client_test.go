// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/edgeconnect/opcua-core/transport"
	"github.com/edgeconnect/opcua-core/ua"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

// fakeCodec mirrors server/controller_test.go's fakeCodec: small integer
// tokens stand in for wire bytes so tests can inspect concrete values.
type fakeCodec struct {
	mu        sync.Mutex
	nextID    uint32
	requests  map[uint32]ua.ServiceRequest
	responses map[uint32]ua.ServiceResponse
}

func newFakeCodec() *fakeCodec {
	return &fakeCodec{requests: map[uint32]ua.ServiceRequest{}, responses: map[uint32]ua.ServiceResponse{}}
}

func (c *fakeCodec) EncodeRequest(req ua.ServiceRequest) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.requests[id] = req
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, id)
	return b, nil
}

func (c *fakeCodec) DecodeRequest(body []byte) (ua.ServiceRequest, error) {
	id := binary.LittleEndian.Uint32(body)
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[id]
	if !ok {
		return nil, errors.New("fakeCodec: unknown request token")
	}
	return req, nil
}

func (c *fakeCodec) EncodeResponse(resp ua.ServiceResponse) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.responses[id] = resp
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, id)
	return b, nil
}

func (c *fakeCodec) DecodeResponse(body []byte) (ua.ServiceResponse, error) {
	id := binary.LittleEndian.Uint32(body)
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, ok := c.responses[id]
	if !ok {
		return nil, errors.New("fakeCodec: unknown response token")
	}
	return resp, nil
}

// fakeServerAdapter answers every request a clientSecureChannel sends
// with a canned Good response, entirely in memory - a stand-in for the
// transport.Connector/Adapter pair a real TCP implementation provides.
type fakeServerAdapter struct {
	codec     *fakeCodec
	incoming  chan transport.PollResult
	clockSkew time.Duration // added to the OpenSecureChannelResponse timestamp

	mu     sync.Mutex
	closed bool
}

func newFakeServerAdapter(codec *fakeCodec) *fakeServerAdapter {
	return &fakeServerAdapter{codec: codec, incoming: make(chan transport.PollResult, 8)}
}

func (a *fakeServerAdapter) Poll(ctx context.Context) (transport.PollResult, error) {
	select {
	case r, ok := <-a.incoming:
		if !ok {
			return transport.PollResult{Kind: transport.PollClosed}, nil
		}
		return r, nil
	case <-ctx.Done():
		return transport.PollResult{}, ctx.Err()
	}
}

func (a *fakeServerAdapter) Send(ctx context.Context, channel *ua.SecureChannel, message []byte, requestID uint32) error {
	req, err := a.codec.DecodeRequest(message)
	if err != nil {
		return err
	}
	resp := a.respond(req)
	if resp == nil {
		return nil // CloseSecureChannelRequest: no response, per spec.md §6
	}
	body, err := a.codec.EncodeResponse(resp)
	if err != nil {
		return err
	}
	a.incoming <- transport.PollResult{Kind: transport.PollIncomingMessage, Message: body}
	return nil
}

func (a *fakeServerAdapter) respond(req ua.ServiceRequest) ua.ServiceResponse {
	handle := req.Header().RequestHandle
	switch r := req.(type) {
	case *ua.OpenSecureChannelRequest:
		now := ua.Now()
		return &ua.OpenSecureChannelResponse{
			ResponseHeader:        ua.ResponseHeader{RequestHandle: handle, ServiceResult: ua.Good, Timestamp: now.Add(a.clockSkew)},
			ServerProtocolVersion: 0,
			SecurityToken: ua.ChannelSecurityToken{
				ChannelID: 7, TokenID: 1, CreatedAt: now, RevisedLifetime: r.RequestedLifetime,
			},
		}
	case *ua.CreateSessionRequest:
		return &ua.CreateSessionResponse{
			ResponseHeader:        ua.ResponseHeader{RequestHandle: handle, ServiceResult: ua.Good},
			SessionID:             ua.NewGUIDNodeID(1),
			AuthenticationToken:   ua.NewGUIDNodeID(1),
			RevisedSessionTimeout: r.RequestedSessionTimeout,
			MaxRequestMessageSize: 1 << 20,
		}
	case *ua.ActivateSessionRequest:
		return &ua.ActivateSessionResponse{ResponseHeader: ua.ResponseHeader{RequestHandle: handle, ServiceResult: ua.Good}}
	case *ua.ReadRequest:
		results := make([]ua.DataValue, len(r.NodesToRead))
		for i, n := range r.NodesToRead {
			switch {
			case n.NodeID.Equal(ua.VariableIDServerNamespaceArray):
				results[i] = ua.DataValue{Value: []string{"http://opcfoundation.org/UA/", "urn:test"}}
			case n.NodeID.Equal(ua.VariableIDServerServerArray):
				results[i] = ua.DataValue{Value: []string{"urn:test:server"}}
			}
		}
		return &ua.ReadResponse{ResponseHeader: ua.ResponseHeader{RequestHandle: handle, ServiceResult: ua.Good}, Results: results}
	case *ua.CloseSessionRequest:
		return &ua.CloseSessionResponse{ResponseHeader: ua.ResponseHeader{RequestHandle: handle, ServiceResult: ua.Good}}
	case *ua.CloseSecureChannelRequest:
		return nil
	case *ua.GetEndpointsRequest:
		return &ua.GetEndpointsResponse{
			ResponseHeader: ua.ResponseHeader{RequestHandle: handle, ServiceResult: ua.Good},
			Endpoints: []ua.EndpointDescription{
				{
					EndpointURL:       r.EndpointURL,
					SecurityMode:      ua.MessageSecurityModeNone,
					SecurityPolicyURI: ua.SecurityPolicyURINone,
					UserIdentityTokens: []ua.UserTokenPolicy{
						{PolicyID: "anonymous", TokenType: ua.UserTokenTypeAnonymous},
					},
				},
			},
		}
	default:
		return &ua.ServiceFault{ResponseHeader: ua.ResponseHeader{RequestHandle: handle, ServiceResult: ua.BadServiceUnsupported}}
	}
}

func (a *fakeServerAdapter) SendError(ctx context.Context, code ua.StatusCode, reason string) error {
	return nil
}

func (a *fakeServerAdapter) SetClosing() {}

func (a *fakeServerAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.closed = true
		close(a.incoming)
	}
	return nil
}

// fakeConnector hands out a fresh adapter on every Connect, sharing the
// template adapter's codec and clock skew: Dial connects once for
// GetEndpoints, closes that adapter, then connects again for the session.
type fakeConnector struct{ adapter *fakeServerAdapter }

func (c *fakeConnector) Connect(ctx context.Context) (transport.Adapter, error) {
	a := newFakeServerAdapter(c.adapter.codec)
	a.clockSkew = c.adapter.clockSkew
	return a, nil
}

func TestDial_EstablishesSessionAndReadsNamespaces(t *testing.T) {
	codec := newFakeCodec()
	connector := &fakeConnector{adapter: newFakeServerAdapter(codec)}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cli, err := Dial(ctx, "opc.tcp://localhost:4840", WithConnector(connector), WithCodec(codec))
	assert.NilError(t, err)
	assert.Assert(t, !cli.SessionID().IsNull())
	assert.DeepEqual(t, cli.GetNamespaceURIs(), []string{"http://opcfoundation.org/UA/", "urn:test"})

	assert.NilError(t, cli.Close(ctx))
}

// TestDial_ComputesClientClockOffset exercises spec.md §4.8: a
// server clock running ahead must be folded into the channel's
// client offset from the first OpenSecureChannel response onward. Only
// the stored offset is checked here, not the stamped request headers.
func TestDial_ComputesClientClockOffset(t *testing.T) {
	codec := newFakeCodec()
	adapter := newFakeServerAdapter(codec)
	adapter.clockSkew = 5 * time.Minute
	connector := &fakeConnector{adapter: adapter}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cli, err := Dial(ctx, "opc.tcp://localhost:4840", WithConnector(connector), WithCodec(codec))
	assert.NilError(t, err)
	defer cli.Close(ctx)

	offset := cli.channel.SecureChannel().ClientOffset()
	assert.Assert(t, offset > 4*time.Minute && offset < 6*time.Minute)
}

func TestDial_NoConnectorFails(t *testing.T) {
	_, err := Dial(context.Background(), "opc.tcp://localhost:4840", WithCodec(newFakeCodec()))
	assert.Equal(t, err, ua.BadConnectionClosed)
}

func TestDial_NoCodecFails(t *testing.T) {
	codec := newFakeCodec()
	connector := &fakeConnector{adapter: newFakeServerAdapter(codec)}
	_, err := Dial(context.Background(), "opc.tcp://localhost:4840", WithConnector(connector))
	assert.Equal(t, err, ua.BadServiceUnsupported)
}

func TestClient_ReadRoundTrips(t *testing.T) {
	codec := newFakeCodec()
	connector := &fakeConnector{adapter: newFakeServerAdapter(codec)}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cli, err := Dial(ctx, "opc.tcp://localhost:4840", WithConnector(connector), WithCodec(codec))
	assert.NilError(t, err)
	defer cli.Close(ctx)

	resp, err := cli.Read(ctx, &ua.ReadRequest{NodesToRead: []ua.ReadValueID{
		{NodeID: ua.VariableIDServerServerArray, AttributeID: ua.AttributeIDValue},
	}})
	assert.NilError(t, err)
	assert.Equal(t, len(resp.Results), 1)
	assert.DeepEqual(t, resp.Results[0].Value, []string{"urn:test:server"})
}
