// Copyright 2021 Converter Systems LLC. All rights reserved.

// This file hand-declares the request/response DTOs the in-scope
// services need. In a complete OPC UA stack these ~2000 types are
// mechanically generated from the standard XML schema (spec.md §9);
// that generator is an external collaborator out of scope here (spec.md
// §1), so only the request/response types the core's dispatch path
// actually touches are declared, by hand, in the same plain-struct shape
// the generator would produce. Their encode/decode and type ids belong
// to the external ua.BodyCodec (codec.go).
package ua

import "time"

// DiagnosticBits controls how much diagnostic detail a response
// includes; the core does not interpret individual bits, only carries
// the field (spec.md §6 RequestHeader).
type DiagnosticBits uint32

// RequestHeader is common to every service request.
type RequestHeader struct {
	AuthenticationToken NodeID
	Timestamp           DateTime
	RequestHandle       uint32
	ReturnDiagnostics   DiagnosticBits
	AuditEntryID        string
	TimeoutHint         uint32
}

// ResponseHeader is common to every service response; it echoes
// RequestHandle and carries the service-result StatusCode and a server
// timestamp (spec.md §6).
type ResponseHeader struct {
	Timestamp     DateTime
	RequestHandle uint32
	ServiceResult StatusCode
}

// ServiceRequest is implemented by every request DTO.
type ServiceRequest interface {
	Header() *RequestHeader
}

// ServiceResponse is implemented by every response DTO.
type ServiceResponse interface {
	Header() *ResponseHeader
}

// SecurityTokenRequestType distinguishes Issue from Renew (spec.md §4.5).
type SecurityTokenRequestType int32

const (
	SecurityTokenRequestTypeIssue SecurityTokenRequestType = 0
	SecurityTokenRequestTypeRenew SecurityTokenRequestType = 1
)

// --- OpenSecureChannel ---

type OpenSecureChannelRequest struct {
	RequestHeader          RequestHeader
	ClientProtocolVersion  uint32
	RequestType            SecurityTokenRequestType
	SecurityMode           MessageSecurityMode
	ClientNonce            ByteString
	RequestedLifetime      uint32
}

func (r *OpenSecureChannelRequest) Header() *RequestHeader { return &r.RequestHeader }

type OpenSecureChannelResponse struct {
	ResponseHeader        ResponseHeader
	ServerProtocolVersion uint32
	SecurityToken         ChannelSecurityToken
	ServerNonce           ByteString
}

func (r *OpenSecureChannelResponse) Header() *ResponseHeader { return &r.ResponseHeader }

// --- CloseSecureChannel ---

type CloseSecureChannelRequest struct {
	RequestHeader RequestHeader
}

func (r *CloseSecureChannelRequest) Header() *RequestHeader { return &r.RequestHeader }

// --- CreateSession ---

type ApplicationType int32

const (
	ApplicationTypeServer        ApplicationType = 0
	ApplicationTypeClient        ApplicationType = 1
	ApplicationTypeClientAndServer ApplicationType = 2
	ApplicationTypeDiscoveryServer ApplicationType = 3
)

type ApplicationDescription struct {
	ApplicationURI  string
	ApplicationName LocalizedText
	ApplicationType ApplicationType
}

type CreateSessionRequest struct {
	RequestHeader           RequestHeader
	ClientDescription       ApplicationDescription
	EndpointURL             string
	SessionName             string
	ClientNonce             ByteString
	ClientCertificate       ByteString
	RequestedSessionTimeout float64
	MaxResponseMessageSize  uint32
}

func (r *CreateSessionRequest) Header() *RequestHeader { return &r.RequestHeader }

type CreateSessionResponse struct {
	ResponseHeader         ResponseHeader
	SessionID              NodeID
	AuthenticationToken    NodeID
	RevisedSessionTimeout  float64
	ServerNonce            ByteString
	ServerCertificate      ByteString
	ServerSignature        SignatureData
	MaxRequestMessageSize  uint32
}

func (r *CreateSessionResponse) Header() *ResponseHeader { return &r.ResponseHeader }

// --- ActivateSession ---

type UserTokenType int32

const (
	UserTokenTypeAnonymous   UserTokenType = 0
	UserTokenTypeUserName    UserTokenType = 1
	UserTokenTypeCertificate UserTokenType = 2
	UserTokenTypeIssuedToken UserTokenType = 3
)

type UserTokenPolicy struct {
	PolicyID          string
	TokenType         UserTokenType
	SecurityPolicyURI string
}

type AnonymousIdentity struct{}
type AnonymousIdentityToken struct{ PolicyID string }

type UserNameIdentity struct {
	UserName string
	Password string
}
type UserNameIdentityToken struct {
	PolicyID            string
	UserName            string
	Password            ByteString
	EncryptionAlgorithm string
}

type IssuedIdentity struct{ TokenData string }
type IssuedIdentityToken struct {
	PolicyID            string
	TokenData           ByteString
	EncryptionAlgorithm string
}

type X509Identity struct {
	Certificate ByteString
	Key         interface{} // *rsa.PrivateKey; kept opaque to avoid an import cycle
}
type X509IdentityToken struct {
	PolicyID        string
	CertificateData ByteString
}

type ActivateSessionRequest struct {
	RequestHeader      RequestHeader
	ClientSignature    SignatureData
	LocaleIDs          []string
	UserIdentityToken  any
	UserTokenSignature SignatureData
}

func (r *ActivateSessionRequest) Header() *RequestHeader { return &r.RequestHeader }

type ActivateSessionResponse struct {
	ResponseHeader ResponseHeader
	ServerNonce    ByteString
}

func (r *ActivateSessionResponse) Header() *ResponseHeader { return &r.ResponseHeader }

// --- CloseSession ---

type CloseSessionRequest struct {
	RequestHeader       RequestHeader
	DeleteSubscriptions bool
}

func (r *CloseSessionRequest) Header() *RequestHeader { return &r.RequestHeader }

type CloseSessionResponse struct {
	ResponseHeader ResponseHeader
}

func (r *CloseSessionResponse) Header() *ResponseHeader { return &r.ResponseHeader }

// --- GetEndpoints / FindServers ---

type EndpointDescription struct {
	EndpointURL        string
	Server             ApplicationDescription
	ServerCertificate  ByteString
	SecurityMode       MessageSecurityMode
	SecurityPolicyURI  string
	UserIdentityTokens []UserTokenPolicy
	SecurityLevel      byte
}

type GetEndpointsRequest struct {
	RequestHeader RequestHeader
	EndpointURL   string
	ProfileURIs   []string
}

func (r *GetEndpointsRequest) Header() *RequestHeader { return &r.RequestHeader }

type GetEndpointsResponse struct {
	ResponseHeader ResponseHeader
	Endpoints      []EndpointDescription
}

func (r *GetEndpointsResponse) Header() *ResponseHeader { return &r.ResponseHeader }

type FindServersRequest struct {
	RequestHeader RequestHeader
	EndpointURL   string
}

func (r *FindServersRequest) Header() *RequestHeader { return &r.RequestHeader }

type FindServersResponse struct {
	ResponseHeader ResponseHeader
	Servers        []ApplicationDescription
}

func (r *FindServersResponse) Header() *ResponseHeader { return &r.ResponseHeader }

type FindServersOnNetworkRequest struct{ RequestHeader RequestHeader }

func (r *FindServersOnNetworkRequest) Header() *RequestHeader { return &r.RequestHeader }

type RegisterServerRequest struct{ RequestHeader RequestHeader }

func (r *RegisterServerRequest) Header() *RequestHeader { return &r.RequestHeader }

type RegisterServer2Request struct{ RequestHeader RequestHeader }

func (r *RegisterServer2Request) Header() *RequestHeader { return &r.RequestHeader }

// --- Read / Write ---

const (
	AttributeIDValue uint32 = 13
)

type ReadValueID struct {
	NodeID      NodeID
	AttributeID uint32
}

type ReadRequest struct {
	RequestHeader RequestHeader
	NodesToRead   []ReadValueID
}

func (r *ReadRequest) Header() *RequestHeader { return &r.RequestHeader }

type ReadResponse struct {
	ResponseHeader ResponseHeader
	Results        []DataValue
}

func (r *ReadResponse) Header() *ResponseHeader { return &r.ResponseHeader }

type WriteValue struct {
	NodeID      NodeID
	AttributeID uint32
	Value       DataValue
}

type WriteRequest struct {
	RequestHeader RequestHeader
	NodesToWrite  []WriteValue
}

func (r *WriteRequest) Header() *RequestHeader { return &r.RequestHeader }

type WriteResponse struct {
	ResponseHeader ResponseHeader
	Results        []StatusCode
}

func (r *WriteResponse) Header() *ResponseHeader { return &r.ResponseHeader }

// --- Browse / Call ---

type BrowseDescription struct {
	NodeID NodeID
}

type BrowseRequest struct {
	RequestHeader      RequestHeader
	NodesToBrowse      []BrowseDescription
}

func (r *BrowseRequest) Header() *RequestHeader { return &r.RequestHeader }

type BrowseResult struct {
	StatusCode StatusCode
}

type BrowseResponse struct {
	ResponseHeader ResponseHeader
	Results        []BrowseResult
}

func (r *BrowseResponse) Header() *ResponseHeader { return &r.ResponseHeader }

type CallMethodRequest struct {
	ObjectID   NodeID
	MethodID   NodeID
	InputArgs  []Variant
}

type CallRequest struct {
	RequestHeader   RequestHeader
	MethodsToCall   []CallMethodRequest
}

func (r *CallRequest) Header() *RequestHeader { return &r.RequestHeader }

type CallMethodResult struct {
	StatusCode    StatusCode
	OutputArgs    []Variant
}

type CallResponse struct {
	ResponseHeader ResponseHeader
	Results        []CallMethodResult
}

func (r *CallResponse) Header() *ResponseHeader { return &r.ResponseHeader }

// --- CreateSubscription / Publish ---

type CreateSubscriptionRequest struct {
	RequestHeader              RequestHeader
	RequestedPublishingInterval float64
	RequestedMaxKeepAliveCount uint32
	RequestedLifetimeCount     uint32
	PublishingEnabled          bool
}

func (r *CreateSubscriptionRequest) Header() *RequestHeader { return &r.RequestHeader }

type CreateSubscriptionResponse struct {
	ResponseHeader             ResponseHeader
	SubscriptionID             uint32
	RevisedPublishingInterval time.Duration
	RevisedLifetimeCount       uint32
	RevisedMaxKeepAliveCount   uint32
}

func (r *CreateSubscriptionResponse) Header() *ResponseHeader { return &r.ResponseHeader }

type PublishRequest struct {
	RequestHeader               RequestHeader
	SubscriptionAcknowledgements []uint32
}

func (r *PublishRequest) Header() *RequestHeader { return &r.RequestHeader }

type NotificationMessage struct {
	SequenceNumber uint32
	PublishTime    DateTime
}

type PublishResponse struct {
	ResponseHeader          ResponseHeader
	SubscriptionID          uint32
	AvailableSequenceNumbers []uint32
	MoreNotifications       bool
	NotificationMessage     NotificationMessage
}

func (r *PublishResponse) Header() *ResponseHeader { return &r.ResponseHeader }

// --- ServiceFault ---

// ServiceFault is the universal error response: a ResponseHeader whose
// ServiceResult carries the failing StatusCode (spec.md §4.10).
type ServiceFault struct {
	ResponseHeader ResponseHeader
}

func (r *ServiceFault) Header() *ResponseHeader { return &r.ResponseHeader }

// NewServiceFault builds a ServiceFault response echoing requestHandle
// with result set to code.
func NewServiceFault(requestHandle uint32, code StatusCode) *ServiceFault {
	return &ServiceFault{
		ResponseHeader: ResponseHeader{
			Timestamp:     Now(),
			RequestHandle: requestHandle,
			ServiceResult: code,
		},
	}
}
