// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

// BodyCodec turns a reassembled message body into a ServiceRequest and a
// ServiceResponse back into wire bytes. A complete OPC UA binary codec
// mechanically generated from the standard schema is an external
// collaborator out of scope for this core (see messages.go); only its
// contract is specified here, and the session controller is written
// against it rather than against any one concrete encoding.
type BodyCodec interface {
	DecodeRequest(body []byte) (ServiceRequest, error)
	EncodeResponse(resp ServiceResponse) ([]byte, error)

	// EncodeRequest/DecodeResponse are the client-side mirror of the two
	// methods above; a SessionController never calls them, a
	// clientSecureChannel never calls the server-side two.
	EncodeRequest(req ServiceRequest) ([]byte, error)
	DecodeResponse(body []byte) (ServiceResponse, error)
}
