// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

// ByteString is an OPC UA binary blob. Unlike a plain []byte, a nil
// ByteString ("not present") and an empty, non-nil ByteString ("present,
// zero length") are wire-distinct values.
type ByteString []byte

// SignatureData carries an algorithm URI and the signature bytes
// produced with it, used by CreateSession/ActivateSession.
type SignatureData struct {
	Algorithm string
	Signature ByteString
}

// Well-known signature algorithm URIs.
const (
	RsaSha1Signature      = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	RsaSha256Signature    = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	RsaPssSha256Signature = "http://opcfoundation.org/UA/security/rsa-pss-sha2-256"
)

// Well-known key-wrap algorithm URIs used to encrypt identity tokens.
const (
	RsaV15KeyWrap        = "http://www.w3.org/2001/04/xmlenc#rsa-1_5"
	RsaOaepKeyWrap       = "http://www.w3.org/2001/04/xmlenc#rsa-oaep"
	RsaOaepSha256KeyWrap = "http://opcfoundation.org/UA/security/rsa-oaep-sha2-256"
)
