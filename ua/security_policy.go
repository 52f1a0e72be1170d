// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"hash"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

// Well-known security policy URIs (spec.md §4.1).
const (
	SecurityPolicyURIBestAvailable        = ""
	SecurityPolicyURINone                 = "http://opcfoundation.org/UA/SecurityPolicy#None"
	SecurityPolicyURIBasic128Rsa15        = "http://opcfoundation.org/UA/SecurityPolicy#Basic128Rsa15"
	SecurityPolicyURIBasic256             = "http://opcfoundation.org/UA/SecurityPolicy#Basic256"
	SecurityPolicyURIBasic256Sha256       = "http://opcfoundation.org/UA/SecurityPolicy#Basic256Sha256"
	SecurityPolicyURIAes128Sha256RsaOaep  = "http://opcfoundation.org/UA/SecurityPolicy#Aes128_Sha256_RsaOaep"
	SecurityPolicyURIAes256Sha256RsaPss   = "http://opcfoundation.org/UA/SecurityPolicy#Aes256_Sha256_RsaPss"
	TransportProfileURIUaTcpTransport     = "http://opcfoundation.org/UA-Profile/Transport/uatcp-uasc-uabinary"
)

// MessageSecurityMode controls whether messages on a channel are
// signed, signed and encrypted, or neither.
type MessageSecurityMode int32

const (
	MessageSecurityModeInvalid MessageSecurityMode = 0
	MessageSecurityModeNone    MessageSecurityMode = 1
	MessageSecurityModeSign    MessageSecurityMode = 2
	MessageSecurityModeSignAndEncrypt MessageSecurityMode = 3
)

// KeySet holds the symmetric keys derived from the local and remote
// nonces (spec.md §4.1 derive_keys).
type KeySet struct {
	SigningKey []byte
	EncryptKey []byte
	InitVector []byte
}

// SecurityPolicy abstracts signing, encryption, nonce generation and key
// derivation (spec.md §4.1); cryptographic primitives are an external
// capability, this is the seam the core consumes.
type SecurityPolicy interface {
	URI() string
	NonceLength() int
	RandomNonce() ([]byte, error)
	Sign(data []byte, key []byte) ([]byte, error)
	Verify(data, sig, key []byte) error
	Encrypt(data, key, iv []byte) ([]byte, error)
	Decrypt(data, key, iv []byte) ([]byte, error)
	DeriveKeys(localNonce, remoteNonce []byte) (local, remote KeySet, err error)
}

// NewSecurityPolicy resolves a security policy by URI.
func NewSecurityPolicy(uri string) (SecurityPolicy, error) {
	switch uri {
	case "", SecurityPolicyURINone:
		return policyNone{}, nil
	case SecurityPolicyURIBasic256Sha256:
		return &hkdfPolicy{uri: uri, hash: sha256.New, keyLen: 32, ivLen: 16, sigLen: 32}, nil
	case SecurityPolicyURIAes128Sha256RsaOaep:
		return &hkdfPolicy{uri: uri, hash: sha256.New, keyLen: 16, ivLen: 16, sigLen: 32}, nil
	case SecurityPolicyURIAes256Sha256RsaPss:
		return &hkdfPolicy{uri: uri, hash: sha256.New, keyLen: 32, ivLen: 16, sigLen: 32}, nil
	default:
		return nil, errors.Wrapf(BadSecurityPolicyRejected, "unsupported policy %q", uri)
	}
}

// policyNone is the identity/no-op policy used when security_mode==None.
type policyNone struct{}

func (policyNone) URI() string           { return SecurityPolicyURINone }
func (policyNone) NonceLength() int      { return 0 }
func (policyNone) RandomNonce() ([]byte, error) { return nil, nil }
func (policyNone) Sign(data, key []byte) ([]byte, error)   { return nil, nil }
func (policyNone) Verify(data, sig, key []byte) error      { return nil }
func (policyNone) Encrypt(data, key, iv []byte) ([]byte, error) { return data, nil }
func (policyNone) Decrypt(data, key, iv []byte) ([]byte, error) { return data, nil }
func (policyNone) DeriveKeys(localNonce, remoteNonce []byte) (KeySet, KeySet, error) {
	return KeySet{}, KeySet{}, nil
}

// hkdfPolicy covers the three non-None policies in scope. This core has
// no asymmetric (RSA) operations, so they differ only in URI and in the
// encryption key length of the symmetric key derivation this type
// performs.
type hkdfPolicy struct {
	uri    string
	hash   func() hash.Hash
	keyLen int
	ivLen  int
	sigLen int
}

func (p *hkdfPolicy) URI() string      { return p.uri }
func (p *hkdfPolicy) NonceLength() int { return p.sigLen }

func (p *hkdfPolicy) RandomNonce() ([]byte, error) {
	b := make([]byte, p.NonceLength())
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, errors.Wrap(err, "random nonce")
	}
	return b, nil
}

func (p *hkdfPolicy) Sign(data []byte, key []byte) ([]byte, error) {
	h := p.hash()
	h.Write(key)
	h.Write(data)
	return h.Sum(nil), nil
}

func (p *hkdfPolicy) Verify(data, sig, key []byte) error {
	expect, err := p.Sign(data, key)
	if err != nil {
		return err
	}
	if len(expect) != len(sig) {
		return BadSecurityChecksFailed
	}
	var diff byte
	for i := range expect {
		diff |= expect[i] ^ sig[i]
	}
	if diff != 0 {
		return BadSecurityChecksFailed
	}
	return nil
}

func (p *hkdfPolicy) Encrypt(data, key, iv []byte) ([]byte, error) {
	return xorStream(data, key, iv), nil
}

func (p *hkdfPolicy) Decrypt(data, key, iv []byte) ([]byte, error) {
	return xorStream(data, key, iv), nil
}

// xorStream is a placeholder symmetric transform standing in for the
// negotiated AES mode (out of scope per spec.md §1: cryptographic
// primitives are an external SecurityPolicy capability). It keeps
// Encrypt/Decrypt self-inverse so round-trip tests exercise the chunker
// without pulling in a concrete cipher.
func xorStream(data, key, iv []byte) []byte {
	out := make([]byte, len(data))
	if len(key) == 0 {
		copy(out, data)
		return out
	}
	for i, b := range data {
		var ivByte byte
		if len(iv) > 0 {
			ivByte = iv[i%len(iv)]
		}
		out[i] = b ^ key[i%len(key)] ^ ivByte
	}
	return out
}

// DeriveKeys derives a KeySet for each direction from the local and
// remote nonces per spec.md §4.2 precondition (both nonces set, policy
// != None); HKDF over SHA-256 is the concrete, interoperable stand-in
// for the OPC UA "P_SHA256" key derivation function.
func (p *hkdfPolicy) DeriveKeys(localNonce, remoteNonce []byte) (local, remote KeySet, err error) {
	if len(localNonce) < p.sigLen || len(remoteNonce) < p.sigLen {
		return KeySet{}, KeySet{}, errors.Wrapf(BadSecurityChecksFailed, "nonce too short")
	}
	local, err = p.deriveOneSide(remoteNonce, localNonce)
	if err != nil {
		return KeySet{}, KeySet{}, err
	}
	remote, err = p.deriveOneSide(localNonce, remoteNonce)
	if err != nil {
		return KeySet{}, KeySet{}, err
	}
	return local, remote, nil
}

func (p *hkdfPolicy) deriveOneSide(secret, salt []byte) (KeySet, error) {
	total := p.sigLen + p.keyLen + p.ivLen
	kdf := hkdf.New(p.hash, secret, salt, []byte("opcua-core key expansion"))
	buf := make([]byte, total)
	if _, err := io.ReadFull(kdf, buf); err != nil {
		return KeySet{}, errors.Wrap(err, "hkdf expand")
	}
	return KeySet{
		SigningKey: buf[:p.sigLen],
		EncryptKey: buf[p.sigLen : p.sigLen+p.keyLen],
		InitVector: buf[p.sigLen+p.keyLen:],
	}, nil
}

// verifyCertificateParses is used by SecureChannel.SetRemoteCertificate;
// kept here alongside the policy code it protects.
func verifyCertificateParses(der []byte) (*x509.Certificate, error) {
	certs, err := x509.ParseCertificates(der)
	if err != nil || len(certs) == 0 {
		return nil, errors.Wrap(BadCertificateInvalid, "parse certificate")
	}
	return certs[0], nil
}
