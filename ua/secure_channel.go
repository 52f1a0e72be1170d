// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import (
	"time"

	"github.com/pkg/errors"
)

// SecureChannel owns the current security mode/policy, the active
// ChannelSecurityToken, local/remote certificates, local/remote nonces,
// derived keys, and the monotonic client/server time offset (spec.md
// §3). It is the sole-owner, lock-free form recommended by spec.md §9:
// a single goroutine (the session controller, or the client's own
// request pipeline) mutates it, and the codec is handed immutable
// snapshots rather than a shared lock.
type SecureChannel struct {
	ChannelID uint32

	securityMode   MessageSecurityMode
	securityPolicy SecurityPolicy

	localCertificate  []byte
	remoteCertificate []byte

	localNonce  []byte
	remoteNonce []byte

	localKeys  KeySet
	remoteKeys KeySet

	token         ChannelSecurityToken
	previousToken *ChannelSecurityToken

	// clientOffset is the signed duration added to locally-stamped
	// timestamps to compensate for clock skew with the peer (spec.md
	// §4.8); zero on the server side.
	clientOffset time.Duration
}

// NewSecureChannel constructs a channel with the given local certificate
// and security mode/policy; remote state is populated later via
// SetRemoteCertificate/SetRemoteNonce/DeriveKeys.
func NewSecureChannel(localCertificate []byte, mode MessageSecurityMode, policy SecurityPolicy) *SecureChannel {
	return &SecureChannel{
		localCertificate: localCertificate,
		securityMode:     mode,
		securityPolicy:   policy,
	}
}

func (c *SecureChannel) SetSecurityMode(mode MessageSecurityMode) { c.securityMode = mode }
func (c *SecureChannel) SecurityMode() MessageSecurityMode        { return c.securityMode }

func (c *SecureChannel) SetSecurityPolicy(p SecurityPolicy) { c.securityPolicy = p }
func (c *SecureChannel) SecurityPolicy() SecurityPolicy     { return c.securityPolicy }
func (c *SecureChannel) SecurityPolicyURI() string {
	if c.securityPolicy == nil {
		return SecurityPolicyURINone
	}
	return c.securityPolicy.URI()
}

// SetRemoteCertificate validates and stores the peer's certificate. It
// is required whenever the security mode is not None (spec.md §4.2).
func (c *SecureChannel) SetRemoteCertificate(der []byte) error {
	if len(der) == 0 {
		if c.securityMode != MessageSecurityModeNone {
			return errors.Wrap(BadCertificateInvalid, "remote certificate required for secured channel")
		}
		c.remoteCertificate = nil
		return nil
	}
	if _, err := verifyCertificateParses(der); err != nil {
		return err
	}
	c.remoteCertificate = der
	return nil
}

func (c *SecureChannel) RemoteCertificate() []byte { return c.remoteCertificate }
func (c *SecureChannel) LocalCertificate() []byte  { return c.localCertificate }

// SetRemoteNonce stores the peer-supplied nonce.
func (c *SecureChannel) SetRemoteNonce(nonce []byte) { c.remoteNonce = nonce }
func (c *SecureChannel) RemoteNonce() []byte         { return c.remoteNonce }
func (c *SecureChannel) LocalNonce() []byte          { return c.localNonce }

// CreateLocalNonce generates a fresh local nonce of the length the
// current policy prescribes.
func (c *SecureChannel) CreateLocalNonce() ([]byte, error) {
	if c.securityPolicy == nil || c.securityMode == MessageSecurityModeNone {
		c.localNonce = nil
		return nil, nil
	}
	n, err := c.securityPolicy.RandomNonce()
	if err != nil {
		return nil, err
	}
	c.localNonce = n
	return n, nil
}

// DeriveKeys derives the symmetric keys from the local and remote
// nonces (spec.md §4.2). Preconditions: both nonces set, policy != None.
func (c *SecureChannel) DeriveKeys() error {
	if c.securityPolicy == nil || c.securityMode == MessageSecurityModeNone {
		return nil
	}
	if len(c.localNonce) == 0 || len(c.remoteNonce) == 0 {
		return errors.Wrap(BadSecurityChecksFailed, "derive keys: nonce not set")
	}
	local, remote, err := c.securityPolicy.DeriveKeys(c.localNonce, c.remoteNonce)
	if err != nil {
		return errors.Wrap(err, "derive keys")
	}
	c.localKeys = local
	c.remoteKeys = remote
	return nil
}

func (c *SecureChannel) LocalKeys() KeySet  { return c.localKeys }
func (c *SecureChannel) RemoteKeys() KeySet { return c.remoteKeys }

// SetSecurityToken replaces the active token, preserving the previous
// one for a grace window equal to 25% of the new token's revised
// lifetime so in-flight chunks signed under it still verify (spec.md
// §4.2).
func (c *SecureChannel) SetSecurityToken(token ChannelSecurityToken) {
	if c.token.TokenID != 0 {
		prev := c.token
		c.previousToken = &prev
	}
	c.token = token
}

func (c *SecureChannel) Token() ChannelSecurityToken { return c.token }

// TokenRenewalDeadline returns created_at + revised_lifetime*0.75.
func (c *SecureChannel) TokenRenewalDeadline() time.Time {
	return c.token.RenewalDeadline()
}

// TokenIDValid reports whether tokenID is either the current token or
// the previous token within its grace window - the check a chunk
// decoder runs before trusting a symmetric security header's token id.
func (c *SecureChannel) TokenIDValid(tokenID uint32, now time.Time) bool {
	if tokenID == c.token.TokenID {
		return true
	}
	if c.previousToken != nil && tokenID == c.previousToken.TokenID {
		createdAt := time.Time(c.token.CreatedAt)
		return now.Before(createdAt.Add(c.token.GraceWindow()))
	}
	return false
}

// SetClientOffset sets the client/server clock offset applied to
// locally-stamped request-header timestamps (spec.md §4.8).
func (c *SecureChannel) SetClientOffset(offset time.Duration) { c.clientOffset = offset }
func (c *SecureChannel) ClientOffset() time.Duration          { return c.clientOffset }

// Clone returns a shallow copy suitable as an immutable snapshot handed
// to the chunk codec (spec.md §9's "pass immutable snapshots to the
// codec" alternative design).
func (c *SecureChannel) Clone() *SecureChannel {
	cp := *c
	return &cp
}
