// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import "time"

// ChannelSecurityToken is the renewable credential within a
// SecureChannel (spec.md §3).
type ChannelSecurityToken struct {
	ChannelID      uint32
	TokenID        uint32
	CreatedAt      DateTime
	RevisedLifetime uint32 // milliseconds
}

// RenewalDeadline returns created_at + revised_lifetime*0.75 (spec.md
// §4.2 token_renewal_deadline).
func (t ChannelSecurityToken) RenewalDeadline() time.Time {
	lifetime := time.Duration(t.RevisedLifetime) * time.Millisecond
	return time.Time(t.CreatedAt).Add(time.Duration(float64(lifetime) * 0.75))
}

// GraceWindow returns the duration for which a just-replaced token is
// still accepted, 25% of the revised lifetime (spec.md §4.2).
func (t ChannelSecurityToken) GraceWindow() time.Duration {
	lifetime := time.Duration(t.RevisedLifetime) * time.Millisecond
	return time.Duration(float64(lifetime) * 0.25)
}
