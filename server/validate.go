// Copyright 2021 Converter Systems LLC. All rights reserved.

package server

import (
	"time"

	"github.com/edgeconnect/opcua-core/ua"
	"github.com/pkg/errors"
)

// ValidatedRequest is the tuple validateRequest hands to the
// MessageHandler on success (spec.md §4.7).
type ValidatedRequest struct {
	SessionID ua.NodeID
	Session   *Session
	UserToken any
}

// validateRequest runs the four ordered checks spec.md §4.7 requires of
// every "other" service request before it reaches the MessageHandler.
func validateRequest(sessions *SessionManager, authToken ua.NodeID, currentChannelID uint32, now time.Time) (ValidatedRequest, error) {
	session, ok := sessions.Lookup(authToken)
	if !ok {
		return ValidatedRequest{}, errors.Wrap(ua.BadSessionIdInvalid, "no session for authentication token")
	}
	if !session.Activated {
		return ValidatedRequest{}, errors.Wrap(ua.BadSessionNotActivated, "session not activated")
	}
	if session.BoundChannelID != currentChannelID {
		// Session transfer across channels (spec.md §9 Open Question) is
		// not implemented; this check stays conservative.
		return ValidatedRequest{}, errors.Wrap(ua.BadSecureChannelIdInvalid, "session bound to a different channel")
	}
	if session.timedOut(now) {
		sessions.Close(session.SessionID)
		return ValidatedRequest{}, errors.Wrap(ua.BadSessionIdInvalid, "session timed out")
	}
	session.touch(now)
	return ValidatedRequest{SessionID: session.SessionID, Session: session, UserToken: session.UserToken}, nil
}
