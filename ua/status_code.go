// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import "fmt"

// StatusCode is the result code returned by every OPC UA service call.
// The high two bits classify the code as Good (00), Uncertain (01) or
// Bad (10); StatusCode implements error so it can be returned directly
// from any fallible operation.
type StatusCode uint32

const (
	severityMask   StatusCode = 0xC0000000
	severityGood   StatusCode = 0x00000000
	severityBad    StatusCode = 0x80000000
	severityUncert StatusCode = 0x40000000
)

// IsGood returns true if the code's severity is Good.
func (s StatusCode) IsGood() bool { return s&severityMask == severityGood }

// IsBad returns true if the code's severity is Bad.
func (s StatusCode) IsBad() bool { return s&severityMask == severityBad }

// IsUncertain returns true if the code's severity is Uncertain.
func (s StatusCode) IsUncertain() bool { return s&severityMask == severityUncert }

func (s StatusCode) Error() string {
	if name, ok := statusCodeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("StatusCode(0x%08X)", uint32(s))
}

// A representative subset of the OPC UA status code table; the full
// table has several hundred entries generated from the standard schema
// (out of scope per spec.md), these are the ones the core's state
// machines and dispatch paths actually return.
const (
	Good StatusCode = 0x00000000

	BadUnexpectedError               StatusCode = 0x80010000
	BadInternalError                 StatusCode = 0x80020000
	BadTimeout                       StatusCode = 0x800A0000
	BadServiceUnsupported            StatusCode = 0x800B0000
	BadServerHalted                  StatusCode = 0x800E0000
	BadConnectionClosed              StatusCode = 0x80AE0000
	BadRequestInterrupted            StatusCode = 0x80840000
	BadTcpMessageTooLarge            StatusCode = 0x80720000
	BadSecurityChecksFailed          StatusCode = 0x80130000
	BadCertificateInvalid            StatusCode = 0x80140000
	BadSecurityModeRejected          StatusCode = 0x8015C000
	BadSecurityPolicyRejected        StatusCode = 0x8015D000
	BadNonceInvalid                  StatusCode = 0x80170000
	BadSequenceNumberInvalid         StatusCode = 0x80730000
	BadProtocolVersionUnsupported    StatusCode = 0x80740000
	BadApplicationSignatureInvalid   StatusCode = 0x80270000
	BadIdentityTokenRejected         StatusCode = 0x80210000
	BadSessionIdInvalid              StatusCode = 0x80250000
	BadSessionNotActivated           StatusCode = 0x80260000
	BadSecureChannelIdInvalid        StatusCode = 0x80230000
	BadTooManyOperations             StatusCode = 0x80040000
	BadNodeIDUnknown                 StatusCode = 0x80330000
	BadTypeMismatch                  StatusCode = 0x80740001
	BadIndexRangeInvalid             StatusCode = 0x80360000
	BadWriteNotSupported             StatusCode = 0x803B0000
	BadOutOfMemory                   StatusCode = 0x80030000
	BadRequestTooLarge                StatusCode = 0x80B80000
	BadResponseTooLarge               StatusCode = 0x80B90000
	BadDecodingError                  StatusCode = 0x80070000
)

var statusCodeNames = map[StatusCode]string{
	Good:                           "Good",
	BadUnexpectedError:             "BadUnexpectedError",
	BadInternalError:               "BadInternalError",
	BadTimeout:                     "BadTimeout",
	BadServiceUnsupported:          "BadServiceUnsupported",
	BadServerHalted:                "BadServerHalted",
	BadConnectionClosed:            "BadConnectionClosed",
	BadRequestInterrupted:          "BadRequestInterrupted",
	BadTcpMessageTooLarge:          "BadTcpMessageTooLarge",
	BadSecurityChecksFailed:        "BadSecurityChecksFailed",
	BadCertificateInvalid:          "BadCertificateInvalid",
	BadSecurityModeRejected:        "BadSecurityModeRejected",
	BadSecurityPolicyRejected:      "BadSecurityPolicyRejected",
	BadNonceInvalid:                "BadNonceInvalid",
	BadSequenceNumberInvalid:       "BadSequenceNumberInvalid",
	BadProtocolVersionUnsupported:  "BadProtocolVersionUnsupported",
	BadApplicationSignatureInvalid: "BadApplicationSignatureInvalid",
	BadIdentityTokenRejected:       "BadIdentityTokenRejected",
	BadSessionIdInvalid:            "BadSessionIdInvalid",
	BadSessionNotActivated:         "BadSessionNotActivated",
	BadSecureChannelIdInvalid:      "BadSecureChannelIdInvalid",
	BadTooManyOperations:           "BadTooManyOperations",
	BadNodeIDUnknown:               "BadNodeIDUnknown",
	BadTypeMismatch:                "BadTypeMismatch",
	BadIndexRangeInvalid:           "BadIndexRangeInvalid",
	BadWriteNotSupported:           "BadWriteNotSupported",
	BadOutOfMemory:                 "BadOutOfMemory",
	BadRequestTooLarge:             "BadRequestTooLarge",
	BadResponseTooLarge:            "BadResponseTooLarge",
	BadDecodingError:               "BadDecodingError",
}
