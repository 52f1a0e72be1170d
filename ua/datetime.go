// Copyright 2021 Converter Systems LLC. All rights reserved.

package ua

import "time"

// DateTime is an OPC UA timestamp: UTC time with 100ns resolution. The
// zero value represents "null"/"MinValue" per the wire format.
type DateTime time.Time

// Now returns the current time as a DateTime.
func Now() DateTime { return DateTime(time.Now().UTC()) }

// NowWithOffset returns the current time shifted by offset, used to stamp
// request headers once a client clock offset has been established
// (spec.md §4.8).
func NowWithOffset(offset time.Duration) DateTime {
	return DateTime(time.Now().UTC().Add(offset))
}

// IsNull reports whether t is the zero DateTime.
func (t DateTime) IsNull() bool { return time.Time(t).IsZero() }

// Sub returns t-u as a time.Duration.
func (t DateTime) Sub(u DateTime) time.Duration {
	return time.Time(t).Sub(time.Time(u))
}

// Add returns t+d.
func (t DateTime) Add(d time.Duration) DateTime {
	return DateTime(time.Time(t).Add(d))
}

func (t DateTime) String() string {
	return time.Time(t).Format(time.RFC3339Nano)
}
