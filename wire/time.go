// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import "time"

// TimeStamp is a UTC timestamp with millisecond precision. Millisecond
// precision keeps timestamps stable across serialization round trips.
type TimeStamp int64

// Now returns the current time as a TimeStamp.
func Now() TimeStamp {
	return TimeStamp(time.Now().UTC().UnixMilli())
}

// TimeStampFromTime converts a time.Time, truncating to milliseconds.
func TimeStampFromTime(t time.Time) TimeStamp {
	return TimeStamp(t.UTC().UnixMilli())
}

// Time returns the timestamp as a time.Time.
func (t TimeStamp) Time() time.Time {
	return time.UnixMilli(int64(t)).UTC()
}

// IsMoreThanAgo returns true if the timestamp lies further in the past
// than the given duration.
func (t TimeStamp) IsMoreThanAgo(d time.Duration) bool {
	return time.Since(t.Time()) > d
}

// HasExpired returns true if the timestamp plus the validity period lies
// in the past.
func (t TimeStamp) HasExpired(validity time.Duration) bool {
	return time.Now().UTC().After(t.Time().Add(validity))
}
