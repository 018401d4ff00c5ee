package core

import (
	"time"

	"github.com/google/uuid"
)

// TimeFormat is the timestamp layout used in API payloads.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// NewUUIDv7 returns a new time-ordered UUID string.
func NewUUIDv7() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// IsValidUUIDv7 reports whether s is a UUID with version 7 and RFC 4122 variant.
func IsValidUUIDv7(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 7 && id.Variant() == uuid.RFC4122
}

// IsValidUUID reports whether s parses as a UUID.
func IsValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// FormatTime formats t in UTC with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// NowFormatted returns the current time formatted with FormatTime.
func NowFormatted() string {
	return FormatTime(time.Now())
}
