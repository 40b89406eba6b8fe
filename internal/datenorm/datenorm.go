// Package datenorm derives calendar dates from return-note identifiers.
//
// Return-note identifiers embed the creation date as a six-digit DDMMYY token
// right after the first delimiter, e.g. "RN-010125XYZ". The business date of a
// note is that token plus BusinessDayOffset calendar days, formatted DD-MM-YYYY.
package datenorm

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// Delimiter separates the identifier prefix from the date token.
	Delimiter = "-"

	// BusinessDayOffset is the number of calendar days added to the token date.
	// It is applied before the date is built so month and year rollover fall out
	// of time.Date normalization.
	BusinessDayOffset = 3

	// Layout is the output format (DD-MM-YYYY).
	Layout = "02-01-2006"

	// UnknownDate is stored in place of a date that could not be derived.
	UnknownDate = "Unknown"

	tokenLen = 6
)

// ErrMalformedIdentifier is matched by every MalformedIdentifierError.
var ErrMalformedIdentifier = errors.New("malformed identifier")

// MalformedIdentifierError reports an identifier whose date token is missing
// or invalid.
type MalformedIdentifierError struct {
	Identifier string
	Reason     string
}

func (e *MalformedIdentifierError) Error() string {
	return fmt.Sprintf("malformed identifier %q: %s", e.Identifier, e.Reason)
}

// Is lets errors.Is(err, ErrMalformedIdentifier) match.
func (e *MalformedIdentifierError) Is(target error) bool {
	return target == ErrMalformedIdentifier
}

// Parse returns the offset business date encoded in identifier.
func Parse(identifier string) (time.Time, error) {
	_, rest, found := strings.Cut(identifier, Delimiter)
	if !found {
		return time.Time{}, &MalformedIdentifierError{Identifier: identifier, Reason: "no delimiter"}
	}
	if len(rest) < tokenLen {
		return time.Time{}, &MalformedIdentifierError{Identifier: identifier, Reason: "date token too short"}
	}

	token := rest[:tokenLen]
	for i := 0; i < tokenLen; i++ {
		if token[i] < '0' || token[i] > '9' {
			return time.Time{}, &MalformedIdentifierError{Identifier: identifier, Reason: "date token is not numeric"}
		}
	}

	day := atoi2(token[0:2])
	month := atoi2(token[2:4])
	year := 2000 + atoi2(token[4:6])

	if month < 1 || month > 12 {
		return time.Time{}, &MalformedIdentifierError{Identifier: identifier, Reason: fmt.Sprintf("month %02d out of range", month)}
	}
	if day < 1 || day > daysIn(time.Month(month), year) {
		return time.Time{}, &MalformedIdentifierError{Identifier: identifier, Reason: fmt.Sprintf("day %02d out of range", day)}
	}

	return time.Date(year, time.Month(month), day+BusinessDayOffset, 0, 0, 0, 0, time.UTC), nil
}

// Normalize returns the offset business date for identifier as DD-MM-YYYY.
//
//	Normalize("RN-010125XYZ") // "04-01-2025"
//	Normalize("RN-301225XYZ") // "02-01-2026"
func Normalize(identifier string) (string, error) {
	t, err := Parse(identifier)
	if err != nil {
		return "", err
	}
	return t.Format(Layout), nil
}

// NormalizeOrUnknown is Normalize with the UnknownDate sentinel substituted on
// failure. The error is still returned so callers can flag the record.
func NormalizeOrUnknown(identifier string) (string, error) {
	s, err := Normalize(identifier)
	if err != nil {
		return UnknownDate, err
	}
	return s, nil
}

func atoi2(s string) int {
	return int(s[0]-'0')*10 + int(s[1]-'0')
}

func daysIn(m time.Month, year int) int {
	// day 0 of the following month is the last day of m
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
