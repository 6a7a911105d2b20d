// Package status derives a contest's lifecycle status from its dates.
//
// Everything here is pure: callers pass "now" explicitly and malformed dates are
// treated as absent.
package status

import (
	"strings"
	"time"

	"concursohub/internal/domain"
)

// Fields are the record values the derivation reads.
type Fields struct {
	Status          domain.Status
	InscricaoInicio *string
	InscricaoFim    *string
	Prova           *string
	Resultado       *string
}

// FieldsOf extracts the status-relevant fields of a contest.
func FieldsOf(c domain.Contest) Fields {
	return Fields{
		Status:          c.Status,
		InscricaoInicio: c.DataInscricaoInicio,
		InscricaoFim:    c.DataInscricaoFim,
		Prova:           c.DataProva,
		Resultado:       c.DataResultado,
	}
}

var manual = map[domain.Status]struct{}{
	domain.StatusRumor:           {},
	domain.StatusAuthorized:      {},
	domain.StatusCommitteeFormed: {},
	domain.StatusBoardDefined:    {},
	domain.StatusSuspended:       {},
	domain.StatusNoForecast:      {},
}

// IsManual reports whether s is curated by editors and never derived.
func IsManual(s domain.Status) bool {
	_, ok := manual[s]
	return ok
}

// IsTerminal reports whether s is skipped by the refresh job.
func IsTerminal(s domain.Status) bool {
	return s == domain.StatusClosed
}

// Derive returns the status a record should hold on the civil date of now.
func Derive(f Fields, now time.Time) domain.Status {
	if IsManual(f.Status) {
		return f.Status
	}
	today := Day(now)
	start, hasStart := ParseDate(f.InscricaoInicio)
	end, hasEnd := ParseDate(f.InscricaoFim)

	if hasStart && start.After(today) {
		return existingOrDefault(f.Status)
	}
	if hasStart && hasEnd {
		if !today.Before(start) && !today.After(end) {
			return domain.StatusRegistrationOpen
		}
		if today.After(end) {
			if exam, ok := ParseDate(f.Prova); ok && exam.After(today) {
				return domain.StatusRegistrationClosed
			}
			if result, ok := ParseDate(f.Resultado); ok && result.After(today) {
				return domain.StatusInProgress
			}
			return domain.StatusClosed
		}
	}
	return existingOrDefault(f.Status)
}

// Of is Derive applied to a whole contest.
func Of(c domain.Contest, now time.Time) domain.Status {
	return Derive(FieldsOf(c), now)
}

func existingOrDefault(s domain.Status) domain.Status {
	if s.Valid() {
		return s
	}
	return domain.StatusForecast
}

// Day truncates t to midnight of its civil date. The result is expressed in UTC so
// dates parsed from strings compare directly.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02/01/2006",
}

// ParseDate reads a stored date. Empty, nil or unparsable values report false.
func ParseDate(raw *string) (time.Time, bool) {
	if raw == nil {
		return time.Time{}, false
	}
	v := strings.TrimSpace(*raw)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return Day(t), true
		}
	}
	return time.Time{}, false
}

// DaysUntil counts whole days from the civil date of now to date. Negative when the
// date is past.
func DaysUntil(date, now time.Time) int {
	return int(Day(date).Sub(Day(now)).Hours() / 24)
}

// ClosingWithin reports whether registration is open and ends within days.
func ClosingWithin(f Fields, now time.Time, days int) bool {
	if Derive(f, now) != domain.StatusRegistrationOpen {
		return false
	}
	end, ok := ParseDate(f.InscricaoFim)
	if !ok {
		return false
	}
	left := DaysUntil(end, now)
	return left >= 0 && left <= days
}

// OpeningWithin reports whether registration starts within days and the contest is
// not suspended or shelved.
func OpeningWithin(f Fields, now time.Time, days int) bool {
	switch Derive(f, now) {
	case domain.StatusSuspended, domain.StatusNoForecast:
		return false
	}
	start, ok := ParseDate(f.InscricaoInicio)
	if !ok {
		return false
	}
	left := DaysUntil(start, now)
	return left > 0 && left <= days
}
