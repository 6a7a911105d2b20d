package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"concursohub/internal/domain"
	"concursohub/internal/status"
)

// PreviewStatus runs the derivation on arbitrary values without touching the store.
// A zero at means now. The civil date the derivation used is returned with it.
func (e Engine) PreviewStatus(f status.Fields, at time.Time) (domain.Status, time.Time) {
	if at.IsZero() {
		at = e.today()
	}
	return status.Derive(f, at), status.Day(at)
}

// Alert is a contest surfaced by a deadline projection.
type Alert struct {
	Contest  domain.Contest `json:"contest"`
	Status   domain.Status  `json:"status"`
	Date     string         `json:"date"`
	DaysLeft int            `json:"days_left"`
}

type AlertsReport struct {
	GeneratedAt string  `json:"generated_at"`
	ClosingDays int     `json:"closing_days"`
	OpeningDays int     `json:"opening_days"`
	ClosingSoon []Alert `json:"closing_soon"`
	OpeningSoon []Alert `json:"opening_soon"`
}

// Alerts lists contests whose registration closes or opens within the configured
// windows. Zero windows use the config values.
func (e Engine) Alerts(ctx context.Context, closingDays, openingDays int) (AlertsReport, error) {
	cfg := e.config()
	if closingDays <= 0 {
		closingDays = cfg.Alerts.ClosingSoonDays
	}
	if openingDays <= 0 {
		openingDays = cfg.Alerts.OpeningSoonDays
	}
	contests, err := e.Store.ListNonTerminalContests(ctx)
	if err != nil {
		return AlertsReport{}, fmt.Errorf("list contests: %w", err)
	}
	now := e.today()
	rep := AlertsReport{
		GeneratedAt: e.stamp(),
		ClosingDays: closingDays,
		OpeningDays: openingDays,
		ClosingSoon: []Alert{},
		OpeningSoon: []Alert{},
	}
	for _, c := range contests {
		f := status.FieldsOf(c)
		live := status.Derive(f, now)
		if status.ClosingWithin(f, now, closingDays) {
			end, _ := status.ParseDate(c.DataInscricaoFim)
			rep.ClosingSoon = append(rep.ClosingSoon, Alert{Contest: c, Status: live, Date: end.Format(time.DateOnly), DaysLeft: status.DaysUntil(end, now)})
		}
		if status.OpeningWithin(f, now, openingDays) {
			start, _ := status.ParseDate(c.DataInscricaoInicio)
			rep.OpeningSoon = append(rep.OpeningSoon, Alert{Contest: c, Status: live, Date: start.Format(time.DateOnly), DaysLeft: status.DaysUntil(start, now)})
		}
	}
	sortAlerts(rep.ClosingSoon)
	sortAlerts(rep.OpeningSoon)
	return rep, nil
}

func sortAlerts(a []Alert) {
	sort.SliceStable(a, func(i, j int) bool {
		if a[i].DaysLeft != a[j].DaysLeft {
			return a[i].DaysLeft < a[j].DaysLeft
		}
		return a[i].Contest.Titulo < a[j].Contest.Titulo
	})
}

// Dashboard aggregates stored statuses and flags records whose stored status
// no longer matches the derivation for today.
type Dashboard struct {
	GeneratedAt string         `json:"generated_at"`
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	Stale       int            `json:"stale"`
	StaleIDs    []string       `json:"stale_ids,omitempty"`
	ClosingSoon int            `json:"closing_soon"`
	OpeningSoon int            `json:"opening_soon"`
}

func (e Engine) Dashboard(ctx context.Context) (Dashboard, error) {
	counts, err := e.Store.CountContestsByStatus(ctx)
	if err != nil {
		return Dashboard{}, fmt.Errorf("count contests: %w", err)
	}
	contests, err := e.Store.ListNonTerminalContests(ctx)
	if err != nil {
		return Dashboard{}, fmt.Errorf("list contests: %w", err)
	}
	cfg := e.config()
	now := e.today()
	d := Dashboard{GeneratedAt: e.stamp(), ByStatus: map[string]int{}}
	for _, s := range domain.Statuses {
		d.ByStatus[string(s)] = counts[s]
		d.Total += counts[s]
	}
	for _, c := range contests {
		f := status.FieldsOf(c)
		if status.Derive(f, now) != c.Status {
			d.Stale++
			d.StaleIDs = append(d.StaleIDs, c.ID)
		}
		if status.ClosingWithin(f, now, cfg.Alerts.ClosingSoonDays) {
			d.ClosingSoon++
		}
		if status.OpeningWithin(f, now, cfg.Alerts.OpeningSoonDays) {
			d.OpeningSoon++
		}
	}
	return d, nil
}

// Milestone kinds, in the order they occur in a contest's life.
const (
	MilestonePublicacao      = "publicacao"
	MilestoneInscricaoInicio = "inscricao_inicio"
	MilestoneInscricaoFim    = "inscricao_fim"
	MilestoneProva           = "prova"
	MilestoneResultado       = "resultado"
)

var milestoneOrder = map[string]int{
	MilestonePublicacao:      0,
	MilestoneInscricaoInicio: 1,
	MilestoneInscricaoFim:    2,
	MilestoneProva:           3,
	MilestoneResultado:       4,
}

type Milestone struct {
	Date      string        `json:"date"`
	Kind      string        `json:"kind"`
	ContestID string        `json:"contest_id"`
	Slug      string        `json:"slug"`
	Titulo    string        `json:"titulo"`
	Status    domain.Status `json:"status"`
}

// DefaultCalendarDays is the window used when Calendar gets no end date.
const DefaultCalendarDays = 30

// CalendarRange resolves the window Calendar reads. A zero from means today; a zero
// to means DefaultCalendarDays after from.
func (e Engine) CalendarRange(from, to time.Time) (time.Time, time.Time) {
	if from.IsZero() {
		from = e.today()
	}
	from = status.Day(from)
	if to.IsZero() {
		to = from.AddDate(0, 0, DefaultCalendarDays)
	}
	return from, status.Day(to)
}

// Calendar lists dated milestones falling inside the CalendarRange of from and to,
// both ends inclusive.
func (e Engine) Calendar(ctx context.Context, from, to time.Time) ([]Milestone, error) {
	from, to = e.CalendarRange(from, to)
	if to.Before(from) {
		return nil, ValidationError{Fields: map[string]string{"to": "must not be before from"}}
	}
	contests, err := e.Store.ListContests(ctx, domain.ContestFilters{})
	if err != nil {
		return nil, fmt.Errorf("list contests: %w", err)
	}
	out := []Milestone{}
	for _, c := range contests {
		for _, m := range []struct {
			kind string
			raw  *string
		}{
			{MilestonePublicacao, c.DataPublicacao},
			{MilestoneInscricaoInicio, c.DataInscricaoInicio},
			{MilestoneInscricaoFim, c.DataInscricaoFim},
			{MilestoneProva, c.DataProva},
			{MilestoneResultado, c.DataResultado},
		} {
			d, ok := status.ParseDate(m.raw)
			if !ok || d.Before(from) || d.After(to) {
				continue
			}
			out = append(out, Milestone{
				Date:      d.Format(time.DateOnly),
				Kind:      m.kind,
				ContestID: c.ID,
				Slug:      c.Slug,
				Titulo:    c.Titulo,
				Status:    c.Status,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		if out[i].Kind != out[j].Kind {
			return milestoneOrder[out[i].Kind] < milestoneOrder[out[j].Kind]
		}
		return out[i].Titulo < out[j].Titulo
	})
	return out, nil
}
