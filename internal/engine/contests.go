package engine

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"concursohub/internal/cache"
	"concursohub/internal/config"
	"concursohub/internal/domain"
	"concursohub/internal/events"
	"concursohub/internal/slug"
	"concursohub/internal/status"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// CreateContest validates and stores a new contest. The slug is derived from the
// title and the status from the dates.
func (e Engine) CreateContest(ctx context.Context, in domain.ContestInput, actorID string) (domain.Contest, error) {
	ctx, span := e.startSpan(ctx, "engine.CreateContest")
	defer span.End()

	in.Sanitize()
	if err := validateInput(in); err != nil {
		return domain.Contest{}, err
	}
	c := in.Contest()
	c.ID = e.newID()
	if c.Status == "" {
		c.Status = domain.StatusForecast
	}
	maxLen := e.config().Contests.SlugMaxLength
	s, err := slug.Unique(ctx, slug.Make(c.Titulo, maxLen), "", c.ID, maxLen, e.Store.SlugExists)
	if err != nil {
		return domain.Contest{}, fmt.Errorf("slug: %w", err)
	}
	c.Slug = s
	c.Status = status.Of(c, e.today())
	c.CreatedAt = e.stamp()
	c.UpdatedAt = c.CreatedAt
	span.SetAttributes(attribute.String("contest.id", c.ID), attribute.String("contest.status", string(c.Status)))

	evt, err := e.eventWriter().Build(events.ContestCreated, events.EntityContest, c.ID, actorID, events.Payload{
		"slug":   c.Slug,
		"status": c.Status,
	})
	if err != nil {
		return domain.Contest{}, err
	}
	if err := e.Store.InsertContest(ctx, c, &evt); err != nil {
		return domain.Contest{}, fmt.Errorf("insert contest: %w", err)
	}
	e.logger().Info("contest created", zap.String("id", c.ID), zap.String("slug", c.Slug), zap.String("status", string(c.Status)))
	e.invalidate(ctx, cache.ContestPaths(c.Slug))
	return c, nil
}

func validateInput(in domain.ContestInput) error {
	if err := validationError(validate.Struct(in)); err != nil {
		return err
	}
	if in.Status != "" && !in.Status.Valid() {
		return ValidationError{Fields: map[string]string{"status": "oneof=" + statusNames()}}
	}
	return nil
}

// UpdateContest merges patch over the stored contest. A title change yields a new
// unique slug; the status is recomputed according to
// contests.recompute_status_on_edit.
func (e Engine) UpdateContest(ctx context.Context, id string, patch domain.ContestPatch, actorID string) (domain.Contest, error) {
	ctx, span := e.startSpan(ctx, "engine.UpdateContest")
	defer span.End()
	span.SetAttributes(attribute.String("contest.id", id))

	if err := validatePatch(patch); err != nil {
		return domain.Contest{}, err
	}
	cur, err := e.Store.GetContest(ctx, id)
	if err != nil {
		return domain.Contest{}, fmt.Errorf("get contest %s: %w", id, err)
	}
	if patch.Empty() {
		return cur, nil
	}
	next := patch.Apply(cur)
	if patch.TitleChanged(cur) {
		maxLen := e.config().Contests.SlugMaxLength
		s, err := slug.Unique(ctx, slug.Make(next.Titulo, maxLen), id, id+":"+next.Titulo, maxLen, e.Store.SlugExists)
		if err != nil {
			return domain.Contest{}, fmt.Errorf("slug: %w", err)
		}
		next.Slug = s
	}
	if e.shouldRecompute(patch) {
		next.Status = status.Of(next, e.today())
	}
	next.UpdatedAt = e.stamp()

	payload := events.Payload{"fields": patchFields(patch), "status": next.Status}
	if next.Status != cur.Status {
		payload["previous_status"] = cur.Status
	}
	if next.Slug != cur.Slug {
		payload["previous_slug"] = cur.Slug
		payload["slug"] = next.Slug
	}
	evt, err := e.eventWriter().Build(events.ContestUpdated, events.EntityContest, id, actorID, payload)
	if err != nil {
		return domain.Contest{}, err
	}
	if err := e.Store.UpdateContest(ctx, next, &evt); err != nil {
		return domain.Contest{}, fmt.Errorf("update contest %s: %w", id, err)
	}
	e.logger().Info("contest updated", zap.String("id", id), zap.String("status", string(next.Status)))
	e.invalidate(ctx, cache.ContestPaths(cur.Slug, next.Slug))
	return next, nil
}

func (e Engine) shouldRecompute(p domain.ContestPatch) bool {
	if e.config().Contests.RecomputeStatusOnEdit == config.RecomputeRelevantOnly {
		return p.TouchesStatus()
	}
	return true
}

// validatePatch checks the fields being set. Blank values clear nullable fields
// and skip their format rules; required fields cannot be cleared.
func validatePatch(p domain.ContestPatch) error {
	var verr ValidationError
	if p.Titulo != nil && strings.TrimSpace(*p.Titulo) == "" {
		verr.add("titulo", "required")
	}
	if p.Orgao != nil && strings.TrimSpace(*p.Orgao) == "" {
		verr.add("orgao", "required")
	}
	if p.Status != nil && !p.Status.Valid() {
		verr.add("status", "oneof="+statusNames())
	}
	if err := verr.orNil(); err != nil {
		return err
	}
	checked := p
	for _, f := range []**string{&checked.Abrangencia, &checked.UF, &checked.Escolaridade, &checked.LinkEdital, &checked.LinkInscricao} {
		if *f != nil && strings.TrimSpace(**f) == "" {
			*f = nil
		}
	}
	if checked.UF != nil {
		upper := strings.ToUpper(strings.TrimSpace(*checked.UF))
		checked.UF = &upper
	}
	return validationError(validate.Struct(checked))
}

func patchFields(p domain.ContestPatch) []string {
	var out []string
	set := func(name string, ok bool) {
		if ok {
			out = append(out, name)
		}
	}
	set("titulo", p.Titulo != nil)
	set("orgao", p.Orgao != nil)
	set("banca", p.Banca != nil)
	set("abrangencia", p.Abrangencia != nil)
	set("uf", p.UF != nil)
	set("area", p.Area != nil)
	set("escolaridade", p.Escolaridade != nil)
	set("status", p.Status != nil)
	set("data_publicacao", p.DataPublicacao != nil)
	set("data_inscricao_inicio", p.DataInscricaoInicio != nil)
	set("data_inscricao_fim", p.DataInscricaoFim != nil)
	set("data_prova", p.DataProva != nil)
	set("data_resultado", p.DataResultado != nil)
	set("vagas_imediatas", p.VagasImediatas != nil)
	set("vagas_cr", p.VagasCR != nil)
	set("salario", p.Salario != nil)
	set("link_edital", p.LinkEdital != nil)
	set("link_inscricao", p.LinkInscricao != nil)
	set("descricao", p.Descricao != nil)
	return out
}

func statusNames() string {
	names := make([]string, len(domain.Statuses))
	for i, s := range domain.Statuses {
		names[i] = string(s)
	}
	return strings.Join(names, " ")
}

// DeleteContest removes a contest permanently.
func (e Engine) DeleteContest(ctx context.Context, id, actorID string) error {
	ctx, span := e.startSpan(ctx, "engine.DeleteContest")
	defer span.End()
	span.SetAttributes(attribute.String("contest.id", id))

	cur, err := e.Store.GetContest(ctx, id)
	if err != nil {
		return fmt.Errorf("get contest %s: %w", id, err)
	}
	evt, err := e.eventWriter().Build(events.ContestDeleted, events.EntityContest, id, actorID, events.Payload{
		"slug":   cur.Slug,
		"titulo": cur.Titulo,
	})
	if err != nil {
		return err
	}
	if err := e.Store.DeleteContest(ctx, id, &evt); err != nil {
		return fmt.Errorf("delete contest %s: %w", id, err)
	}
	e.logger().Info("contest deleted", zap.String("id", id), zap.String("slug", cur.Slug))
	e.invalidate(ctx, cache.ContestPaths(cur.Slug))
	return nil
}

func (e Engine) GetContest(ctx context.Context, id string) (domain.Contest, error) {
	c, err := e.Store.GetContest(ctx, id)
	if err != nil {
		return domain.Contest{}, fmt.Errorf("get contest %s: %w", id, err)
	}
	return c, nil
}

func (e Engine) GetContestBySlug(ctx context.Context, s string) (domain.Contest, error) {
	c, err := e.Store.GetContestBySlug(ctx, strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return domain.Contest{}, fmt.Errorf("get contest %s: %w", s, err)
	}
	return c, nil
}

// ListContests returns a page of contests, newest first.
func (e Engine) ListContests(ctx context.Context, f domain.ContestFilters) ([]domain.Contest, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, ValidationError{Fields: map[string]string{"status": "oneof=" + statusNames()}}
	}
	for _, s := range f.ExcludeStatus {
		if !s.Valid() {
			return nil, ValidationError{Fields: map[string]string{"exclude_status": "oneof=" + statusNames()}}
		}
	}
	f.Limit = clampLimit(f.Limit)
	res, err := e.Store.ListContests(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list contests: %w", err)
	}
	return res, nil
}

// ListEvents returns activity log entries, newest first.
func (e Engine) ListEvents(ctx context.Context, f domain.EventFilters) ([]domain.Event, error) {
	f.Limit = clampLimit(f.Limit)
	res, err := e.Store.ListEvents(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return res, nil
}

func clampLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
