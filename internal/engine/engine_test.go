package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"concursohub/internal/config"
	"concursohub/internal/db"
	"concursohub/internal/domain"
	"concursohub/internal/engine"
	"concursohub/internal/events"
	"concursohub/internal/migrate"
	"concursohub/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Repo   repo.Repo
	Ctx    context.Context
	Cache  *recordingCache
	now    *time.Time
}

func (env testEnv) setNow(t time.Time) { *env.now = t }

type recordingCache struct {
	mu    sync.Mutex
	calls [][]string
}

func (c *recordingCache) Invalidate(_ context.Context, paths ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, paths)
	return nil
}

func (c *recordingCache) last() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		return nil
	}
	return c.calls[len(c.calls)-1]
}

func (c *recordingCache) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	for _, m := range mutate {
		m(cfg)
	}
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &now
	r := repo.New(conn)
	r.Now = func() time.Time { return *clock }
	rc := &recordingCache{}
	eng := engine.New(r, cfg)
	eng.Now = func() time.Time { return *clock }
	eng.Cache = rc
	return testEnv{Engine: eng, Repo: r, Ctx: context.Background(), Cache: rc, now: clock}
}

func strp(s string) *string { return &s }
func intp(n int) *int       { return &n }

func openInput(title string) domain.ContestInput {
	return domain.ContestInput{
		Titulo:              title,
		Orgao:               "Polícia Federal",
		DataInscricaoInicio: strp("2025-03-01"),
		DataInscricaoFim:    strp("2025-03-20"),
		DataProva:           strp("2025-05-04"),
		VagasImediatas:      10,
		VagasCR:             5,
	}
}

func TestCreateContestDerivesStatusAndSlug(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateContest(env.Ctx, openInput("Concurso Polícia Federal 2025"), "editor-1")
	require.NoError(t, err)
	assert.Equal(t, "concurso-policia-federal-2025", c.Slug)
	assert.Equal(t, domain.StatusRegistrationOpen, c.Status)
	assert.Equal(t, 15, c.VagasTotal)
	assert.Equal(t, "2025-03-10T12:00:00Z", c.CreatedAt)

	stored, err := env.Engine.GetContestBySlug(env.Ctx, "Concurso-Policia-Federal-2025")
	require.NoError(t, err)
	assert.Equal(t, c, stored)

	evts, err := env.Engine.ListEvents(env.Ctx, domain.EventFilters{EntityID: c.ID})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, events.ContestCreated, evts[0].Type)
	assert.Equal(t, "editor-1", evts[0].ActorID)
	assert.Equal(t, []string{"/", "/concursos", "/concursos/concurso-policia-federal-2025"}, env.Cache.last())
}

func TestCreateContestDefaultsToForecast(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateContest(env.Ctx, domain.ContestInput{Titulo: "INSS", Orgao: "INSS"}, "editor-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusForecast, c.Status)

	rumor, err := env.Engine.CreateContest(env.Ctx, domain.ContestInput{
		Titulo: "Receita", Orgao: "RFB", Status: domain.StatusRumor,
		DataInscricaoInicio: strp("2025-03-01"), DataInscricaoFim: strp("2025-03-20"),
	}, "editor-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRumor, rumor.Status)
}

func TestCreateContestSlugCollision(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.CreateContest(env.Ctx, openInput("Tribunal de Justiça São Paulo"), "editor-1")
	require.NoError(t, err)
	second, err := env.Engine.CreateContest(env.Ctx, openInput("Tribunal de Justiça São Paulo"), "editor-1")
	require.NoError(t, err)
	third, err := env.Engine.CreateContest(env.Ctx, openInput("tribunal de justica sao paulo"), "editor-1")
	require.NoError(t, err)
	assert.Equal(t, "tribunal-de-justica-sao-paulo", first.Slug)
	assert.Equal(t, "tribunal-de-justica-sao-paulo-2", second.Slug)
	assert.Equal(t, "tribunal-de-justica-sao-paulo-3", third.Slug)
}

func TestCreateContestValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateContest(env.Ctx, domain.ContestInput{Titulo: "  ", UF: strp("SPX"), VagasCR: -1}, "editor-1")
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "titulo")
	assert.Contains(t, verr.Fields, "orgao")
	assert.Contains(t, verr.Fields, "uf")
	assert.Contains(t, verr.Fields, "vagas_cr")

	_, err = env.Engine.CreateContest(env.Ctx, domain.ContestInput{Titulo: "x", Orgao: "y", Status: "pending"}, "editor-1")
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "status")

	// blank optional values are cleared before format checks
	c, err := env.Engine.CreateContest(env.Ctx, domain.ContestInput{Titulo: "x", Orgao: "y", LinkEdital: strp(" "), UF: strp("sp")}, "editor-1")
	require.NoError(t, err)
	assert.Nil(t, c.LinkEdital)
	assert.Equal(t, "SP", *c.UF)
}

func TestUpdateContestRenameAndQuotas(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateContest(env.Ctx, openInput("Banco do Brasil"), "editor-1")
	require.NoError(t, err)
	_, err = env.Engine.CreateContest(env.Ctx, openInput("Caixa"), "editor-1")
	require.NoError(t, err)

	updated, err := env.Engine.UpdateContest(env.Ctx, c.ID, domain.ContestPatch{
		Titulo:  strp("Caixa"),
		VagasCR: intp(20),
		Banca:   strp("Cesgranrio"),
	}, "editor-2")
	require.NoError(t, err)
	assert.Equal(t, "caixa-2", updated.Slug)
	assert.Equal(t, 10, updated.VagasImediatas)
	assert.Equal(t, 30, updated.VagasTotal)
	assert.Equal(t, "Cesgranrio", *updated.Banca)
	assert.ElementsMatch(t, []string{"/", "/concursos", "/concursos/banco-do-brasil", "/concursos/caixa-2"}, env.Cache.last())

	cleared, err := env.Engine.UpdateContest(env.Ctx, c.ID, domain.ContestPatch{Banca: strp("")}, "editor-2")
	require.NoError(t, err)
	assert.Nil(t, cleared.Banca)
	assert.Equal(t, "caixa-2", cleared.Slug)

	// renaming to its own title keeps the slug
	same, err := env.Engine.UpdateContest(env.Ctx, c.ID, domain.ContestPatch{Titulo: strp("Caixa ")}, "editor-2")
	require.NoError(t, err)
	assert.Equal(t, "caixa-2", same.Slug)
}

func TestUpdateContestValidation(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateContest(env.Ctx, openInput("Petrobras"), "editor-1")
	require.NoError(t, err)

	var verr engine.ValidationError
	_, err = env.Engine.UpdateContest(env.Ctx, c.ID, domain.ContestPatch{Orgao: strp("")}, "editor-1")
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "orgao")

	bad := domain.Status("open")
	_, err = env.Engine.UpdateContest(env.Ctx, c.ID, domain.ContestPatch{Status: &bad}, "editor-1")
	require.ErrorAs(t, err, &verr)

	_, err = env.Engine.UpdateContest(env.Ctx, c.ID, domain.ContestPatch{LinkEdital: strp("not a url")}, "editor-1")
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "link_edital")

	// clearing a formatted field is allowed
	_, err = env.Engine.UpdateContest(env.Ctx, c.ID, domain.ContestPatch{Abrangencia: strp("")}, "editor-1")
	require.NoError(t, err)

	_, err = env.Engine.UpdateContest(env.Ctx, "missing", domain.ContestPatch{Banca: strp("x")}, "editor-1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestUpdateRecomputesStatusAlways(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateContest(env.Ctx, openInput("Correios"), "editor-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusRegistrationOpen, c.Status)

	env.setNow(time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC))
	updated, err := env.Engine.UpdateContest(env.Ctx, c.ID, domain.ContestPatch{Banca: strp("IBFC")}, "editor-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRegistrationClosed, updated.Status)
}

func TestUpdateRecomputesStatusRelevantOnly(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Contests.RecomputeStatusOnEdit = config.RecomputeRelevantOnly
	})
	c, err := env.Engine.CreateContest(env.Ctx, openInput("Correios"), "editor-1")
	require.NoError(t, err)

	env.setNow(time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC))
	updated, err := env.Engine.UpdateContest(env.Ctx, c.ID, domain.ContestPatch{Banca: strp("IBFC")}, "editor-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRegistrationOpen, updated.Status)

	updated, err = env.Engine.UpdateContest(env.Ctx, c.ID, domain.ContestPatch{DataProva: strp("2025-03-30")}, "editor-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, updated.Status)
}

func TestUpdateManualStatusWins(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateContest(env.Ctx, openInput("Anvisa"), "editor-1")
	require.NoError(t, err)
	suspended := domain.StatusSuspended
	updated, err := env.Engine.UpdateContest(env.Ctx, c.ID, domain.ContestPatch{Status: &suspended}, "editor-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuspended, updated.Status)

	res, err := env.Engine.RefreshStatuses(env.Ctx, "cron")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Updated)
}

func TestDeleteContest(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateContest(env.Ctx, openInput("Ibama"), "editor-1")
	require.NoError(t, err)
	require.NoError(t, env.Engine.DeleteContest(env.Ctx, c.ID, "admin"))
	_, err = env.Engine.GetContest(env.Ctx, c.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.ErrorIs(t, env.Engine.DeleteContest(env.Ctx, c.ID, "admin"), repo.ErrNotFound)

	evts, err := env.Engine.ListEvents(env.Ctx, domain.EventFilters{Type: events.ContestDeleted})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Contains(t, evts[0].Payload, `"slug":"ibama"`)
}

func TestRefreshStatusesIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	open, err := env.Engine.CreateContest(env.Ctx, openInput("Open"), "editor-1")
	require.NoError(t, err)
	future := openInput("Future")
	future.DataInscricaoInicio = strp("2025-04-01")
	future.DataInscricaoFim = strp("2025-04-15")
	_, err = env.Engine.CreateContest(env.Ctx, future, "editor-1")
	require.NoError(t, err)
	done := openInput("Done")
	done.DataInscricaoInicio = strp("2024-01-01")
	done.DataInscricaoFim = strp("2024-01-10")
	done.DataProva = strp("2024-02-01")
	closed, err := env.Engine.CreateContest(env.Ctx, done, "editor-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusClosed, closed.Status)

	res, err := env.Engine.RefreshStatuses(env.Ctx, "cron")
	require.NoError(t, err)
	assert.Equal(t, engine.RefreshResult{Scanned: 2}, res)

	env.setNow(time.Date(2025, 4, 2, 12, 0, 0, 0, time.UTC))
	calls := env.Cache.count()
	res, err = env.Engine.RefreshStatuses(env.Ctx, "cron")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 2, res.Updated)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, calls+1, env.Cache.count())

	got, err := env.Engine.GetContest(env.Ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRegistrationClosed, got.Status)

	res, err = env.Engine.RefreshStatuses(env.Ctx, "cron")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Updated)
	assert.Equal(t, calls+1, env.Cache.count())

	refreshed, err := env.Engine.ListEvents(env.Ctx, domain.EventFilters{Type: events.ContestStatusRefresh})
	require.NoError(t, err)
	assert.Len(t, refreshed, 2)
	runs, err := env.Engine.ListEvents(env.Ctx, domain.EventFilters{Type: events.RefreshJobCompleted})
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

type failingStore struct {
	engine.Store
	failID string
}

func (s failingStore) UpdateContestStatus(ctx context.Context, id string, st domain.Status) error {
	if id == s.failID {
		return errors.New("disk full")
	}
	return s.Store.UpdateContestStatus(ctx, id, st)
}

func TestRefreshStatusesContinuesAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.CreateContest(env.Ctx, openInput("A"), "editor-1")
	require.NoError(t, err)
	b, err := env.Engine.CreateContest(env.Ctx, openInput("B"), "editor-1")
	require.NoError(t, err)
	env.Engine.Store = failingStore{Store: env.Engine.Store, failID: a.ID}

	env.setNow(time.Date(2025, 4, 2, 12, 0, 0, 0, time.UTC))
	res, err := env.Engine.RefreshStatuses(env.Ctx, "cron")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, a.ID, res.Failures[0].ID)
	assert.Equal(t, b.ID, res.Changes[0].ID)

	got, err := env.Engine.GetContest(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRegistrationOpen, got.Status)
}

func TestRefreshStatusesLockHeld(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Repo.AcquireJobLock(env.Ctx, engine.RefreshJobName, "other-host", time.Minute)
	require.NoError(t, err)
	_, err = env.Engine.RefreshStatuses(env.Ctx, "cron")
	assert.ErrorIs(t, err, engine.ErrJobRunning)

	// an expired lease is taken over
	env.setNow(time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC))
	_, err = env.Engine.RefreshStatuses(env.Ctx, "cron")
	require.NoError(t, err)
}

func TestRefreshStatusesConcurrentCallers(t *testing.T) {
	env := newTestEnv(t)
	for _, title := range []string{"A", "B", "C"} {
		_, err := env.Engine.CreateContest(env.Ctx, openInput(title), "editor-1")
		require.NoError(t, err)
	}
	env.setNow(time.Date(2025, 4, 2, 12, 0, 0, 0, time.UTC))
	var wg sync.WaitGroup
	errs := make([]error, 6)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.RefreshStatuses(env.Ctx, "cron")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	counts, err := env.Repo.CountContestsByStatus(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[domain.StatusRegistrationClosed])
}

func TestRefreshStatusesOutlivesCallerCancellation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateContest(env.Ctx, openInput("Concurso Cancelado"), "editor-1")
	require.NoError(t, err)
	env.setNow(time.Date(2025, 4, 2, 12, 0, 0, 0, time.UTC))

	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()
	res, err := env.Engine.RefreshStatuses(ctx, "cron")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
}

func TestRefreshStatusesRecordsSpan(t *testing.T) {
	env := newTestEnv(t)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	env.Engine.Tracer = tp.Tracer("engine-test")

	_, err := env.Engine.CreateContest(env.Ctx, openInput("Concurso Rastreado"), "editor-1")
	require.NoError(t, err)
	env.setNow(time.Date(2025, 4, 2, 12, 0, 0, 0, time.UTC))
	_, err = env.Engine.RefreshStatuses(env.Ctx, "cron")
	require.NoError(t, err)

	var found bool
	for _, span := range recorder.Ended() {
		if span.Name() != "engine.RefreshStatuses" {
			continue
		}
		found = true
		attrs := map[attribute.Key]attribute.Value{}
		for _, kv := range span.Attributes() {
			attrs[kv.Key] = kv.Value
		}
		assert.Equal(t, int64(1), attrs["refresh.scanned"].AsInt64())
		assert.Equal(t, int64(1), attrs["refresh.updated"].AsInt64())
		assert.Equal(t, int64(0), attrs["refresh.failed"].AsInt64())
	}
	assert.True(t, found, "refresh span not recorded")
}

func TestStatusUsesConfiguredTimezone(t *testing.T) {
	env := newTestEnv(t)
	// 01:00 UTC on the 21st is still the 20th in São Paulo
	env.setNow(time.Date(2025, 3, 21, 1, 0, 0, 0, time.UTC))
	c, err := env.Engine.CreateContest(env.Ctx, openInput("Last day"), "editor-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRegistrationOpen, c.Status)
}

func TestAlertsDashboardCalendar(t *testing.T) {
	env := newTestEnv(t)
	closing := openInput("Closing")
	closing.DataInscricaoFim = strp("2025-03-14")
	closingC, err := env.Engine.CreateContest(env.Ctx, closing, "editor-1")
	require.NoError(t, err)
	opening := openInput("Opening")
	opening.DataInscricaoInicio = strp("2025-03-20")
	opening.DataInscricaoFim = strp("2025-04-20")
	openingC, err := env.Engine.CreateContest(env.Ctx, opening, "editor-1")
	require.NoError(t, err)
	shelved := opening
	shelved.Titulo = "Shelved"
	shelved.Status = domain.StatusNoForecast
	_, err = env.Engine.CreateContest(env.Ctx, shelved, "editor-1")
	require.NoError(t, err)
	_, err = env.Engine.CreateContest(env.Ctx, openInput("Far"), "editor-1")
	require.NoError(t, err)

	rep, err := env.Engine.Alerts(env.Ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, rep.ClosingSoon, 1)
	assert.Equal(t, closingC.ID, rep.ClosingSoon[0].Contest.ID)
	assert.Equal(t, 4, rep.ClosingSoon[0].DaysLeft)
	require.Len(t, rep.OpeningSoon, 1)
	assert.Equal(t, openingC.ID, rep.OpeningSoon[0].Contest.ID)
	assert.Equal(t, 10, rep.OpeningSoon[0].DaysLeft)

	env.setNow(time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC))
	dash, err := env.Engine.Dashboard(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, dash.Total)
	assert.Equal(t, 2, dash.ByStatus["registration_open"])
	assert.Equal(t, 1, dash.ByStatus["no_forecast"])
	assert.Equal(t, 1, dash.Stale)
	assert.Equal(t, []string{closingC.ID}, dash.StaleIDs)

	cal, err := env.Engine.Calendar(env.Ctx, time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC), time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, cal, 4)
	assert.Equal(t, "2025-03-14", cal[0].Date)
	assert.Equal(t, engine.MilestoneInscricaoFim, cal[0].Kind)
	assert.Equal(t, "2025-03-20", cal[1].Date)
	assert.Equal(t, engine.MilestoneInscricaoInicio, cal[1].Kind)

	window, err := env.Engine.Calendar(env.Ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.NotEmpty(t, window)
	for _, m := range window {
		assert.GreaterOrEqual(t, m.Date, "2025-03-15")
		assert.LessOrEqual(t, m.Date, "2025-04-14")
	}

	_, err = env.Engine.Calendar(env.Ctx, time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC), time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	var verr engine.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestAPIKeys(t *testing.T) {
	env := newTestEnv(t)
	key, secret, err := env.Engine.CreateAPIKey(env.Ctx, "cron-bot", "scheduler", "nightly", "admin")
	require.NoError(t, err)
	assert.NotEqual(t, secret, key.KeyHash)

	got, err := env.Engine.AuthenticateAPIKey(env.Ctx, secret)
	require.NoError(t, err)
	assert.Equal(t, "scheduler", got.Role)

	_, err = env.Engine.AuthenticateAPIKey(env.Ctx, "chub_wrong")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, _, err = env.Engine.CreateAPIKey(env.Ctx, "cron-bot", "root", "", "admin")
	var verr engine.ValidationError
	assert.ErrorAs(t, err, &verr)
}
