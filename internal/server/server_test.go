package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"concursohub/internal/config"
	"concursohub/internal/db"
	"concursohub/internal/domain"
	"concursohub/internal/engine"
	"concursohub/internal/migrate"
	"concursohub/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	Engine engine.Engine
	Repo   repo.Repo
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }
	r := repo.New(conn)
	r.Now = now
	e := engine.New(r, config.Default())
	e.Now = now
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{Server: srv, Engine: e, Repo: r}
}

func token(t *testing.T, subject string, roles ...string) map[string]string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + signed}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func contestBody(title string) map[string]any {
	return map[string]any{
		"titulo":                title,
		"orgao":                 "Polícia Federal",
		"banca":                 "Cebraspe",
		"data_inscricao_inicio": "2025-03-01",
		"data_inscricao_fim":    "2025-03-20",
		"vagas_imediatas":       10,
		"vagas_cr":              5,
	}
}

func createContest(t *testing.T, srv *testServer, title string) domain.Contest {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/contests", contestBody(title), token(t, "editor-1", "editor"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var c domain.Contest
	require.NoError(t, json.Unmarshal(data, &c))
	return c
}

func TestHealthAndAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/contests", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Error.Code)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/contests", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Error.Code)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "public-list-contests")
}

func TestCreateContestAndPublicDetail(t *testing.T) {
	srv := newTestServer(t)
	c := createContest(t, srv, "Polícia Federal Agente 2025")
	assert.Equal(t, "policia-federal-agente-2025", c.Slug)
	assert.Equal(t, domain.StatusRegistrationOpen, c.Status)
	assert.Equal(t, 15, c.VagasTotal)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/public/contests/"+c.Slug, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var got domain.Contest
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, c.ID, got.ID)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/public/contests/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, data).Error.Code)
}

func TestCreateContestValidation(t *testing.T) {
	srv := newTestServer(t)
	editor := token(t, "editor-1", "editor")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/contests", map[string]any{"titulo": "Sem órgão"}, editor)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "bad_request", decodeError(t, data).Error.Code)

	body := contestBody("UF inválida")
	body["uf"] = "XYZ"
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/contests", body, editor)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	env := decodeError(t, data)
	assert.Equal(t, "bad_request", env.Error.Code)
	assert.Contains(t, env.Error.Details, "uf")
}

func TestPermissionsByRole(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/contests", contestBody("Sem permissão"), token(t, "bot", "scheduler"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	env := decodeError(t, data)
	assert.Equal(t, "forbidden", env.Error.Code)
	assert.Equal(t, "contest.write", env.Error.Details["permission"])

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/jobs/refresh-status", nil, token(t, "editor-1", "editor"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "job.run", decodeError(t, data).Error.Details["permission"])
}

func TestUpdateAndDeleteContest(t *testing.T) {
	srv := newTestServer(t)
	editor := token(t, "editor-1", "editor")
	c := createContest(t, srv, "TRF 1")

	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/contests/"+c.ID, map[string]any{
		"titulo":             "TRF 1 Região",
		"data_inscricao_fim": "2025-03-05",
		"data_prova":         "2025-05-04",
		"banca":              "",
	}, editor)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var updated domain.Contest
	require.NoError(t, json.Unmarshal(data, &updated))
	assert.Equal(t, "trf-1-regiao", updated.Slug)
	assert.Equal(t, domain.StatusRegistrationClosed, updated.Status)
	assert.Nil(t, updated.Banca)

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/contests/"+c.ID, nil, editor)
	require.Equal(t, http.StatusNoContent, res.StatusCode, string(data))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/contests/"+c.ID, nil, editor)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/contests/"+c.ID, map[string]any{"banca": "FGV"}, editor)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestRefreshJobWithAPIKey(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	c := createContest(t, srv, "Refresh me")
	require.NoError(t, srv.Repo.UpdateContestStatus(ctx, c.ID, domain.StatusForecast))

	_, secret, err := srv.Engine.CreateAPIKey(ctx, "cron-bot", "scheduler", "nightly", "admin")
	require.NoError(t, err)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/jobs/refresh-status", nil, map[string]string{"X-Api-Key": secret})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var result engine.RefreshResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.Updated)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/jobs/refresh-status", nil, map[string]string{"Authorization": "Bearer " + secret})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, 0, result.Updated)

	_, err = srv.Repo.AcquireJobLock(ctx, engine.RefreshJobName, "other-node", time.Hour)
	require.NoError(t, err)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/jobs/refresh-status", nil, map[string]string{"X-Api-Key": secret})
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "job_running", decodeError(t, data).Error.Code)

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/jobs/refresh-status", nil, map[string]string{"X-Api-Key": "chub_unknown"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestStatusPreview(t *testing.T) {
	srv := newTestServer(t)
	viewer := token(t, "viewer")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/contests/status-preview", map[string]any{
		"data_inscricao_inicio": "2025-03-01",
		"data_inscricao_fim":    "2025-03-20",
		"data_prova":            "2025-05-04",
		"now":                   "2025-04-01",
	}, viewer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var preview StatusPreviewResponse
	require.NoError(t, json.Unmarshal(data, &preview))
	assert.Equal(t, domain.StatusRegistrationClosed, preview.Status)
	assert.Equal(t, "2025-04-01", preview.Date)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/contests/status-preview", map[string]any{
		"status":             "suspended",
		"data_inscricao_fim": "2025-03-20",
	}, viewer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &preview))
	assert.Equal(t, domain.StatusSuspended, preview.Status)
	assert.Equal(t, "2025-03-10", preview.Date)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/contests/status-preview", map[string]any{"now": "someday"}, viewer)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestPublicListingPagination(t *testing.T) {
	srv := newTestServer(t)
	for _, title := range []string{"Alpha", "Beta", "Gamma"} {
		createContest(t, srv, title)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/public/contests?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedContests
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/public/contests?limit=2&cursor="+page.NextCursor, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var next paginatedContests
	require.NoError(t, json.Unmarshal(data, &next))
	require.Len(t, next.Items, 1)
	assert.Empty(t, next.NextCursor)
	for _, c := range page.Items {
		assert.NotEqual(t, c.ID, next.Items[0].ID)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/public/contests?q=gam", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Gamma", page.Items[0].Titulo)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/public/contests?exclude_status=registration_open", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &page))
	assert.Empty(t, page.Items)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/public/contests?status=bogus", nil, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/public/contests?cursor=bm9waXBl", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestReportsAndEvents(t *testing.T) {
	srv := newTestServer(t)
	viewer := token(t, "viewer")
	createContest(t, srv, "Closing soon")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/alerts?closing_days=15", nil, viewer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var alerts engine.AlertsReport
	require.NoError(t, json.Unmarshal(data, &alerts))
	require.Len(t, alerts.ClosingSoon, 1)
	assert.Equal(t, 10, alerts.ClosingSoon[0].DaysLeft)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/dashboard", nil, viewer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var dash engine.Dashboard
	require.NoError(t, json.Unmarshal(data, &dash))
	assert.Equal(t, 1, dash.Total)
	assert.Equal(t, 1, dash.ByStatus["registration_open"])

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/calendar?from=2025-03-01&to=2025-03-31", nil, viewer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var cal CalendarResponse
	require.NoError(t, json.Unmarshal(data, &cal))
	assert.Equal(t, "2025-03-01", cal.From)
	require.Len(t, cal.Milestones, 2)
	assert.Equal(t, engine.MilestoneInscricaoInicio, cal.Milestones[0].Kind)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/calendar?from=2025-03-31&to=2025-03-01", nil, viewer)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?entity_kind=contest", nil, viewer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var evts paginatedEvents
	require.NoError(t, json.Unmarshal(data, &evts))
	require.Len(t, evts.Items, 1)
	assert.Equal(t, "contest.created", evts.Items[0].Type)
	assert.Equal(t, "editor-1", evts.Items[0].ActorID)
}

func TestAPIKeyManagement(t *testing.T) {
	srv := newTestServer(t)
	admin := token(t, "root", "admin")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/api-keys", map[string]any{
		"actor_id": "cms",
		"role":     "editor",
	}, token(t, "editor-1", "editor"))
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/api-keys", map[string]any{
		"actor_id": "cms",
		"role":     "editor",
		"name":     "headless cms",
	}, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created APIKeyCreatedResponse
	require.NoError(t, json.Unmarshal(data, &created))
	assert.Equal(t, "editor", created.Key.Role)
	require.NotEmpty(t, created.Secret)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/contests", contestBody("Via API key"), map[string]string{"X-Api-Key": created.Secret})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/api-keys", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var keys paginatedAPIKeys
	require.NoError(t, json.Unmarshal(data, &keys))
	require.Len(t, keys.Items, 1)

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v0/api-keys/"+created.Key.ID, nil, admin)
	require.Equal(t, http.StatusNoContent, res.StatusCode, string(data))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/contests", nil, map[string]string{"X-Api-Key": created.Secret})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestContestCursorRoundTrip(t *testing.T) {
	c := domain.Contest{ID: "abc", CreatedAt: "2025-03-10T12:00:00Z"}
	createdAt, id, err := decodeContestCursor(encodeContestCursor(c))
	require.NoError(t, err)
	assert.Equal(t, c.CreatedAt, createdAt)
	assert.Equal(t, c.ID, id)

	_, _, err = decodeContestCursor("bm9waXBl")
	assert.Error(t, err)
}

func TestRequestSpanContinuesCallerTrace(t *testing.T) {
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	srv := newTestServer(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, map[string]string{
		"traceparent": "00-" + traceID + "-00f067aa0ba902b7-01",
	})
	require.Equal(t, http.StatusOK, res.StatusCode)

	var found bool
	for _, span := range recorder.Ended() {
		if span.Name() != "GET /v0/health" {
			continue
		}
		found = true
		assert.Equal(t, traceID, span.SpanContext().TraceID().String())
		assert.Equal(t, trace.SpanKindServer, span.SpanKind())
	}
	assert.True(t, found, "request span not recorded")
}
