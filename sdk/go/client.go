package chubsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal concursohub HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Contest represents the API contest model.
type Contest struct {
	ID                  string  `json:"id"`
	Slug                string  `json:"slug"`
	Titulo              string  `json:"titulo"`
	Orgao               string  `json:"orgao"`
	Banca               *string `json:"banca"`
	Abrangencia         *string `json:"abrangencia,omitempty"`
	UF                  *string `json:"uf,omitempty"`
	Area                *string `json:"area,omitempty"`
	Escolaridade        *string `json:"escolaridade,omitempty"`
	Status              string  `json:"status"`
	DataPublicacao      *string `json:"data_publicacao,omitempty"`
	DataInscricaoInicio *string `json:"data_inscricao_inicio"`
	DataInscricaoFim    *string `json:"data_inscricao_fim"`
	DataProva           *string `json:"data_prova"`
	DataResultado       *string `json:"data_resultado"`
	VagasImediatas      int     `json:"vagas_imediatas"`
	VagasCR             int     `json:"vagas_cr"`
	VagasTotal          int     `json:"vagas_total"`
	Salario             *string `json:"salario,omitempty"`
	LinkEdital          *string `json:"link_edital,omitempty"`
	LinkInscricao       *string `json:"link_inscricao,omitempty"`
	Descricao           *string `json:"descricao,omitempty"`
	CreatedAt           string  `json:"created_at"`
	UpdatedAt           string  `json:"updated_at"`
}

// ContestInput is the create payload. Nil fields are omitted.
type ContestInput struct {
	Titulo              string  `json:"titulo"`
	Orgao               string  `json:"orgao"`
	Banca               *string `json:"banca,omitempty"`
	Abrangencia         *string `json:"abrangencia,omitempty"`
	UF                  *string `json:"uf,omitempty"`
	Area                *string `json:"area,omitempty"`
	Escolaridade        *string `json:"escolaridade,omitempty"`
	Status              string  `json:"status,omitempty"`
	DataPublicacao      *string `json:"data_publicacao,omitempty"`
	DataInscricaoInicio *string `json:"data_inscricao_inicio,omitempty"`
	DataInscricaoFim    *string `json:"data_inscricao_fim,omitempty"`
	DataProva           *string `json:"data_prova,omitempty"`
	DataResultado       *string `json:"data_resultado,omitempty"`
	VagasImediatas      int     `json:"vagas_imediatas,omitempty"`
	VagasCR             int     `json:"vagas_cr,omitempty"`
	Salario             *string `json:"salario,omitempty"`
	LinkEdital          *string `json:"link_edital,omitempty"`
	LinkInscricao       *string `json:"link_inscricao,omitempty"`
	Descricao           *string `json:"descricao,omitempty"`
}

// ListOptions filters contest listings.
type ListOptions struct {
	Query         string
	Status        string
	ExcludeStatus []string
	Abrangencia   string
	UF            string
	Limit         int
	Cursor        string
}

// ContestPage wraps list responses with cursors.
type ContestPage struct {
	Items      []Contest `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// RefreshResult summarizes a refresh job run.
type RefreshResult struct {
	Scanned int `json:"scanned"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
	Changes []struct {
		ID   string `json:"id"`
		Slug string `json:"slug"`
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"changes"`
	Failures []struct {
		ID    string `json:"id"`
		Slug  string `json:"slug"`
		Error string `json:"error"`
	} `json:"failures"`
}

// StatusPreview is the derivation result for arbitrary dates.
type StatusPreview struct {
	Status string `json:"status"`
	Date   string `json:"date"`
}

// Alert is a contest inside an alert window.
type Alert struct {
	Contest  Contest `json:"contest"`
	Status   string  `json:"status"`
	Date     string  `json:"date"`
	DaysLeft int     `json:"days_left"`
}

type AlertsReport struct {
	GeneratedAt string  `json:"generated_at"`
	ClosingDays int     `json:"closing_days"`
	OpeningDays int     `json:"opening_days"`
	ClosingSoon []Alert `json:"closing_soon"`
	OpeningSoon []Alert `json:"opening_soon"`
}

type Dashboard struct {
	GeneratedAt string         `json:"generated_at"`
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	Stale       int            `json:"stale"`
	StaleIDs    []string       `json:"stale_ids"`
	ClosingSoon int            `json:"closing_soon"`
	OpeningSoon int            `json:"opening_soon"`
}

type Milestone struct {
	Date      string `json:"date"`
	Kind      string `json:"kind"`
	ContestID string `json:"contest_id"`
	Slug      string `json:"slug"`
	Titulo    string `json:"titulo"`
	Status    string `json:"status"`
}

type Calendar struct {
	From       string      `json:"from"`
	To         string      `json:"to"`
	Milestones []Milestone `json:"milestones"`
}

// APIError wraps non-2xx responses. Code and Message come from the error envelope
// when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health pings the API.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// PublicContests searches the public listing; no credentials are sent.
func (c *Client) PublicContests(ctx context.Context, opts ListOptions) (ContestPage, error) {
	var resp ContestPage
	err := c.do(ctx, http.MethodGet, "public/contests"+opts.query(), nil, &resp)
	return resp, err
}

// PublicContest fetches a contest by slug.
func (c *Client) PublicContest(ctx context.Context, slug string) (Contest, error) {
	var resp Contest
	err := c.do(ctx, http.MethodGet, "public/contests/"+url.PathEscape(slug), nil, &resp)
	return resp, err
}

// ListContests returns a page of contests.
func (c *Client) ListContests(ctx context.Context, opts ListOptions) (ContestPage, error) {
	var resp ContestPage
	err := c.do(ctx, http.MethodGet, "contests"+opts.query(), nil, &resp)
	return resp, err
}

// GetContest fetches a contest by id.
func (c *Client) GetContest(ctx context.Context, id string) (Contest, error) {
	var resp Contest
	err := c.do(ctx, http.MethodGet, "contests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CreateContest creates a contest; status and slug are assigned by the server.
func (c *Client) CreateContest(ctx context.Context, in ContestInput) (Contest, error) {
	var resp Contest
	err := c.do(ctx, http.MethodPost, "contests", in, &resp)
	return resp, err
}

// UpdateContest applies a partial update. Keys follow the contest JSON names; an
// empty string clears a nullable field.
func (c *Client) UpdateContest(ctx context.Context, id string, patch map[string]any) (Contest, error) {
	var resp Contest
	err := c.do(ctx, http.MethodPatch, "contests/"+url.PathEscape(id), patch, &resp)
	return resp, err
}

// DeleteContest removes a contest.
func (c *Client) DeleteContest(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "contests/"+url.PathEscape(id), nil, nil)
}

// PreviewStatus derives a status for the given fields without saving. Recognized
// keys are status, data_inscricao_inicio, data_inscricao_fim, data_prova,
// data_resultado and now.
func (c *Client) PreviewStatus(ctx context.Context, fields map[string]string) (StatusPreview, error) {
	var resp StatusPreview
	err := c.do(ctx, http.MethodPost, "contests/status-preview", fields, &resp)
	return resp, err
}

// RefreshStatuses runs the refresh job. A run in progress elsewhere yields an
// APIError with code job_running.
func (c *Client) RefreshStatuses(ctx context.Context) (RefreshResult, error) {
	var resp RefreshResult
	err := c.do(ctx, http.MethodPost, "jobs/refresh-status", nil, &resp)
	return resp, err
}

// Alerts returns the closing/opening projections. Zero windows use server defaults.
func (c *Client) Alerts(ctx context.Context, closingDays, openingDays int) (AlertsReport, error) {
	q := url.Values{}
	if closingDays > 0 {
		q.Set("closing_days", strconv.Itoa(closingDays))
	}
	if openingDays > 0 {
		q.Set("opening_days", strconv.Itoa(openingDays))
	}
	var resp AlertsReport
	err := c.do(ctx, http.MethodGet, "alerts"+encodeQuery(q), nil, &resp)
	return resp, err
}

func (c *Client) Dashboard(ctx context.Context) (Dashboard, error) {
	var resp Dashboard
	err := c.do(ctx, http.MethodGet, "dashboard", nil, &resp)
	return resp, err
}

// Calendar lists milestones between from and to (YYYY-MM-DD, both optional).
func (c *Client) Calendar(ctx context.Context, from, to string) (Calendar, error) {
	q := url.Values{}
	if from != "" {
		q.Set("from", from)
	}
	if to != "" {
		q.Set("to", to)
	}
	var resp Calendar
	err := c.do(ctx, http.MethodGet, "calendar"+encodeQuery(q), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, "events"+encodeQuery(q), nil, &resp)
	return resp, err
}

func (o ListOptions) query() string {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("q", o.Query)
	set("status", o.Status)
	set("exclude_status", strings.Join(o.ExcludeStatus, ","))
	set("abrangencia", o.Abrangencia)
	set("uf", o.UF)
	set("cursor", o.Cursor)
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	return encodeQuery(q)
}

func encodeQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
