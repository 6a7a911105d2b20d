package server

import (
	"encoding/base64"
	"errors"
	"strings"

	"concursohub/internal/domain"
	"concursohub/internal/engine"
)

// Request payloads

type StatusPreviewRequest struct {
	Status              *string `json:"status,omitempty"`
	DataInscricaoInicio *string `json:"data_inscricao_inicio,omitempty"`
	DataInscricaoFim    *string `json:"data_inscricao_fim,omitempty"`
	DataProva           *string `json:"data_prova,omitempty"`
	DataResultado       *string `json:"data_resultado,omitempty"`
	Now                 *string `json:"now,omitempty" doc:"Reference date (YYYY-MM-DD); defaults to today in the configured timezone"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty" enum:"admin,editor,scheduler"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type paginatedContests struct {
	Items      []domain.Contest `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type StatusPreviewResponse struct {
	Status domain.Status `json:"status"`
	Date   string        `json:"date"`
}

type CalendarResponse struct {
	From       string             `json:"from"`
	To         string             `json:"to"`
	Milestones []engine.Milestone `json:"milestones"`
}

type APIKeyCreatedResponse struct {
	Key    domain.APIKey `json:"key"`
	Secret string        `json:"secret" doc:"Shown once; only its hash is stored"`
}

type paginatedAPIKeys struct {
	Items []domain.APIKey `json:"items"`
}

// Contest listing cursors carry the (created_at, id) of the last item seen.

func encodeContestCursor(c domain.Contest) string {
	return base64.RawURLEncoding.EncodeToString([]byte(c.CreatedAt + "|" + c.ID))
}

func decodeContestCursor(raw string) (createdAt, id string, err error) {
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return "", "", errors.New("invalid cursor")
	}
	createdAt, id, ok := strings.Cut(string(data), "|")
	if !ok || createdAt == "" || id == "" {
		return "", "", errors.New("invalid cursor")
	}
	return createdAt, id, nil
}

func splitStatuses(raw string) []domain.Status {
	var out []domain.Status
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, domain.Status(part))
		}
	}
	return out
}
