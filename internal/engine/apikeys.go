package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"concursohub/internal/domain"
	"concursohub/internal/engine/auth"
	"concursohub/internal/events"
	"concursohub/internal/repo"
)

const apiKeyPrefix = "chub_"

// CreateAPIKey issues a key for actorID. The plaintext secret is returned once;
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, role, name, createdBy string) (domain.APIKey, string, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.APIKey{}, "", ValidationError{Fields: map[string]string{"actor_id": "required"}}
	}
	if role == "" {
		role = auth.RoleEditor
	}
	if !auth.ValidRole(role) {
		return domain.APIKey{}, "", ValidationError{Fields: map[string]string{"role": "oneof=admin editor scheduler"}}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("generate key: %w", err)
	}
	secret := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        e.newID(),
		ActorID:   actorID,
		Role:      role,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.stamp(),
	}
	evt, err := e.eventWriter().Build(events.APIKeyCreated, events.EntityAPIKey, key.ID, createdBy, events.Payload{
		"actor_id": key.ActorID,
		"role":     key.Role,
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Store.InsertAPIKey(ctx, key, &evt); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("insert api key: %w", err)
	}
	return key, secret, nil
}

// AuthenticateAPIKey resolves a plaintext key to its stored record.
func (e Engine) AuthenticateAPIKey(ctx context.Context, secret string) (domain.APIKey, error) {
	if strings.TrimSpace(secret) == "" {
		return domain.APIKey{}, domain.ErrNotFound
	}
	return e.Store.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret))
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Store.ListAPIKeys(ctx, actorID)
}

func (e Engine) DeleteAPIKey(ctx context.Context, id string) error {
	return e.Store.DeleteAPIKey(ctx, id)
}
