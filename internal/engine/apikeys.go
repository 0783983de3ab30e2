package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"github.com/canukguy1974/franky-ai/internal/domain"
	"github.com/canukguy1974/franky-ai/internal/events"
	"github.com/canukguy1974/franky-ai/internal/repo"
)

const apiKeyPrefix = "fk_"

// CreateAPIKey issues a key for actorID. The plaintext is returned once and
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.APIKey{}, "", domain.ValidationError{Field: "actor_id", Reason: "required"}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.stamp(),
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.APIKeyCreated, "", events.KindAPIKey, key.ID, actorID, events.EventPayload{"name": key.Name})
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, actorID)
}

func (e Engine) RevokeAPIKey(ctx context.Context, id string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		return e.Repo.DeleteAPIKey(ctx, tx, id)
	})
}

// ListEvents reads the event log after a cursor.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.EventsAfter(ctx, f)
}
