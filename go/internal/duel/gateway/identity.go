package gateway

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/duelsync/go/internal/duel/store"
)

// GuestIDKey is the storage key of the stable anonymous identity
const GuestIDKey = "duel.guest_id"

// loadOrCreateGuestID returns the persisted guest id, generating it on first use
func loadOrCreateGuestID(ctx context.Context, kv store.KV) (string, error) {
	id, ok, err := kv.Get(ctx, GuestIDKey)
	if err != nil {
		return "", fmt.Errorf("read guest id: %w", err)
	}
	if ok && id != "" {
		return id, nil
	}

	id = uuid.New().String()
	if err := kv.Set(ctx, GuestIDKey, id); err != nil {
		return "", fmt.Errorf("persist guest id: %w", err)
	}
	log.Info().Str("guest_id", id).Msg("generated guest identity")
	return id, nil
}
