package middleware_test

import (
	"context"
	"testing"

	"github.com/aretw0/tessera/pkg/adapters/memory"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/persistence/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIIMiddleware_Masking(t *testing.T) {
	underlying := memory.NewStore()
	mw, err := middleware.NewPIIMiddleware([]string{"password", "ssn", "^email$"})
	require.NoError(t, err)
	secureStore := mw(underlying)
	ctx := context.Background()

	snap := &domain.SessionSnapshot{
		ID: "pii-session",
		Machine: domain.MachineSnapshot{
			State: domain.StateIdle,
			Context: map[string]any{
				"username":      "jdoe",
				"user_password": "secret123",
				"details": map[string]any{
					"address":    "123 St",
					"ssn_number": "999-99-9999",
				},
				"contacts": []any{map[string]any{"email": "a@b.c", "name": "Ana"}},
			},
		},
		LastGood: map[string]any{"lookup": map[string]any{"email": "a@b.c"}},
		Nodes: []domain.Node{
			{ID: "r1/ctx", Type: domain.NodeContextCard, Props: map[string]any{"email": "a@b.c", "title": "Context"}},
		},
	}

	require.NoError(t, secureStore.Save(ctx, snap))

	assert.Equal(t, "secret123", snap.Machine.Context["user_password"], "caller snapshot must not be modified")
	assert.Equal(t, "a@b.c", snap.Nodes[0].Props["email"])

	stored, err := underlying.Load(ctx, "pii-session")
	require.NoError(t, err)

	assert.Equal(t, "jdoe", stored.Machine.Context["username"])
	assert.Equal(t, middleware.Mask, stored.Machine.Context["user_password"])
	details := stored.Machine.Context["details"].(map[string]any)
	assert.Equal(t, middleware.Mask, details["ssn_number"])
	assert.Equal(t, "123 St", details["address"])
	contact := stored.Machine.Context["contacts"].([]any)[0].(map[string]any)
	assert.Equal(t, middleware.Mask, contact["email"])
	assert.Equal(t, "Ana", contact["name"])
	assert.Equal(t, middleware.Mask, stored.LastGood["lookup"].(map[string]any)["email"])
	assert.Equal(t, middleware.Mask, stored.Nodes[0].Props["email"])
	assert.Equal(t, "Context", stored.Nodes[0].Props["title"])
}

func TestPIIMiddleware_BadPattern(t *testing.T) {
	_, err := middleware.NewPIIMiddleware([]string{"("})
	assert.Error(t, err)
}

func TestChain_EncryptsMaskedData(t *testing.T) {
	underlying := memory.NewStore()
	pii, err := middleware.NewPIIMiddleware([]string{"password"})
	require.NoError(t, err)
	enc, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: generateKey(t)})
	require.NoError(t, err)

	store := middleware.Chain(underlying, pii, enc)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, &domain.SessionSnapshot{
		ID:      "s",
		Machine: domain.MachineSnapshot{Context: map[string]any{"password": "hunter2"}},
	}))

	loaded, err := store.Load(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, middleware.Mask, loaded.Machine.Context["password"])
}
