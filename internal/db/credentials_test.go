package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialRoundtrip(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	cred, err := client.GetCredential(ctx, "owner-1", "openai")
	require.NoError(t, err)
	assert.Nil(t, cred)

	require.NoError(t, client.UpsertCredential(ctx, &OwnerCredential{
		OwnerID:   "owner-1",
		Provider:  "openai",
		SealedKey: "sealed-v1",
	}))

	cred, err = client.GetCredential(ctx, "owner-1", "openai")
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "sealed-v1", cred.SealedKey)

	// Same (owner, provider) replaces the sealed key in place.
	require.NoError(t, client.UpsertCredential(ctx, &OwnerCredential{
		OwnerID:   "owner-1",
		Provider:  "openai",
		SealedKey: "sealed-v2",
	}))
	cred, err = client.GetCredential(ctx, "owner-1", "openai")
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "sealed-v2", cred.SealedKey)

	// Other providers stay independent.
	other, err := client.GetCredential(ctx, "owner-1", "anthropic")
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, client.DeleteCredential(ctx, "owner-1", "openai"))
	cred, err = client.GetCredential(ctx, "owner-1", "openai")
	require.NoError(t, err)
	assert.Nil(t, cred)

	require.NoError(t, client.DeleteCredential(ctx, "owner-1", "openai"))
}

func TestOwnerSettingsRoundtrip(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	settings, err := client.GetOwnerSettings(ctx, "owner-1")
	require.NoError(t, err)
	assert.Nil(t, settings)

	model := "claude-3-5-haiku"
	require.NoError(t, client.UpsertOwnerSettings(ctx, &OwnerSettings{
		OwnerID:        "owner-1",
		DefaultModelID: &model,
	}))

	settings, err = client.GetOwnerSettings(ctx, "owner-1")
	require.NoError(t, err)
	require.NotNil(t, settings)
	require.NotNil(t, settings.DefaultModelID)
	assert.Equal(t, model, *settings.DefaultModelID)

	require.NoError(t, client.UpsertOwnerSettings(ctx, &OwnerSettings{OwnerID: "owner-1"}))
	settings, err = client.GetOwnerSettings(ctx, "owner-1")
	require.NoError(t, err)
	require.NotNil(t, settings)
	assert.Nil(t, settings.DefaultModelID)
}
