// File: internal/profile/store_test.go
package profile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreSecretsAreSeparatedFromPreferences(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetSecret(ctx, "Rio Finance Bank", "password", "s3cret!"))
	require.NoError(t, store.SetSecret(ctx, "Rio Finance Bank", "pin", "4321"))
	require.NoError(t, store.UpdateField(ctx, "Rio Finance Bank", "account_type", "savings"))

	creds, err := store.CredentialsFor(ctx, "Rio Finance Bank")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"password": "s3cret!", "pin": "4321"}, creds)

	prefs, err := store.PreferencesFor(ctx, "Rio Finance Bank")
	require.NoError(t, err)
	assert.Equal(t, "savings", prefs["account_type"])
	// Credentials never leak into the preference view.
	assert.NotContains(t, prefs, "password")
	assert.NotContains(t, prefs, "pin")
}

func TestStorePersonalInfoMergesUnderProviderData(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpdateField(ctx, "", "name", "Asha Rao"))
	require.NoError(t, store.UpdateField(ctx, "", "city", "Pune"))
	require.NoError(t, store.UpdateField(ctx, "ShopFast", "city", "Mumbai"))

	prefs, err := store.PreferencesFor(ctx, "ShopFast")
	require.NoError(t, err)
	assert.Equal(t, "Asha Rao", prefs["name"])
	// Provider-specific values win on collision.
	assert.Equal(t, "Mumbai", prefs["city"])
}

func TestStoreUpsertOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpdateField(ctx, "", "mobile", "9000000001"))
	require.NoError(t, store.UpdateField(ctx, "", "mobile", "9000000002"))

	prefs, err := store.PreferencesFor(ctx, "anything")
	require.NoError(t, err)
	assert.Equal(t, "9000000002", prefs["mobile"])

	require.NoError(t, store.SetSecret(ctx, "Rio Finance Bank", "pin", "1111"))
	require.NoError(t, store.SetSecret(ctx, "Rio Finance Bank", "pin", "2222"))
	creds, err := store.CredentialsFor(ctx, "Rio Finance Bank")
	require.NoError(t, err)
	assert.Equal(t, "2222", creds["pin"])
}

func TestStoreGapAnalysis(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpdateField(ctx, "", "name", "Asha Rao"))
	require.NoError(t, store.SetSecret(ctx, "Rio Finance Bank", "password", "x"))

	missing, err := store.MissingFields(ctx, "Rio Finance Bank",
		[]string{"name", "password", "consumer_id"})
	require.NoError(t, err)
	assert.Equal(t, []string{"consumer_id"}, missing)

	missing, err = store.MissingFields(ctx, "Rio Finance Bank", []string{"name", "password"})
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestStoreCreatesParentDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "profile.db")
	store, err := NewStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.UpdateField(context.Background(), "", "name", "x"))
}
