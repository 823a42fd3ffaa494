package credential

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeAuthFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestStoreFileDiscovery(t *testing.T) {
	dir := t.TempDir()
	writeAuthFile(t, dir, "auth-1.json", `{"accountName":"alpha","cookies":[]}`)
	writeAuthFile(t, dir, "auth-3.json", `{"cookies":[]}`)
	writeAuthFile(t, dir, "auth-2.json", `not json at all`)
	writeAuthFile(t, dir, "notes.txt", `ignored`)

	store := NewStore(dir)

	require.True(t, store.HasAvailable())
	require.False(t, store.EnvMode())
	require.Equal(t, []int{1, 2, 3}, store.InitialIndices())
	require.Equal(t, []int{1, 3}, store.AvailableIndices())

	blob, err := store.Get(1)
	require.NoError(t, err)
	require.Contains(t, string(blob), "alpha")

	_, err = store.Get(2)
	require.ErrorIs(t, err, ErrNotFound)

	require.Equal(t, "alpha", store.DisplayName(1))
	require.Equal(t, "auth-3", store.DisplayName(3))
}

func TestStoreAvailableSubsetOfInitial(t *testing.T) {
	dir := t.TempDir()
	writeAuthFile(t, dir, "auth-5.json", `{}`)
	writeAuthFile(t, dir, "auth-7.json", `{broken`)

	store := NewStore(dir)

	initial := store.InitialIndices()
	for _, index := range store.AvailableIndices() {
		require.Contains(t, initial, index)
	}
}

func TestStoreEnvDiscovery(t *testing.T) {
	t.Setenv("AUTH_JSON_4", `{"accountName":"env-account"}`)
	t.Setenv("AUTH_JSON_9", `{"cookies":[]}`)

	store := NewStore(t.TempDir())

	require.True(t, store.EnvMode())
	require.Equal(t, []int{4, 9}, store.AvailableIndices())
	require.Equal(t, "env-account", store.DisplayName(4))
}

func TestStoreEnvModeSkipsInvalidEntries(t *testing.T) {
	t.Setenv("AUTH_JSON_1", `{`)
	t.Setenv("AUTH_JSON_2", `{"ok":true}`)

	store := NewStore(t.TempDir())

	require.Equal(t, []int{1, 2}, store.InitialIndices())
	require.Equal(t, []int{2}, store.AvailableIndices())
}

func TestStoreEmptyDirectory(t *testing.T) {
	store := NewStore(t.TempDir())
	require.False(t, store.HasAvailable())
	require.Empty(t, store.AvailableIndices())
}

func TestStoreReloadPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	writeAuthFile(t, dir, "auth-1.json", `{}`)

	store := NewStore(dir)
	require.Equal(t, []int{1}, store.AvailableIndices())

	writeAuthFile(t, dir, "auth-2.json", `{"accountName":"late"}`)
	store.Reload()

	require.Equal(t, []int{1, 2}, store.AvailableIndices())
	require.Equal(t, "late", store.DisplayName(2))
}
