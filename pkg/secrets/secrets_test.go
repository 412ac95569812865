package secrets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, keySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestRoundTrip(t *testing.T) {
	v, err := NewVault(newKey(t), nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "github-token", "ghp_secret123"))
	got, err := v.Get(ctx, "github-token")
	require.NoError(t, err)
	assert.Equal(t, "ghp_secret123", got)

	// Ciphertext never contains the plaintext.
	assert.NotContains(t, v.Export()["github-token"], "ghp_secret123")
}

func TestUnknownNameIsNotFound(t *testing.T) {
	v, err := NewVault(newKey(t), nil)
	require.NoError(t, err)

	_, err = v.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWrongKeyLooksLikeMissingSecret(t *testing.T) {
	ctx := context.Background()
	v1, err := NewVault(newKey(t), nil)
	require.NoError(t, err)
	require.NoError(t, v1.Set(ctx, "api-key", "value"))

	v2, err := NewVault(newKey(t), nil)
	require.NoError(t, err)
	v2.Import(v1.Export())

	_, err = v2.Get(ctx, "api-key")
	assert.ErrorIs(t, err, ErrNotFound, "wrong key must not be distinguishable from missing")
}

func TestKeySizeValidation(t *testing.T) {
	_, err := NewVault(make([]byte, 16), nil)
	assert.Error(t, err)
}

func TestVaultFromEnv(t *testing.T) {
	key := newKey(t)
	t.Setenv("TEST_MASTER_KEY", base64.StdEncoding.EncodeToString(key))

	v, err := NewVaultFromEnv("TEST_MASTER_KEY", nil)
	require.NoError(t, err)
	require.NoError(t, v.Set(context.Background(), "s", "x"))

	t.Setenv("TEST_MASTER_KEY", "not-base64!!")
	_, err = NewVaultFromEnv("TEST_MASTER_KEY", nil)
	assert.Error(t, err)

	t.Setenv("TEST_MASTER_KEY", "")
	_, err = NewVaultFromEnv("TEST_MASTER_KEY", nil)
	assert.Error(t, err)
}

func TestRotateKeyPreservesSecrets(t *testing.T) {
	ctx := context.Background()
	v, err := NewVault(newKey(t), nil)
	require.NoError(t, err)
	require.NoError(t, v.Set(ctx, "a", "1"))
	require.NoError(t, v.Set(ctx, "b", "2"))

	before := v.Export()
	require.NoError(t, v.RotateKey(newKey(t)))

	got, err := v.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", got)
	got, err = v.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "2", got)

	// Ciphertext changed under the new key.
	assert.NotEqual(t, before["a"], v.Export()["a"])
}

func TestDeleteAndNames(t *testing.T) {
	ctx := context.Background()
	v, err := NewVault(newKey(t), nil)
	require.NoError(t, err)
	require.NoError(t, v.Set(ctx, "a", "1"))

	assert.Equal(t, []string{"a"}, v.Names())
	v.Delete(ctx, "a")
	assert.Empty(t, v.Names())
	v.Delete(ctx, "a") // no-op
}

func TestGenerateKey(t *testing.T) {
	encoded, err := GenerateKey()
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Len(t, raw, keySize)
}
