package auditlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestHashSecret_ProducesVerifiableBcryptHash(t *testing.T) {
	hash, err := HashSecret("per-pipeline-secret")
	require.NoError(t, err)
	assert.NotEqual(t, "per-pipeline-secret", hash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("per-pipeline-secret")))
}

func TestHashSecret_DifferentSecretsProduceDifferentHashes(t *testing.T) {
	a, err := HashSecret("secret-a")
	require.NoError(t, err)
	b, err := HashSecret("secret-b")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Error(t, bcrypt.CompareHashAndPassword([]byte(a), []byte("secret-b")))
}
