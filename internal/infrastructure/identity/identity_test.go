package identity

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func hashFor(t *testing.T, token string) string {
	t.Helper()
	// MinCost keeps the test fast; production specs use DefaultCost.
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func TestResolve(t *testing.T) {
	specs := fmt.Sprintf("alice:%s,ben:%s", hashFor(t, "tok-a"), hashFor(t, "tok-b"))
	priv := fmt.Sprintf("clinician:%s", hashFor(t, "tok-c"))
	r, err := NewResolver(specs, priv)
	require.NoError(t, err)
	assert.False(t, r.Empty())

	id, err := r.Resolve("tok-a")
	require.NoError(t, err)
	assert.Equal(t, Identity{Subject: "alice"}, id)

	id, err = r.Resolve("tok-c")
	require.NoError(t, err)
	assert.Equal(t, Identity{Subject: "clinician", Privileged: true}, id)

	_, err = r.Resolve("wrong")
	assert.ErrorIs(t, err, ErrUnknownToken)

	_, err = r.Resolve("")
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestNewResolverRejectsMalformedSpec(t *testing.T) {
	_, err := NewResolver("no-separator", "")
	assert.Error(t, err)

	_, err = NewResolver(":hash-only", "")
	assert.Error(t, err)
}

func TestEmptyResolver(t *testing.T) {
	r, err := NewResolver("", "")
	require.NoError(t, err)
	assert.True(t, r.Empty())
}

func TestHashTokenRoundTrip(t *testing.T) {
	h, err := HashToken("tok-x")
	require.NoError(t, err)

	r, err := NewResolver("x:"+h, "")
	require.NoError(t, err)
	id, err := r.Resolve("tok-x")
	require.NoError(t, err)
	assert.Equal(t, "x", id.Subject)

	_, err = HashToken("")
	assert.Error(t, err)
}
