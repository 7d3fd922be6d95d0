package shared

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCSRFTokenBoundToSession(t *testing.T) {
	m := NewCSRFManager("secret")
	token := m.Token("session-a")
	require.Equal(t, token, m.Token("session-a"))
	require.NotEqual(t, token, m.Token("session-b"))

	require.NoError(t, m.VerifyToken("session-a", token))
	require.ErrorIs(t, m.VerifyToken("session-b", token), ErrCSRFTokenMismatch)
	require.ErrorIs(t, m.VerifyToken("session-a", ""), ErrCSRFTokenMissing)
	require.ErrorIs(t, m.VerifyToken("", token), ErrCSRFTokenMissing)
}

func TestCSRFTokenDependsOnSecret(t *testing.T) {
	require.NotEqual(t, NewCSRFManager("one").Token("s"), NewCSRFManager("two").Token("s"))
}
