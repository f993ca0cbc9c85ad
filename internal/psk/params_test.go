package psk

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"testing"

	"cicada/internal/ilp"

	"github.com/stretchr/testify/require"
)

func mustSecret(t *testing.T) Secret {
	t.Helper()
	s, err := NewSecret()
	require.NoError(t, err)
	return s
}

func TestGenerateParams_Deterministic(t *testing.T) {
	secret := mustSecret(t)

	a, err := GenerateParams("test.blah.", secret)
	require.NoError(t, err)
	b, err := GenerateParams("test.blah.", secret)
	require.NoError(t, err)
	require.Equal(t, a, b)

	require.True(t, strings.HasPrefix(a.DestinationAccount, "test.blah."))
	require.True(t, ilp.ValidAddress(a.DestinationAccount))
	segs, err := ilp.Suffix("test.blah.", a.DestinationAccount)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	require.Equal(t, DefaultMaximumAmount, a.MaximumAmount)
	require.Equal(t, DefaultMinimumAmount, a.MinimumAmount)
}

func TestGenerateParams_SecretSensitivity(t *testing.T) {
	a, err := GenerateParams("test.blah.", mustSecret(t))
	require.NoError(t, err)
	b, err := GenerateParams("test.blah.", mustSecret(t))
	require.NoError(t, err)
	require.NotEqual(t, a.SharedSecret, b.SharedSecret)
	require.NotEqual(t, a.DestinationAccount, b.DestinationAccount)
}

func TestGenerateParams_Nonce(t *testing.T) {
	secret := mustSecret(t)
	a, err := GenerateParams("test.blah.", secret, WithNonce([]byte("one")))
	require.NoError(t, err)
	b, err := GenerateParams("test.blah.", secret, WithNonce([]byte("two")))
	require.NoError(t, err)
	require.NotEqual(t, a.SharedSecret, b.SharedSecret)

	// the receiver id segment is shared, only the token differs
	sa, _ := ilp.Suffix("test.blah.", a.DestinationAccount)
	sb, _ := ilp.Suffix("test.blah.", b.DestinationAccount)
	require.Equal(t, sa[0], sb[0])
	require.NotEqual(t, sa[1], sb[1])

	again, err := GenerateParams("test.blah.", secret, WithNonce([]byte("one")))
	require.NoError(t, err)
	require.Equal(t, a, again)
}

func TestGenerateParams_Prefix(t *testing.T) {
	secret := mustSecret(t)
	withDot, err := GenerateParams("g.alice.", secret)
	require.NoError(t, err)
	withoutDot, err := GenerateParams("g.alice", secret)
	require.NoError(t, err)
	require.Equal(t, withDot, withoutDot)

	_, err = GenerateParams("not a prefix", secret)
	require.ErrorIs(t, err, ilp.ErrInvalidAddress)
	_, err = GenerateParams("g.alice.", secret, WithAmounts(10, 5))
	require.ErrorContains(t, err, "minimum amount 10 exceeds maximum amount 5")

	r, err := GenerateParams("g.alice.", secret, WithAmounts(5, 10))
	require.NoError(t, err)
	require.EqualValues(t, 5, r.MinimumAmount)
	require.EqualValues(t, 10, r.MaximumAmount)
}

func TestConditionFor(t *testing.T) {
	req, err := GenerateParams("test.blah.", mustSecret(t))
	require.NoError(t, err)

	packet, condition, err := req.Quote(100, []byte("memo"))
	require.NoError(t, err)
	f := FulfillmentFor(req.SharedSecret, packet)
	require.Equal(t, condition, sha256.Sum256(f[:]))

	tampered := append([]byte(nil), packet...)
	tampered[len(tampered)-1] ^= 1
	require.NotEqual(t, condition, ConditionFor(req.SharedSecret, tampered))

	other, err := GenerateParams("test.blah.", mustSecret(t))
	require.NoError(t, err)
	require.NotEqual(t, condition, ConditionFor(other.SharedSecret, packet))
}

func TestSecret_Redacted(t *testing.T) {
	var s Secret
	for i := range s {
		s[i] = 0xab
	}
	for _, verb := range []string{"%v", "%s", "%+v", "%#v"} {
		out := fmt.Sprintf(verb, s)
		require.NotContains(t, out, "ab", verb)
		require.NotContains(t, out, "171", verb)
		require.Contains(t, out, "redacted", verb)
	}
}

func TestEncodeSharedSecret(t *testing.T) {
	var s [32]byte
	require.Equal(t, strings.Repeat("A", 43), EncodeSharedSecret(s))
}
