package key

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeSealOpen(t *testing.T) {
	alice := NewNode()
	bob := NewNode()

	cleartext := []byte("who are you calling a relay")

	sealed := alice.SealTo(bob.Public(), cleartext)
	opened, ok := bob.OpenFrom(alice.Public(), sealed)

	require.True(t, ok)
	assert.Equal(t, cleartext, opened)
}

func TestNodeOpenRejectsWrongSender(t *testing.T) {
	alice := NewNode()
	bob := NewNode()
	mallory := NewNode()

	sealed := alice.SealTo(bob.Public(), []byte("hello"))

	_, ok := bob.OpenFrom(mallory.Public(), sealed)
	assert.False(t, ok)
}

func TestSessionShared(t *testing.T) {
	a := NewSession()
	b := NewSession()

	sharedA := a.Shared(b.Public())
	sharedB := b.Shared(a.Public())

	sealed := sharedA.Seal([]byte("ephemeral"))
	opened, ok := sharedB.Open(sealed)

	require.True(t, ok)
	assert.Equal(t, []byte("ephemeral"), opened)
}

func TestSessionOpenTooShort(t *testing.T) {
	a := NewSession()
	shared := a.Shared(NewSession().Public())

	_, ok := shared.Open([]byte{1, 2, 3})
	assert.False(t, ok)
}

func TestNodePublicTextRoundtrip(t *testing.T) {
	pub := NewNode().Public()

	text, err := pub.MarshalText()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(text), "nodekey:"))

	var back NodePublic
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, pub, back)
}

func TestNodePrivateTextRoundtrip(t *testing.T) {
	priv := NewNode()

	text, err := priv.MarshalText()
	require.NoError(t, err)

	var back NodePrivate
	require.NoError(t, back.UnmarshalText(text))
	assert.True(t, priv.Equal(back))
}

func TestUnmarshalTextRejectsWrongPrefix(t *testing.T) {
	var pub NodePublic
	err := pub.UnmarshalText([]byte("sesskey:" + strings.Repeat("ab", 32)))
	assert.Error(t, err)
}

func TestFingerprintFormat(t *testing.T) {
	fp := NewNode().Public().Fingerprint()

	parts := strings.Split(fp, ":")
	assert.Len(t, parts, 8)
	for _, p := range parts {
		assert.Len(t, p, 2)
		assert.Equal(t, strings.ToUpper(p), p)
	}
}

func TestFingerprintStable(t *testing.T) {
	pub := NewNode().Public()
	assert.Equal(t, pub.Fingerprint(), pub.Fingerprint())
}
