package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) (*KeySigner, string) {
	t.Helper()
	s, err := GenerateSigner()
	require.NoError(t, err)
	return s, EncodeKey(s.PublicKey())
}

func TestEd25519SignVerify(t *testing.T) {
	signer, _ := newKey(t)
	payload := []byte("report payload")

	sig, err := signer.Sign(payload)
	require.NoError(t, err)

	c := Ed25519{}
	assert.True(t, c.Verify(payload, sig, signer.PublicKey()))
	assert.False(t, c.Verify([]byte("tampered"), sig, signer.PublicKey()))

	other, _ := newKey(t)
	assert.False(t, c.Verify(payload, sig, other.PublicKey()))
	assert.False(t, c.Verify(payload, sig[:10], signer.PublicKey()))
	assert.False(t, c.Verify(payload, sig, nil))
}

func TestKeySignerFromSeed(t *testing.T) {
	a, _ := newKey(t)
	b, err := NewKeySigner(a.Seed())
	require.NoError(t, err)
	assert.Equal(t, a.PublicKey(), b.PublicKey())

	_, err = NewKeySigner([]byte("short"))
	assert.Error(t, err)
}

func TestFingerprintFieldBoundaries(t *testing.T) {
	c := Ed25519{}
	assert.Equal(t, c.Fingerprint("a", "b"), c.Fingerprint("a", "b"))
	assert.NotEqual(t, c.Fingerprint("ab", "c"), c.Fingerprint("a", "bc"))
	assert.Len(t, c.Fingerprint("x"), 64)
}

func TestLineage(t *testing.T) {
	l := NewLineage(Ed25519{})
	_, k1 := newKey(t)
	_, k2 := newKey(t)

	v1, err := l.Register("assistant", k1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1.Version)
	assert.Empty(t, v1.Predecessor)

	_, err = l.Register("assistant", k1)
	assert.ErrorIs(t, err, ErrAgentExists)

	v2, err := l.Supersede("assistant", k2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v2.Version)
	assert.Equal(t, v1.Fingerprint, v2.Predecessor)
	assert.NotEqual(t, v1.Fingerprint, v2.Fingerprint)

	t.Run("every version resolves", func(t *testing.T) {
		got, ok := l.Resolve(v1.Fingerprint)
		require.True(t, ok)
		assert.Equal(t, "assistant", got.AgentID)
		got, ok = l.Resolve(v2.Fingerprint)
		require.True(t, ok)
		assert.Equal(t, uint64(2), got.Version)
		_, ok = l.Resolve("nope")
		assert.False(t, ok)
	})

	t.Run("head is latest", func(t *testing.T) {
		head, ok := l.Head("assistant")
		require.True(t, ok)
		assert.Equal(t, v2.Fingerprint, head.Fingerprint)
	})

	t.Run("supersede unknown agent", func(t *testing.T) {
		_, err := l.Supersede("ghost", k1)
		assert.ErrorIs(t, err, ErrAgentUnknown)
	})

	t.Run("import verifies chain", func(t *testing.T) {
		other := NewLineage(Ed25519{})
		require.NoError(t, other.Import(l.History("assistant")))
		require.NoError(t, other.Import(l.History("assistant")))
		assert.Len(t, other.History("assistant"), 2)

		broken := l.History("assistant")
		broken[1].Predecessor = "forged"
		assert.Error(t, NewLineage(Ed25519{}).Import(broken))

		tampered := l.History("assistant")
		tampered[0].PublicKey = k2
		assert.Error(t, NewLineage(Ed25519{}).Import(tampered))
	})

	t.Run("invalid key rejected", func(t *testing.T) {
		_, err := l.Register("bad", "zz")
		assert.Error(t, err)
	})
}

func TestSeed(t *testing.T) {
	_, k1 := newKey(t)
	_, k2 := newKey(t)
	_, ki := newKey(t)

	path := filepath.Join(t.TempDir(), "seed.yaml")
	content := "agents:\n" +
		"  - id: assistant\n" +
		"    keys: [" + k1 + ", " + k2 + "]\n" +
		"instances:\n" +
		"  - id: inst-a\n" +
		"    agent_id: assistant\n" +
		"    public_key: " + ki + "\n" +
		"    endpoint: http://inst-a:8080\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	seed, err := LoadSeed(path)
	require.NoError(t, err)
	require.Len(t, seed.Instances, 1)
	assert.Equal(t, "http://inst-a:8080", seed.Instances[0].Endpoint)

	l := NewLineage(nil)
	require.NoError(t, seed.Apply(l))
	require.NoError(t, seed.Apply(l))
	assert.Len(t, l.History("assistant"), 2)

	t.Run("rejects incomplete instance", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("instances:\n  - id: x\n"), 0o644))
		_, err := LoadSeed(bad)
		assert.Error(t, err)
	})
}
