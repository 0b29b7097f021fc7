package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/smsecure/crypto"
	"github.com/opd-ai/smsecure/message"
)

// establishedPair wires two ciphers together through a completed key
// exchange so tests can exercise the full encrypt, fragment, assemble,
// decrypt path.
func establishedPair(t *testing.T) (alice, bob *crypto.SessionCipher) {
	t.Helper()

	newCipher := func(dir string) (*crypto.SessionCipher, *crypto.FileSessionStore, *crypto.KeyPair) {
		secrets, err := crypto.NewMasterSecretCache(dir)
		require.NoError(t, err)
		require.NoError(t, secrets.Unlock([]byte("pw")))

		store, err := crypto.NewFileSessionStore(dir, secrets)
		require.NoError(t, err)

		keys, err := crypto.GenerateKeyPair()
		require.NoError(t, err)

		return crypto.NewSessionCipher(store, keys), store, keys
	}

	alice, aliceStore, _ := newCipher(t.TempDir())
	bob, _, bobKeys := newCipher(t.TempDir())

	require.NoError(t, aliceStore.RegisterIdentity("bob", bobKeys.Public))

	init, err := alice.InitiateKeyExchange("bob")
	require.NoError(t, err)

	res := bob.ProcessKeyExchange("alice", init.Marshal())
	require.Equal(t, crypto.ExchangeProcessed, res.Status)
	require.NotNil(t, res.Response)

	res = alice.ProcessKeyExchange("bob", res.Response.Marshal())
	require.Equal(t, crypto.ExchangeProcessed, res.Status)

	return alice, bob
}

func TestFragmentAssembleRoundTrip(t *testing.T) {
	alice, bob := establishedPair(t)

	asm := NewAssembler(0)
	defer asm.Close()

	lengths := []int{0, 1, SegmentSize - 1, SegmentSize, SegmentSize*3 + 7}
	for _, length := range lengths {
		plaintext := strings.Repeat("x", length)

		env, err := alice.Encrypt("bob", []byte(plaintext))
		require.NoError(t, err)

		segments, err := Fragment(message.KindSecure, env.Marshal())
		require.NoError(t, err)

		for _, seg := range segments {
			assert.LessOrEqual(t, len(seg), SegmentSize, "segment exceeds transport size")
			require.True(t, IsPrefixed(seg))
		}

		var assembled *Assembled
		for i, seg := range segments {
			assembled, err = asm.Process("alice", seg)
			require.NoError(t, err)
			if i < len(segments)-1 {
				require.Nil(t, assembled, "length %d: complete before final segment", length)
			}
		}
		require.NotNil(t, assembled, "length %d: never completed", length)
		assert.Equal(t, message.KindSecure, assembled.Kind)

		res := bob.Decrypt("alice", assembled.Envelope, false)
		require.Equal(t, crypto.DecryptOK, res.Status)
		assert.Equal(t, plaintext, res.Plaintext, "length %d round trip", length)
	}
}

func TestAssembleOutOfOrder(t *testing.T) {
	payload := make([]byte, segmentPayload*2)
	for i := range payload {
		payload[i] = byte(i)
	}

	segments, err := Fragment(message.KindKeyExchange, payload)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(segments), 3)

	asm := NewAssembler(0)
	defer asm.Close()

	// Deliver in reverse order.
	var assembled *Assembled
	for i := len(segments) - 1; i >= 0; i-- {
		assembled, err = asm.Process("peer", segments[i])
		require.NoError(t, err)
	}
	require.NotNil(t, assembled)
	assert.Equal(t, message.KindKeyExchange, assembled.Kind)
	assert.Equal(t, payload, assembled.Envelope)
}

func TestAssembleDuplicateSegment(t *testing.T) {
	payload := make([]byte, segmentPayload+10)
	segments, err := Fragment(message.KindSecure, payload)
	require.NoError(t, err)
	require.Len(t, segments, 2)

	asm := NewAssembler(0)
	defer asm.Close()

	assembled, err := asm.Process("peer", segments[0])
	require.NoError(t, err)
	require.Nil(t, assembled)

	// Redelivering the same segment must not complete the message.
	assembled, err = asm.Process("peer", segments[0])
	require.NoError(t, err)
	require.Nil(t, assembled)

	assembled, err = asm.Process("peer", segments[1])
	require.NoError(t, err)
	require.NotNil(t, assembled)
	assert.Equal(t, payload, assembled.Envelope)
}

func TestAssembleSendersDoNotCollide(t *testing.T) {
	payload := make([]byte, segmentPayload+1)
	segments, err := Fragment(message.KindSecure, payload)
	require.NoError(t, err)
	require.Len(t, segments, 2)

	asm := NewAssembler(0)
	defer asm.Close()

	// The same segments from two different senders stay in separate buffers.
	assembled, err := asm.Process("alice", segments[0])
	require.NoError(t, err)
	require.Nil(t, assembled)

	assembled, err = asm.Process("mallory", segments[1])
	require.NoError(t, err)
	require.Nil(t, assembled)

	assert.Equal(t, 2, asm.PendingCount())
}

func TestAssembleMalformedSegment(t *testing.T) {
	asm := NewAssembler(0)
	defer asm.Close()

	cases := []string{
		"?SSM",                   // no header
		"?SSMdeadbeefzz01abc",    // non-hex index
		"?SSMdeadbeef0000abc",    // zero count
		"?SSMdeadbeef0201abc",    // index beyond count
		"plain old message text", // no prefix
	}
	for _, segment := range cases {
		_, err := asm.Process("peer", segment)
		assert.ErrorIs(t, err, ErrSegmentMalformed, "segment %q", segment)
	}
}

func TestFragmentTooLarge(t *testing.T) {
	_, err := Fragment(message.KindSecure, make([]byte, segmentPayload*MaxSegments))
	assert.ErrorIs(t, err, ErrTooManySegments)
}

func TestFragmentUnknownKind(t *testing.T) {
	_, err := Fragment(message.KindPlain, []byte("hi"))
	assert.Error(t, err)
}

func TestDividePlaintext(t *testing.T) {
	assert.Equal(t, []string{""}, DividePlaintext(""))

	short := strings.Repeat("a", SegmentSize)
	assert.Equal(t, []string{short}, DividePlaintext(short))

	long := strings.Repeat("b", SegmentSize+1)
	parts := DividePlaintext(long)
	require.Len(t, parts, 2)
	assert.Equal(t, multiPlainSegmentSize, len(parts[0]))
	assert.Equal(t, long, strings.Join(parts, ""))
}

func TestFragmentEndSessionPrefix(t *testing.T) {
	segments, err := Fragment(message.KindEndSession, []byte("terminator payload"))
	require.NoError(t, err)
	require.NotEmpty(t, segments)

	// Emitted and classified under its own prefix, not the generic secure
	// one.
	for _, seg := range segments {
		assert.True(t, strings.HasPrefix(seg, PrefixEndSession))
	}
	kind, ok := KindOfPrefix(segments[0])
	require.True(t, ok)
	assert.Equal(t, message.KindEndSession, kind)
}

func TestKindOfPrefix(t *testing.T) {
	kind, ok := KindOfPrefix("?SKEdeadbeef0001")
	require.True(t, ok)
	assert.Equal(t, message.KindKeyExchange, kind)

	kind, ok = KindOfPrefix("?SESdeadbeef0001")
	require.True(t, ok)
	assert.Equal(t, message.KindEndSession, kind)

	kind, ok = KindOfPrefix("?SPBdeadbeef0001")
	require.True(t, ok)
	assert.Equal(t, message.KindPreKeyBundle, kind)

	_, ok = KindOfPrefix("hello there")
	assert.False(t, ok)

	_, ok = KindOfPrefix("?X")
	assert.False(t, ok)
}
