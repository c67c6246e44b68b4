package codec

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, seed int64, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.New(rand.NewSource(seed)).Read(b)
	require.NoError(t, err)
	return b
}

func TestXZRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("lifecycle artifact payload "), 1000)

	var buf bytes.Buffer
	n, err := CompressXZ(&buf, bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Less(t, n, int64(len(payload)))

	r, err := DecompressXZ(&buf)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestXZRejectsGarbage(t *testing.T) {
	_, err := DecompressXZ(bytes.NewReader([]byte("not xz at all")))
	assert.Error(t, err)
}

func TestDeltaRoundTrip(t *testing.T) {
	base := randomBytes(t, 1, 64*1024)
	target := append([]byte(nil), base...)
	copy(target[1000:], []byte("a small patch in the middle"))
	target = append(target, []byte("trailing bytes")...)

	delta, err := EncodeDelta(base, target, 0.5)
	require.NoError(t, err)
	assert.Less(t, len(delta), len(target)/10)

	got, err := DecodeDelta(base, delta)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestDeltaLowReuse(t *testing.T) {
	base := randomBytes(t, 1, 32*1024)
	target := randomBytes(t, 2, 32*1024)

	_, err := EncodeDelta(base, target, 0.5)
	assert.ErrorIs(t, err, ErrLowReuseRate)

	delta, err := EncodeDelta(base, target, 0)
	require.NoError(t, err)
	got, err := DecodeDelta(base, delta)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestDeltaWindow(t *testing.T) {
	assert.Equal(t, 1024, deltaWindow(0))
	assert.Equal(t, 1024, deltaWindow(1000))
	assert.Equal(t, 2048, deltaWindow(1025))
	assert.Equal(t, 1<<20, deltaWindow(1<<20))
}
