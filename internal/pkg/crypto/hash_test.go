package crypto

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashReader(t *testing.T) {
	const content = "hello world"
	want := ComputeSHA256([]byte(content))

	hr := NewHashReader(strings.NewReader(content))
	data, err := io.ReadAll(hr)
	require.NoError(t, err)

	assert.Equal(t, content, string(data))
	assert.Equal(t, want, hr.SHA256())
	assert.EqualValues(t, len(content), hr.Size())
	assert.True(t, hr.IsFinished())
	assert.NoError(t, hr.Verify(want))
	assert.Error(t, hr.Verify(ComputeSHA256([]byte("other"))))

	streamed, size, err := ComputeStreamSHA256(strings.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, want, streamed)
	assert.EqualValues(t, len(content), size)
}

func TestValidateSHA256(t *testing.T) {
	assert.True(t, ValidateSHA256(ComputeSHA256(nil)))
	assert.False(t, ValidateSHA256("abc"))
	assert.False(t, ValidateSHA256(strings.Repeat("z", 64)))
}
