package sha256

import (
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"
)

const helloDigest = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestSum(t *testing.T) {
	t.Parallel()

	require.Equal(t, helloDigest, Sum([]byte("hello")))
}

func TestReaderHashesWhatPassesThrough(t *testing.T) {
	t.Parallel()

	r := NewReader(iotest.OneByteReader(strings.NewReader("hello")))
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
	require.Equal(t, helloDigest, r.Sum())
	require.EqualValues(t, 5, r.Size())
}

func TestReaderPartialRead(t *testing.T) {
	t.Parallel()

	r := NewReader(iotest.TimeoutReader(strings.NewReader("hello")))
	buf := make([]byte, 2)
	n, err := r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, Sum([]byte("he")), r.Sum())

	_, err = r.Read(buf)
	require.ErrorIs(t, err, iotest.ErrTimeout)
	require.EqualValues(t, 2, r.Size())
}
