package uuid

import (
	"strings"
	"testing"
	"time"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	require.EqualValues(t, 7, parsed.Version())
}

func TestGeneratorPrefix(t *testing.T) {
	t.Parallel()

	gen := NewWithPrefix("run-")
	id, err := gen.NewID()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "run-"))

	_, err = goUUID.Parse(strings.TrimPrefix(id, "run-"))
	require.NoError(t, err)
}

func TestGeneratorStartedAt(t *testing.T) {
	t.Parallel()

	gen := NewWithPrefix("run-")
	before := time.Now().Add(-time.Second)
	id, err := gen.NewID()
	require.NoError(t, err)

	started, err := gen.StartedAt(id)
	require.NoError(t, err)
	require.WithinDuration(t, before.Add(time.Second), started, 2*time.Second)

	_, err = gen.StartedAt("other-" + strings.TrimPrefix(id, "run-"))
	require.Error(t, err)
	_, err = gen.StartedAt("run-not-a-uuid")
	require.Error(t, err)
	_, err = gen.StartedAt("run-" + goUUID.NewString())
	require.Error(t, err)
}
