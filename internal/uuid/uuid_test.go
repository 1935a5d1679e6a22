package uuid

import (
	"testing"

	guuid "github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsRandomRFC4122(t *testing.T) {
	id := New()
	require.Len(t, id, 36)

	parsed, err := guuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, guuid.Version(4), parsed.Version())
	assert.Equal(t, guuid.RFC4122, parsed.Variant())
	assert.Equal(t, id, parsed.String(), "session IDs are issued in canonical lower-case form")
}

func TestNewDoesNotRepeat(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for range 1000 {
		id := New()
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}
