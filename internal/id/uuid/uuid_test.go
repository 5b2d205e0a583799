package uuid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIDProducesUniqueValues(t *testing.T) {
	t.Parallel()

	g := Generator{}
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id, err := g.NewID()
		require.NoError(t, err)
		require.Len(t, id, 36)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}
