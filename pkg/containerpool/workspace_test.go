package containerpool

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirResolverCreatesWorkspace(t *testing.T) {
	root := t.TempDir()
	r := DirResolver{Root: root}

	dir, err := r.Resolve(context.Background(), "user@example.com", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "user_example.com", "sess-1"), dir)

	st, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, st.IsDir())
}

func TestDirResolverSanitizesTraversal(t *testing.T) {
	r := DirResolver{Root: "/data/ws"}
	assert.Equal(t, filepath.Join("/data/ws", "_", "_"), r.Dir("..", "../.."))
	assert.Equal(t, filepath.Join("/data/ws", "a_b", "c"), r.Dir("a/b", "c"))
}

func TestDirResolverRequiresRoot(t *testing.T) {
	_, err := DirResolver{}.Resolve(context.Background(), "u", "s")
	assert.Error(t, err)
}

func TestNamedVolumeResolver(t *testing.T) {
	name, err := NamedVolumeResolver{}.Resolve(context.Background(), "u1", "abcdef012345")
	require.NoError(t, err)
	assert.Equal(t, "agentdock-ws-u1-abcdef01", name)

	name, err = NamedVolumeResolver{Prefix: "ws"}.Resolve(context.Background(), "u 2", "s")
	require.NoError(t, err)
	assert.Equal(t, "ws-u_2-s", name)
}
