package images

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sample = `
images:
  castle: AgACAgIAAxkBAAIBcastle
  shop: " https://cdn.example.com/shop.png "
`

func TestParse_Resolve(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	ref, err := c.Resolve("castle")
	require.NoError(t, err)
	require.Equal(t, "AgACAgIAAxkBAAIBcastle", ref)

	ref, err = c.Resolve("shop")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/shop.png", ref)
}

func TestResolve_UnknownKey(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	_, err = c.Resolve("dungeon")
	require.ErrorIs(t, err, ErrUnknownImage)
	require.ErrorContains(t, err, "dungeon")

	_, err = Empty().Resolve("castle")
	require.ErrorIs(t, err, ErrUnknownImage)
}

func TestParse_RejectsBadInput(t *testing.T) {
	_, err := Parse([]byte("imgs:\n  castle: x\n"))
	require.Error(t, err, "unknown top-level field")

	_, err = Parse([]byte("images:\n  castle: \"  \"\n"))
	require.ErrorContains(t, err, "empty reference")

	_, err = Parse([]byte("images: [1, 2"))
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "images.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read catalog")
}
