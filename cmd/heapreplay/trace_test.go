package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hoardmem/hoard"
	"github.com/stretchr/testify/require"
)

func writeTrace(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "trace.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadTrace(t *testing.T) {
	path := writeTrace(t, `
arena-size = 4096
algorithm = "segregated"

[[ops]]
op = "alloc"
id = "a"
size = 128
alignment = 16
name = "staging"

[[ops]]
op = "dump"
max = 8

[[ops]]
op = "free"
id = "a"

[[ops]]
op = "free-bytes"
`)

	trace, err := loadTrace(path)
	require.NoError(t, err)
	require.Equal(t, 4096, trace.ArenaSize)
	require.Len(t, trace.Ops, 4)
	require.Equal(t, "a", trace.Ops[0].ID)
	require.Equal(t, 128, trace.Ops[0].Size)
	require.Equal(t, uint(16), trace.Ops[0].Alignment)
	require.Equal(t, 8, trace.Ops[1].Max)

	options, err := trace.heapOptions()
	require.NoError(t, err)
	require.Equal(t, hoard.AlgorithmSegregated, options.Algorithm)
}

func TestLoadTraceDefaults(t *testing.T) {
	path := writeTrace(t, `
[[ops]]
op = "free-bytes"
`)

	trace, err := loadTrace(path)
	require.NoError(t, err)
	require.Equal(t, 64*1024, trace.ArenaSize)

	options, err := trace.heapOptions()
	require.NoError(t, err)
	require.Equal(t, hoard.AlgorithmFirstFit, options.Algorithm)
}

func TestLoadTraceRejectsBadOps(t *testing.T) {
	_, err := loadTrace(writeTrace(t, `
[[ops]]
op = "alloc"
id = "a"
`))
	require.Error(t, err)

	_, err = loadTrace(writeTrace(t, `
[[ops]]
op = "free"
id = "never-allocated"
`))
	require.Error(t, err)

	_, err = loadTrace(writeTrace(t, `
[[ops]]
op = "alloc"
id = "a"
size = 100

[[ops]]
op = "alloc"
id = "a"
size = 100
`))
	require.Error(t, err)

	_, err = loadTrace(writeTrace(t, `
[[ops]]
op = "transmogrify"
`))
	require.Error(t, err)
}

func TestReplayRoundTrip(t *testing.T) {
	path := writeTrace(t, `
arena-size = 8192
fixed-size = true

[[ops]]
op = "alloc"
id = "a"
size = 512

[[ops]]
op = "alloc"
id = "b"
size = 512
best-fit = true

[[ops]]
op = "free"
id = "a"

[[ops]]
op = "dump"

[[ops]]
op = "free"
id = "b"
`)

	require.NoError(t, runReplay(path))
}
