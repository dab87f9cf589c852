//go:build cloudintegration

package archive_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/agentdock/pkg/archive"
	"github.com/3leaps/agentdock/test/cloudtest"
)

func tarNames(t *testing.T, data []byte) []string {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	var out []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag == tar.TypeReg {
			out = append(out, hdr.Name)
		}
	}
	sort.Strings(out)
	return out
}

func TestArchiveToMoto(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "x"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "main.go"), []byte("package main"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "x", "index.js"), []byte("//"), 0o644))

	cfg := cloudtest.ArchiveConfig(bucket)
	cfg.Exclude = []string{"**/node_modules/**"}
	a, err := archive.New(ctx, cfg)
	require.NoError(t, err)

	url, err := a.Archive(ctx, "user-1", "sess-1", root)
	require.NoError(t, err)
	assert.Equal(t, "s3://"+bucket+"/workspaces/user-1/sess-1.tar.gz", url)

	data, meta := cloudtest.GetObject(t, ctx, bucket, "workspaces/user-1/sess-1.tar.gz")
	assert.Equal(t, []string{"src/main.go"}, tarNames(t, data))
	assert.Equal(t, "sess-1", meta["session-id"])
}

func TestProbeAgainstMoto(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)

	a, err := archive.New(ctx, cloudtest.ArchiveConfig(bucket))
	require.NoError(t, err)

	results, err := a.Probe(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Allowed)
	assert.True(t, results[1].Allowed)
	assert.True(t, strings.HasPrefix(results[0].Key, "workspaces/_agentdock/probe-"))
	assert.Empty(t, cloudtest.ListKeys(t, ctx, bucket))
}

func TestArchiveMissingBucketAgainstMoto(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	a, err := archive.New(ctx, cloudtest.ArchiveConfig("agentdock-no-such-bucket"))
	require.NoError(t, err)

	_, err = a.Archive(ctx, "u", "s", t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, archive.ErrBucketNotFound)
}
