package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockAPIError struct {
	code string
}

func (e *mockAPIError) Error() string                 { return e.code + ": mock" }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return "mock" }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

type fakePutter struct {
	input     *s3.PutObjectInput
	body      []byte
	err       error
	deleted   []string
	deleteErr error
}

func (f *fakePutter) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.deleted = append(f.deleted, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = data
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func readEntries(t *testing.T, data []byte) map[string]string {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	out := make(map[string]string)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[hdr.Name] = string(body)
	}
	return out
}

func names(entries map[string]string) []string {
	out := make([]string, 0, len(entries))
	for k := range entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestWriteTarGzHonorsExcludes(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.py":                        "print('hi')",
		"notes/todo.md":                  "- ship it",
		"node_modules/left-pad/index.js": "module.exports = 1",
		"app/node_modules/x/y.js":        "nested",
		"build.log":                      "noise",
	})

	var buf bytes.Buffer
	sum, err := WriteTarGz(context.Background(), &buf, root, []string{"**/node_modules/**", "*.log"})
	require.NoError(t, err)

	entries := readEntries(t, buf.Bytes())
	assert.Equal(t, []string{"app/", "main.py", "notes/", "notes/todo.md"}, names(entries))
	assert.Equal(t, "print('hi')", entries["main.py"])
	assert.Equal(t, 2, sum.Files)
	assert.Equal(t, 2, sum.Dirs)
	assert.Equal(t, 3, sum.Skipped)
	assert.Equal(t, int64(len("print('hi')")+len("- ship it")), sum.Bytes)
}

func TestWriteTarGzStoresSymlinks(t *testing.T) {
	root := writeTree(t, map[string]string{"target.txt": "data"})
	require.NoError(t, os.Symlink("target.txt", filepath.Join(root, "link.txt")))

	var buf bytes.Buffer
	_, err := WriteTarGz(context.Background(), &buf, root, nil)
	require.NoError(t, err)

	gz, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	found := false
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if hdr.Name == "link.txt" {
			found = true
			assert.Equal(t, byte(tar.TypeSymlink), hdr.Typeflag)
			assert.Equal(t, "target.txt", hdr.Linkname)
		}
	}
	assert.True(t, found)
}

func TestWriteTarGzMissingWorkspace(t *testing.T) {
	_, err := WriteTarGz(context.Background(), io.Discard, filepath.Join(t.TempDir(), "nope"), nil)
	assert.ErrorIs(t, err, ErrWorkspaceNotFound)
}

func TestWriteTarGzRejectsBadPattern(t *testing.T) {
	_, err := WriteTarGz(context.Background(), io.Discard, t.TempDir(), []string{"[unclosed"})
	assert.Error(t, err)
}

func TestWriteTarGzCanceled(t *testing.T) {
	root := writeTree(t, map[string]string{"a.txt": "a"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WriteTarGz(ctx, io.Discard, root, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestArchiveUploadsBundle(t *testing.T) {
	root := writeTree(t, map[string]string{"main.py": "x = 1", "tmp/cache": "zzz"})
	putter := &fakePutter{}
	a := newWithClient(putter, Config{Bucket: "bkt", Prefix: "/ws/", Exclude: []string{"tmp/**"}})

	url, err := a.Archive(context.Background(), "u1", "s-1", root)
	require.NoError(t, err)
	assert.Equal(t, "s3://bkt/ws/u1/s-1.tar.gz", url)

	require.NotNil(t, putter.input)
	assert.Equal(t, "bkt", aws.ToString(putter.input.Bucket))
	assert.Equal(t, "ws/u1/s-1.tar.gz", aws.ToString(putter.input.Key))
	assert.Equal(t, int64(len(putter.body)), aws.ToInt64(putter.input.ContentLength))
	assert.Equal(t, "s-1", putter.input.Metadata["session-id"])

	entries := readEntries(t, putter.body)
	assert.Equal(t, []string{"main.py"}, names(entries))
}

func TestArchiveKeyDefaults(t *testing.T) {
	a := newWithClient(&fakePutter{}, Config{Bucket: "bkt"})
	assert.Equal(t, "workspaces/u_x/s.tar.gz", a.Key("u/x", "s"))
	assert.Equal(t, "workspaces/_/_.tar.gz", a.Key("..", ""))
}

func TestArchiveMapsErrors(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"NoSuchBucket", ErrBucketNotFound},
		{"AccessDenied", ErrAccessDenied},
		{"SignatureDoesNotMatch", ErrInvalidCredentials},
		{"SlowDown", ErrThrottled},
		{"ServiceUnavailable", ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			root := writeTree(t, map[string]string{"a": "b"})
			a := newWithClient(&fakePutter{err: fmt.Errorf("operation error: %w", &mockAPIError{code: tt.code})}, Config{Bucket: "bkt"})

			_, err := a.Archive(context.Background(), "u", "s", root)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var archiveErr *ArchiveError
			require.ErrorAs(t, err, &archiveErr)
			assert.Equal(t, "workspaces/u/s.tar.gz", archiveErr.Key)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "empty bucket", cfg: Config{}, wantErr: "bucket name is required"},
		{name: "minimal", cfg: Config{Bucket: "b"}},
		{name: "half credentials", cfg: Config{Bucket: "b", AccessKeyID: "AKIA"}, wantErr: "provided together"},
		{name: "bad exclude", cfg: Config{Bucket: "b", Exclude: []string{"[x"}}, wantErr: "invalid exclude pattern"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolveRegion(t *testing.T) {
	assert.Equal(t, "eu-west-1", resolveRegion("", "eu-west-1"))
	assert.Equal(t, DefaultAWSRegion, resolveRegion("", ""))
	assert.Equal(t, "", resolveRegion("http://localhost:9000", ""))
}

func TestDisabledArchiver(t *testing.T) {
	_, err := Disabled{}.Archive(context.Background(), "u", "s", "/tmp")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestProbeWritesAndDeletesMarker(t *testing.T) {
	putter := &fakePutter{}
	a := newWithClient(putter, Config{Bucket: "bkt", Prefix: "ws"})

	results, err := a.Probe(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Allowed)
	assert.True(t, results[1].Allowed)

	key := aws.ToString(putter.input.Key)
	assert.True(t, strings.HasPrefix(key, "ws/_agentdock/probe-"))
	assert.Equal(t, []string{key}, putter.deleted)
	assert.Equal(t, "agentdock write probe\n", string(putter.body))
}

func TestProbeReportsDeniedPut(t *testing.T) {
	putter := &fakePutter{err: &mockAPIError{code: "AccessDenied"}}
	a := newWithClient(putter, Config{Bucket: "bkt"})

	results, err := a.Probe(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAccessDenied)
	require.Len(t, results, 1)
	assert.Equal(t, CapPut, results[0].Capability)
	assert.False(t, results[0].Allowed)
	assert.Empty(t, putter.deleted)
}

func TestProbeToleratesDeniedDelete(t *testing.T) {
	putter := &fakePutter{deleteErr: &mockAPIError{code: "AccessDenied"}}
	a := newWithClient(putter, Config{Bucket: "bkt"})

	results, err := a.Probe(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Allowed)
	assert.False(t, results[1].Allowed)
	assert.Contains(t, results[1].Detail, "AccessDenied")
}
