package storage

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the shared Get/Set contract against a backend.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "kit-tracking-session", `{"id":"a"}`))
	v, ok, err := s.Get(ctx, "kit-tracking-session")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"id":"a"}`, v)

	require.NoError(t, s.Set(ctx, "kit-tracking-session", `{"id":"b"}`))
	v, _, err = s.Get(ctx, "kit-tracking-session")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"b"}`, v)

	require.NoError(t, s.Close())
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestFileStore(t *testing.T) {
	s, err := NewFile(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	s, err := NewFile(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, s.Set(context.Background(), "../escape", "x"))
	assert.Error(t, s.Set(context.Background(), "/abs", "x"))
	_, _, err = s.Get(context.Background(), "  ")
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "kit.db")
	s, err := NewSQLite(context.Background(), path)
	require.NoError(t, err)
	exerciseStore(t, s)

	// values survive reopening
	s2, err := NewSQLite(context.Background(), path)
	require.NoError(t, err)
	defer s2.Close()
	v, ok, err := s2.Get(context.Background(), "kit-tracking-session")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"id":"b"}`, v)
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string]string
}

func (f *fakeObjects) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(v))}, nil
}

func (f *fakeObjects) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = string(data)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	fake := &fakeObjects{objects: map[string]string{}}
	s := newS3WithClient(fake, "field-kits", "/devices/tablet-7/")
	exerciseStore(t, s)

	_, ok := fake.objects["field-kits/devices/tablet-7/kit-tracking-session.json"]
	assert.True(t, ok)
}

func TestNewS3RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{})
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{Driver: DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(ctx, Config{Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &File{}, s)

	s, err = Open(ctx, Config{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "kv.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Config{Driver: "floppy"})
	assert.Error(t, err)
}
