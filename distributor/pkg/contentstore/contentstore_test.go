package contentstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"

	"github.com/ideepx/proofengine/utils/pkg/retry"
	enginetesting "github.com/ideepx/proofengine/utils/pkg/testing"
)

func TestProofEngine_ContentStore_Memory(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	doc := []byte(`{"weekNumber":1}`)

	loc, err := s.Put(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, Locator("mem://snapshots/"+Digest(doc)+".json"), loc)

	again, err := s.Put(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, loc, again)
	require.Equal(t, 1, s.Len())

	got, err := s.Get(ctx, loc)
	require.NoError(t, err)
	require.Equal(t, doc, got)
	require.NoError(t, VerifyDigest(loc, got))
	require.Error(t, VerifyDigest(loc, []byte("tampered")))

	_, err = s.Get(ctx, "mem://snapshots/missing.json")
	require.ErrorIs(t, err, ErrNotFound)
}

type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	putFails int
	puts     int
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

type statusErr struct{ code int }

func (e statusErr) Error() string       { return "http error" }
func (e statusErr) HTTPStatusCode() int { return e.code }

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.putFails > 0 {
		f.putFails--
		return nil, statusErr{code: 503}
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func newS3Store(t *testing.T, client S3API) *S3Store {
	t.Helper()
	s, err := NewS3Store(S3Config{
		Logger: enginetesting.NewLogger(),
		Client: client,
		Bucket: "proofs",
		Retry:  retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	})
	require.NoError(t, err)
	return s
}

func TestProofEngine_ContentStore_S3(t *testing.T) {
	t.Parallel()

	t.Run("config validation", func(t *testing.T) {
		t.Parallel()
		_, err := NewS3Store(S3Config{})
		require.ErrorContains(t, err, "logger is required")
		_, err = NewS3Store(S3Config{Logger: enginetesting.NewLogger()})
		require.ErrorContains(t, err, "s3 client is required")
		_, err = NewS3Store(S3Config{Logger: enginetesting.NewLogger(), Client: newFakeS3()})
		require.ErrorContains(t, err, "bucket is required")
	})

	t.Run("put is content addressed and idempotent", func(t *testing.T) {
		t.Parallel()
		fake := newFakeS3()
		s := newS3Store(t, fake)
		doc := []byte(`{"weekNumber":2}`)

		loc, err := s.Put(context.Background(), doc)
		require.NoError(t, err)
		require.Equal(t, Locator("s3://proofs/snapshots/"+Digest(doc)+".json"), loc)

		_, err = s.Put(context.Background(), doc)
		require.NoError(t, err)
		require.Equal(t, 1, fake.puts)

		got, err := s.Get(context.Background(), loc)
		require.NoError(t, err)
		require.Equal(t, doc, got)
	})

	t.Run("retries transient upload failures", func(t *testing.T) {
		t.Parallel()
		fake := newFakeS3()
		fake.putFails = 2
		s := newS3Store(t, fake)
		_, err := s.Put(context.Background(), []byte("x"))
		require.NoError(t, err)
		require.Equal(t, 3, fake.puts)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		t.Parallel()
		fake := newFakeS3()
		fake.putFails = 10
		s := newS3Store(t, fake)
		_, err := s.Put(context.Background(), []byte("x"))
		require.Error(t, err)
		var se statusErr
		require.True(t, errors.As(err, &se))
	})

	t.Run("get errors", func(t *testing.T) {
		t.Parallel()
		s := newS3Store(t, newFakeS3())
		_, err := s.Get(context.Background(), "s3://proofs/snapshots/none.json")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(context.Background(), "mem://x")
		require.ErrorContains(t, err, "invalid s3 locator")
	})
}
