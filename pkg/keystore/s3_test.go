package keystore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-crypt/pkg/keyversion"
)

// fakeS3 is an in-memory bucket that pages listings two objects at a time.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	sse     map[string]types.ServerSideEncryption
	lists   int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: make(map[string][]byte),
		sse:     make(map[string]types.ServerSideEncryption),
	}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	f.objects[key] = data
	f.sse[key] = in.ServerSideEncryption
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		n, err := strconv.Atoi(tok)
		if err != nil {
			return nil, errors.New("bad continuation token")
		}
		start = n
	}
	end := min(start+2, len(keys))

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func TestNewS3Backend_Validation(t *testing.T) {
	_, err := NewS3Backend(nil, "bucket", "")
	assert.Error(t, err)
	_, err = NewS3Backend(newFakeS3(), "", "")
	assert.Error(t, err)
}

func TestS3Backend_KeyManagerRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	// Foreign objects under the prefix are ignored.
	client.objects["keys/README.txt"] = []byte("not a key")
	client.objects["other/key_v9.json"] = []byte("{}")

	backend, err := NewS3Backend(client, "crypt-keys", "keys")
	require.NoError(t, err)
	km := newTestManager(t, backend)

	for i := 0; i < 5; i++ {
		_, err := km.RotateKey(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, km.DeprecateKey(ctx, 1))
	want, err := km.Key(5, KeySize)
	require.NoError(t, err)
	require.NoError(t, km.Close())

	assert.Contains(t, client.objects, "keys/key_v1.json")
	assert.Equal(t, types.ServerSideEncryptionAes256, client.sse["keys/key_v5.json"])

	backend, err = NewS3Backend(client, "crypt-keys", "keys")
	require.NoError(t, err)
	client.lists = 0
	reloaded := newTestManager(t, backend)
	defer reloaded.Close()

	assert.Equal(t, 3, client.lists, "six objects at two per page")
	assert.Len(t, reloaded.ListKeys(), 5)
	assert.Equal(t, keyversion.KeyVersion(5), reloaded.LatestVersion())
	got, err := reloaded.Key(5, KeySize)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	removed, err := reloaded.CleanupDeprecatedKeys(ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NotContains(t, client.objects, "keys/key_v1.json")
}
