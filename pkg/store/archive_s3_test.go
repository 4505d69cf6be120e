package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string][]byte
	puts    int
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, errors.New("NotFound")
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = b
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func TestS3Archive_WriteOnceAndFetch(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	a := &S3Archive{client: fake, bucket: "b", prefix: "receipts/"}
	r := chain(t, "sess", "t", 1)[0]
	ctx := context.Background()

	require.NoError(t, a.Archive(ctx, r))
	require.NoError(t, a.Archive(ctx, r))
	assert.Equal(t, 1, fake.puts)
	assert.Contains(t, fake.objects, "receipts/sess/"+r.SelfHash+".json")

	got, err := a.Fetch(ctx, "sess", r.SelfHash)
	require.NoError(t, err)
	assert.Equal(t, r.SelfHash, got.SelfHash)
	assert.True(t, got.IntegrityOK())

	_, err = a.Fetch(ctx, "sess", "missing")
	require.Error(t, err)
}
