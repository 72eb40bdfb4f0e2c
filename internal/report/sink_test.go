package report

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = in
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3Sink_Put(t *testing.T) {
	fake := &fakePutter{}
	sink := NewS3SinkWithClient(fake, "compat-reports", "nightly/v0")

	uri, err := sink.Put(context.Background(), sampleReport())
	require.NoError(t, err)
	assert.Equal(t, "s3://compat-reports/nightly/v0/run-1.json", uri)

	require.NotNil(t, fake.input)
	assert.Equal(t, "compat-reports", aws.ToString(fake.input.Bucket))
	assert.Equal(t, "nightly/v0/run-1.json", aws.ToString(fake.input.Key))
	assert.Equal(t, "application/json", aws.ToString(fake.input.ContentType))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(fake.body, &doc))
	assert.Equal(t, "run-1", doc["run_id"])
}

func TestS3Sink_NoPrefix(t *testing.T) {
	sink := NewS3SinkWithClient(&fakePutter{}, "b", "")
	assert.Equal(t, "run-1.json", sink.Key(sampleReport()))
}

func TestS3Sink_PutError(t *testing.T) {
	sink := NewS3SinkWithClient(&fakePutter{err: errors.New("access denied")}, "b", "p")

	_, err := sink.Put(context.Background(), sampleReport())
	assert.ErrorContains(t, err, "upload report run-1: access denied")
}

func TestS3Sink_RequiresRunID(t *testing.T) {
	fake := &fakePutter{}
	r := sampleReport()
	r.RunID = ""

	_, err := NewS3SinkWithClient(fake, "b", "p").Put(context.Background(), r)
	assert.Error(t, err)
	assert.Nil(t, fake.input)
}

func TestNewS3Sink_RequiresBucket(t *testing.T) {
	_, err := NewS3Sink(context.Background(), S3Config{Region: "us-east-1"})
	assert.EqualError(t, err, "S3 bucket is required")
}
