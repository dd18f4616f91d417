package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wuzapi-bitrix-integration/internal/models"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func failedEvent() models.QueuedEvent {
	processed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return models.QueuedEvent{
		ID:          42,
		EventType:   "bot_message",
		Payload:     `{"member_id":"m1"}`,
		Status:      models.EventStatusFailed,
		Attempts:    3,
		MaxAttempts: 3,
		LastError:   "status 503",
		ProcessedAt: &processed,
	}
}

func TestArchiverUploadsFailedEvents(t *testing.T) {
	putter := &fakePutter{}
	a, err := New(putter, Config{Bucket: "dead-letters", RetentionDays: 30})
	require.NoError(t, err)

	require.NoError(t, a.EventFinished(context.Background(), failedEvent()))
	require.Len(t, putter.inputs, 1)
	in := putter.inputs[0]
	assert.Equal(t, "dead-letters", aws.ToString(in.Bucket))
	assert.Equal(t, "failed-events/2026/03/01/bot_message/42.json", aws.ToString(in.Key))
	assert.Equal(t, "application/json", aws.ToString(in.ContentType))
	assert.NotNil(t, in.Expires)

	var stored models.QueuedEvent
	require.NoError(t, json.Unmarshal(putter.bodies[0], &stored))
	assert.Equal(t, "status 503", stored.LastError)
}

func TestArchiverIgnoresDoneEvents(t *testing.T) {
	putter := &fakePutter{}
	a, err := New(putter, Config{Bucket: "dead-letters", Prefix: "/relay/"})
	require.NoError(t, err)

	ev := failedEvent()
	ev.Status = models.EventStatusDone
	require.NoError(t, a.EventFinished(context.Background(), ev))
	assert.Empty(t, putter.inputs)
	assert.Equal(t, "relay/2026/03/01/bot_message/42.json", a.Key(failedEvent()))
}

func TestArchiverReportsUploadErrors(t *testing.T) {
	a, err := New(&fakePutter{err: errors.New("access denied")}, Config{Bucket: "dead-letters"})
	require.NoError(t, err)
	assert.ErrorContains(t, a.EventFinished(context.Background(), failedEvent()), "access denied")
}

func TestNewS3ClientValidation(t *testing.T) {
	_, err := NewS3Client(Config{})
	assert.Error(t, err)
	_, err = NewS3Client(Config{Bucket: "b"})
	assert.Error(t, err)
	client, err := NewS3Client(Config{Bucket: "my.bucket", Region: "us-east-1", AccessKey: "a", SecretKey: "s",
		Endpoint: "https://my.bucket.minio.local"})
	require.NoError(t, err)
	assert.NotNil(t, client)
}
