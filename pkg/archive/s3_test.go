package archive

import (
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freqops/freqops/pkg/task"
)

type capturePutter struct {
	inputs []*s3.PutObjectInput
	err    error
}

func (c *capturePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	c.inputs = append(c.inputs, in)
	if c.err != nil {
		return nil, c.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestConfig_Validate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{Bucket: "b", AccessKeyID: "only-one"}.Validate())
	assert.NoError(t, Config{Bucket: "b"}.Validate())
	assert.NoError(t, Config{Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s"}.Validate())
}

func TestArchiver_StoreUsesPrefixedKey(t *testing.T) {
	putter := &capturePutter{}
	a := &Archiver{client: putter, bucket: "results", prefix: "tasks"}

	key, err := a.Store(context.Background(), "t-1", []byte(`{"profit":1}`))
	require.NoError(t, err)
	assert.Equal(t, "tasks/t-1.json", key)

	require.Len(t, putter.inputs, 1)
	in := putter.inputs[0]
	assert.Equal(t, "results", *in.Bucket)
	assert.Equal(t, "tasks/t-1.json", *in.Key)
	assert.Equal(t, "application/json", *in.ContentType)

	body, err := io.ReadAll(in.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"profit":1}`, string(body))
}

func TestArchiver_KeyWithoutPrefix(t *testing.T) {
	a := &Archiver{prefix: ""}
	assert.Equal(t, "t-1.json", a.Key("t-1"))
}

func TestArchiver_OnTerminalSkipsNonCompleted(t *testing.T) {
	putter := &capturePutter{}
	a := &Archiver{client: putter, bucket: "results"}

	a.OnTerminal(task.Task{ID: "t-1", Status: task.StatusFailed, Result: []byte(`{}`)})
	a.OnTerminal(task.Task{ID: "t-2", Status: task.StatusCompleted})
	assert.Empty(t, putter.inputs)

	a.OnTerminal(task.Task{ID: "t-3", Status: task.StatusCompleted, Result: []byte(`{"ok":true}`)})
	require.Len(t, putter.inputs, 1)
	assert.Equal(t, "t-3.json", *putter.inputs[0].Key)
}
