package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-resilience/services"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// trackingBody records whether Close was called
type trackingBody struct {
	io.Reader
	closed atomic.Bool
}

func (b *trackingBody) Close() error {
	b.closed.Store(true)
	return nil
}

func body(s string) *trackingBody {
	return &trackingBody{Reader: strings.NewReader(s)}
}

func textParser(payload []byte) (string, error) {
	var ev struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return "", err
	}
	if ev.Text == nil {
		return "", errors.New("no text field")
	}
	return *ev.Text, nil
}

func TestNormalize_OrderedFragments(t *testing.T) {
	b := body("data: {\"text\":\"Hel\"}\n\n" +
		"event: ping\n" +
		"data:{\"text\":\"lo\"}\r\n" +
		": comment\n" +
		"data: {\"text\":\", world\"}\n" +
		"data: [DONE]\n")

	var got []string
	text, err := NewNormalizer(zap.NewNop()).Normalize(context.Background(), b, textParser, func(s string) {
		got = append(got, s)
	})

	require.NoError(t, err)
	assert.Equal(t, "Hello, world", text)
	assert.Equal(t, []string{"Hel", "lo", ", world"}, got)
	assert.True(t, b.closed.Load())
}

func TestNormalize_LastLineWithoutNewline(t *testing.T) {
	text, err := NewNormalizer(zap.NewNop()).Normalize(context.Background(), body(`data: {"text":"tail"}`), textParser, nil)
	require.NoError(t, err)
	assert.Equal(t, "tail", text)
}

func TestNormalize_MalformedPayloadsAreSkipped(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	b := body("data: {\"text\":\"a\"}\n" +
		"data: {not json\n" +
		"data: {\"other\":1}\n" +
		"data: {\"text\":\"b\"}\n")

	text, err := NewNormalizer(zap.New(core)).Normalize(context.Background(), b, textParser, nil)

	require.NoError(t, err)
	assert.Equal(t, "ab", text)
	assert.Equal(t, 2, logs.FilterMessage("skipping malformed stream payload").Len())
	assert.True(t, b.closed.Load())
}

func TestNormalize_ParserDomainErrorAborts(t *testing.T) {
	b := body("data: {\"text\":\"a\"}\n" +
		"data: {\"error\":\"overloaded\"}\n" +
		"data: {\"text\":\"b\"}\n")

	parse := func(payload []byte) (string, error) {
		if strings.Contains(string(payload), "error") {
			return "", services.NewServiceError("provider overloaded", nil)
		}
		return textParser(payload)
	}

	text, err := NewNormalizer(zap.NewNop()).Normalize(context.Background(), b, parse, nil)
	assert.True(t, services.IsServiceError(err))
	assert.Equal(t, "a", text)
	assert.True(t, b.closed.Load())
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestNormalize_ReadErrorAfterFragments(t *testing.T) {
	b := &trackingBody{Reader: &failingReader{
		data: []byte("data: {\"text\":\"par\"}\n"),
		err:  io.ErrUnexpectedEOF,
	}}

	text, err := NewNormalizer(zap.NewNop()).Normalize(context.Background(), b, textParser, nil)

	require.True(t, services.IsStreamInterruptedError(err))
	assert.Equal(t, "par", text)
	assert.Equal(t, "par", services.GetErrorDetails(err)["partial"])
	assert.True(t, b.closed.Load())
}

func TestNormalize_ReadErrorBeforeFragments(t *testing.T) {
	b := &trackingBody{Reader: &failingReader{err: io.ErrUnexpectedEOF}}

	_, err := NewNormalizer(zap.NewNop()).Normalize(context.Background(), b, textParser, nil)

	assert.True(t, services.IsNetworkError(err))
	assert.True(t, b.closed.Load())
}

func TestNormalize_CancellationReleasesReader(t *testing.T) {
	pr, pw := io.Pipe()
	b := &pipeBody{PipeReader: pr}

	ctx, cancel := context.WithCancel(context.Background())
	fragments := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		_, err := NewNormalizer(zap.NewNop()).Normalize(ctx, b, textParser, func(s string) { fragments <- s })
		done <- err
	}()

	_, err := pw.Write([]byte("data: {\"text\":\"first\"}\n"))
	require.NoError(t, err)
	assert.Equal(t, "first", <-fragments)

	cancel()
	select {
	case err := <-done:
		assert.True(t, services.IsCanceledError(err))
	case <-time.After(time.Second):
		t.Fatal("normalizer did not stop after cancellation")
	}
	assert.True(t, b.closed.Load())
	pw.Close()
}

// pipeBody unblocks pending reads when closed
type pipeBody struct {
	*io.PipeReader
	closed atomic.Bool
}

func (b *pipeBody) Close() error {
	b.closed.Store(true)
	return b.PipeReader.Close()
}
