package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/upb/llm-resilience/services"
	"go.uber.org/zap"
)

const (
	// DataPrefix marks the payload lines of an event stream
	DataPrefix = "data:"
	// DoneSentinel is the explicit end-of-stream payload some providers send
	DoneSentinel = "[DONE]"

	readBufferSize = 64 * 1024
	logPayloadMax  = 256
)

// DeltaParser extracts the text fragment carried by one event payload.
// An empty string means the event carries no text. Returning a
// *services.DomainError aborts the stream; any other error marks the
// payload as malformed and it is skipped.
type DeltaParser func(payload []byte) (string, error)

// Normalizer turns a provider event stream into ordered text fragments
type Normalizer struct {
	logger *zap.Logger
}

// NewNormalizer creates a new Normalizer
func NewNormalizer(logger *zap.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Normalize reads body to the end, forwarding every fragment to onDelta
// (which may be nil) in wire order, and returns the concatenated text.
// body is closed before Normalize returns, and as soon as ctx is done.
func (n *Normalizer) Normalize(ctx context.Context, body io.ReadCloser, parse DeltaParser, onDelta func(string)) (string, error) {
	defer body.Close()
	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()

	r := bufio.NewReaderSize(body, readBufferSize)
	var text strings.Builder
	skipped := 0

	for {
		line, readErr := r.ReadBytes('\n')
		if len(line) > 0 {
			fragment, ok, err := n.parseLine(line, parse)
			if err != nil {
				return text.String(), err
			}
			if !ok {
				skipped++
			}
			if fragment != "" {
				text.WriteString(fragment)
				if onDelta != nil {
					onDelta(fragment)
				}
			}
		}

		if readErr != nil {
			if ctx.Err() != nil {
				return text.String(), services.NewCanceledError(ctx.Err())
			}
			if errors.Is(readErr, io.EOF) {
				if skipped > 0 {
					n.logger.Debug("stream finished with skipped payloads", zap.Int("skipped", skipped))
				}
				return text.String(), nil
			}
			if text.Len() > 0 {
				return text.String(), services.NewStreamInterruptedError(text.String(), readErr)
			}
			return "", services.NewNetworkError("The response stream ended unexpectedly.", readErr)
		}

		if ctx.Err() != nil {
			return text.String(), services.NewCanceledError(ctx.Err())
		}
	}
}

// parseLine returns ok=false only for a malformed payload.
func (n *Normalizer) parseLine(line []byte, parse DeltaParser) (string, bool, error) {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, []byte(DataPrefix)) {
		return "", true, nil
	}
	payload := bytes.TrimSpace(line[len(DataPrefix):])
	if len(payload) == 0 || string(payload) == DoneSentinel {
		return "", true, nil
	}

	if !json.Valid(payload) {
		n.logMalformed(payload, nil)
		return "", false, nil
	}

	fragment, err := parse(payload)
	if err != nil {
		var domainErr *services.DomainError
		if errors.As(err, &domainErr) {
			return "", true, err
		}
		n.logMalformed(payload, err)
		return "", false, nil
	}
	return fragment, true, nil
}

func (n *Normalizer) logMalformed(payload []byte, err error) {
	if len(payload) > logPayloadMax {
		payload = payload[:logPayloadMax]
	}
	n.logger.Warn("skipping malformed stream payload",
		zap.ByteString("payload", payload),
		zap.Error(err),
	)
}
