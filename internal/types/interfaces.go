package types

import (
	"context"
	"iter"
)

// Chunk is one increment of model text delivered by a streaming chat call.
// Text may be empty (the vendor sometimes flushes metadata-only frames).
type Chunk struct {
	Text string
}

// ChatClient creates chat sessions against a generative-language backend.
type ChatClient interface {
	// CreateSession opens a session whose replies follow the given persona instruction.
	CreateSession(ctx context.Context, instruction string) (ChatSession, error)
}

// ChatSession is a stateful conversation handle. It is not re-entrant: callers
// must finish (or abandon) one stream before starting the next.
type ChatSession interface {
	// SendStreaming submits one user message and returns the reply as a lazy,
	// finite, non-restartable sequence of chunks in receipt order. A non-nil
	// error element terminates the sequence.
	SendStreaming(ctx context.Context, text string) iter.Seq2[Chunk, error]
}

// Captioner produces a short caption for binary media (images).
type Captioner interface {
	Caption(ctx context.Context, mimeType string, data []byte) (string, error)
}
