package asr

import "context"

// Recognizer turns one utterance-fragment of audio into text. An empty
// transcript is a valid result, not an error; callers decide whether short
// transcripts are worth downstream processing.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, audio []byte) (string, error)
	Close() error
}
