package pipeline

import "errors"

// Run-level failures. Per-chunk failures surface as tts.SynthesisError and
// never end a run on their own.
var (
	ErrExtractionEmpty       = errors.New("document contains no text")
	ErrEmptyResult           = errors.New("no audio segment was synthesized")
	ErrReferenceVoiceMissing = errors.New("cloned voice requires a reference voice sample")
	ErrUnsupportedLanguage   = errors.New("unsupported language")
	ErrInvalidChunkSize      = errors.New("max chunk chars must be >= 1")
)
