package tts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/loqalabs/loqa-audiobook/internal/audio"
	"github.com/replicate/replicate-go"
)

// replicateCloner runs a hosted XTTS-v2 style model. Reference samples are
// uploaded once per distinct recording and deleted on Close.
type replicateCloner struct {
	model  string
	token  string
	logger *slog.Logger

	mu      sync.Mutex
	client  *replicate.Client
	uploads map[string]*replicate.File
}

func NewReplicateCloner(model, token string, logger *slog.Logger) (VoiceCloner, error) {
	if _, err := replicate.ParseIdentifier(model); err != nil {
		return nil, fmt.Errorf("parse replicate model: %w", err)
	}
	return &replicateCloner{
		model:   model,
		token:   token,
		logger:  logger.With(slog.String("component", "replicate-cloner")),
		uploads: make(map[string]*replicate.File),
	}, nil
}

func (r *replicateCloner) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return nil
	}

	opts := []replicate.ClientOption{replicate.WithTokenFromEnv()}
	if r.token != "" {
		opts = []replicate.ClientOption{replicate.WithToken(r.token)}
	}
	client, err := replicate.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("replicate client: %w", err)
	}

	id, err := replicate.ParseIdentifier(r.model)
	if err != nil {
		return err
	}
	if _, err := client.GetModel(ctx, id.Owner, id.Name); err != nil {
		return fmt.Errorf("resolve model %s/%s: %w", id.Owner, id.Name, err)
	}
	r.client = client
	r.logger.Info("voice model resolved", slog.String("model", r.model))
	return nil
}

func (r *replicateCloner) Synthesize(ctx context.Context, req SynthRequest) (Speech, error) {
	if err := checkRequest("replicate", req); err != nil {
		return Speech{}, err
	}
	if req.Voice == nil || (req.Voice.Path == "" && len(req.Voice.Data) == 0) {
		return Speech{}, synthErr("replicate", ErrNoVoice)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return Speech{}, synthErr("replicate", ErrNotInitialized)
	}

	speaker, err := r.upload(ctx, req.Voice)
	if err != nil {
		return Speech{}, synthErr("replicate", err)
	}

	// https://replicate.com/lucataco/xtts-v2/api/schema#input-schema
	input := replicate.PredictionInput{
		"text":          req.Text,
		"speaker":       speaker.URLs["get"],
		"language":      req.Language,
		"cleanup_voice": false,
	}
	output, err := r.client.RunWithOptions(ctx, r.model, input, nil, replicate.WithBlockUntilDone(), replicate.WithFileOutput())
	if err != nil {
		return Speech{}, synthErr("replicate", err)
	}
	file, ok := output.(*replicate.FileOutput)
	if !ok {
		return Speech{}, synthErr("replicate", fmt.Errorf("unsupported output %T", output))
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return Speech{}, synthErr("replicate", err)
	}
	if len(data) == 0 {
		return Speech{}, synthErr("replicate", errors.New("empty audio output"))
	}
	return Speech{Audio: data, Format: audio.FormatWAV}, nil
}

func (r *replicateCloner) upload(ctx context.Context, voice *VoiceSample) (*replicate.File, error) {
	data := voice.Data
	if len(data) == 0 {
		var err error
		if data, err = os.ReadFile(voice.Path); err != nil {
			return nil, fmt.Errorf("read reference voice: %w", err)
		}
	}
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])
	if f, ok := r.uploads[key]; ok {
		return f, nil
	}
	f, err := r.client.CreateFileFromBytes(ctx, data, &replicate.CreateFileOptions{
		Filename:    "speaker.wav",
		ContentType: "audio/wav",
	})
	if err != nil {
		return nil, fmt.Errorf("upload reference voice: %w", err)
	}
	r.uploads[key] = f
	return f, nil
}

func (r *replicateCloner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	var errs []error
	for key, f := range r.uploads {
		if err := r.client.DeleteFile(context.Background(), f.ID); err != nil {
			errs = append(errs, err)
		}
		delete(r.uploads, key)
	}
	r.client = nil
	return errors.Join(errs...)
}
