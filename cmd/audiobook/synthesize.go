package main

import (
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/audio"
	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/loqalabs/loqa-audiobook/internal/eventstore"
	"github.com/loqalabs/loqa-audiobook/internal/pipeline"
	"github.com/loqalabs/loqa-audiobook/internal/runtime"
	"github.com/spf13/cobra"
)

type jobFlags struct {
	voiceSample string
	language    string
	voiceMode   string
	maxChars    int
	silenceMS   int
	output      string
	format      string
}

func (f *jobFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.voiceSample, "voice-sample", "", "Reference recording (WAV, 3-10 seconds) for the cloned voice")
	cmd.Flags().StringVarP(&f.language, "language", "l", "", "Language code, e.g. en, es, fr")
	cmd.Flags().StringVarP(&f.voiceMode, "voice-mode", "m", "", "default or cloned")
	cmd.Flags().IntVar(&f.maxChars, "max-chunk-chars", 0, "Maximum characters per synthesized chunk")
	cmd.Flags().IntVar(&f.silenceMS, "silence-ms", 0, "Pause between chunks in milliseconds")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "Output file path")
	cmd.Flags().StringVarP(&f.format, "format", "f", "", "Output container: mp3 or wav (default depends on voice mode)")
}

func (f *jobFlags) silence(cmd *cobra.Command) *int {
	if !cmd.Flags().Changed("silence-ms") {
		return nil
	}
	v := f.silenceMS
	return &v
}

func newSynthesizeCommand(opts *rootOptions) *cobra.Command {
	flags := &jobFlags{}
	cmd := &cobra.Command{
		Use:     "synthesize DOCUMENT",
		Aliases: []string{"synth"},
		Short:   "Synthesize a document into a single audio file",
		Args:    cobra.ExactArgs(1),
		Example: `audiobook synthesize book.pdf -l fr -o book.mp3
audiobook synthesize book.pdf --voice-mode cloned --voice-sample me.wav`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return runSynthesize(cmd, cfg, flags, args[0])
		},
	}
	flags.register(cmd)
	return cmd
}

func runSynthesize(cmd *cobra.Command, cfg config.Config, flags *jobFlags, documentPath string) error {
	logger := runtime.NewLogger(cfg.Telemetry.LogLevel)
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var format audio.Format
	if flags.format != "" {
		f, err := audio.ParseFormat(flags.format)
		if err != nil {
			return err
		}
		format = f
	}

	store, err := eventstore.Open(ctx, cfg.EventStore, logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	p, err := pipeline.New(cfg, logger, pipeline.WithStore(store))
	if err != nil {
		return err
	}

	out := cmd.ErrOrStderr()
	art, err := p.Run(ctx, pipeline.Job{
		DocumentPath:          documentPath,
		VoicePath:             flags.voiceSample,
		Language:              flags.language,
		VoiceMode:             flags.voiceMode,
		MaxChunkChars:         flags.maxChars,
		InterSegmentSilenceMS: flags.silence(cmd),
		Format:                format,
		OutputPath:            flags.output,
		Progress:              progressPrinter(out),
	})
	if err != nil {
		return err
	}
	printArtifact(cmd.OutOrStdout(), art)
	return nil
}

func progressPrinter(w io.Writer) func(pipeline.Progress) {
	return func(p pipeline.Progress) {
		line := fmt.Sprintf("chunk %d/%d %s", p.Index+1, p.Total, p.Status)
		if p.Err != nil {
			line += ": " + p.Err.Error()
		}
		fmt.Fprintln(w, line)
	}
}

func printArtifact(w io.Writer, art pipeline.Artifact) {
	fmt.Fprintf(w, "run:      %s\n", art.RunID)
	fmt.Fprintf(w, "output:   %s (%s)\n", art.Path, art.MIME)
	fmt.Fprintf(w, "duration: %s\n", art.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "segments: %d\n", art.Segments)
	if len(art.Failed) > 0 {
		fmt.Fprintf(w, "failed:   %v\n", art.Failed)
	}
}
