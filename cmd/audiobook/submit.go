package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-audiobook/internal/bus"
	"github.com/loqalabs/loqa-audiobook/internal/protocol"
	"github.com/loqalabs/loqa-audiobook/internal/runtime"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

func newSubmitCommand(opts *rootOptions) *cobra.Command {
	flags := &jobFlags{}
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "submit DOCUMENT",
		Short: "Queue a document on a running audiobookd and wait for the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := runtime.NewLogger(cfg.Telemetry.LogLevel)
			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()

			client, err := bus.Connect(ctx, cfg.Bus, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			doc, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			req := protocol.JobRequest{
				JobID:                 uuid.NewString(),
				DocumentPath:          doc,
				VoiceSamplePath:       flags.voiceSample,
				Language:              flags.language,
				VoiceMode:             flags.voiceMode,
				MaxChunkChars:         flags.maxChars,
				InterSegmentSilenceMS: flags.silence(cmd),
				OutputPath:            flags.output,
				Format:                flags.format,
			}
			if req.VoiceSamplePath != "" {
				if req.VoiceSamplePath, err = filepath.Abs(req.VoiceSamplePath); err != nil {
					return err
				}
			}
			status, err := submitJob(ctx, client.Conn(), req, func(p protocol.JobProgress) {
				fmt.Fprintf(cmd.ErrOrStderr(), "chunk %d/%d %s\n", p.Index+1, p.Total, p.Status)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job:    %s\noutput: %s (%s)\n", status.JobID, status.OutputPath, status.MIME)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().DurationVar(&wait, "timeout", 2*time.Hour, "How long to wait for the job to finish")
	return cmd
}

// submitJob publishes req and blocks until its completion status arrives.
func submitJob(ctx context.Context, conn *nats.Conn, req protocol.JobRequest, onProgress func(protocol.JobProgress)) (protocol.JobStatus, error) {
	done := make(chan protocol.JobStatus, 1)
	doneSub, err := conn.Subscribe(protocol.SubjectJobDone, func(msg *nats.Msg) {
		var status protocol.JobStatus
		if json.Unmarshal(msg.Data, &status) == nil && status.JobID == req.JobID {
			select {
			case done <- status:
			default:
			}
		}
	})
	if err != nil {
		return protocol.JobStatus{}, err
	}
	defer doneSub.Unsubscribe()

	progressSub, err := conn.Subscribe(protocol.SubjectJobProgress, func(msg *nats.Msg) {
		var p protocol.JobProgress
		if json.Unmarshal(msg.Data, &p) == nil && p.JobID == req.JobID {
			onProgress(p)
		}
	})
	if err != nil {
		return protocol.JobStatus{}, err
	}
	defer progressSub.Unsubscribe()

	data, err := json.Marshal(req)
	if err != nil {
		return protocol.JobStatus{}, err
	}
	reply, err := conn.RequestWithContext(ctx, protocol.SubjectJobRequest, data)
	if err != nil {
		return protocol.JobStatus{}, fmt.Errorf("submit job: %w", err)
	}
	var ack protocol.JobStatus
	if err := json.Unmarshal(reply.Data, &ack); err != nil {
		return protocol.JobStatus{}, fmt.Errorf("decode ack: %w", err)
	}
	if ack.Rejected {
		return ack, fmt.Errorf("job rejected: %s", ack.Error)
	}

	select {
	case status := <-done:
		if !status.Completed {
			return status, errors.New(status.Error)
		}
		return status, nil
	case <-ctx.Done():
		return protocol.JobStatus{}, fmt.Errorf("waiting for job %s: %w", req.JobID, ctx.Err())
	}
}
