// Package service accepts synthesis jobs from the bus and runs them one at
// a time.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-audiobook/internal/audio"
	"github.com/loqalabs/loqa-audiobook/internal/bus"
	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/loqalabs/loqa-audiobook/internal/pipeline"
	"github.com/loqalabs/loqa-audiobook/internal/protocol"
	"github.com/nats-io/nats.go"
)

// doneRetention bounds how long completion messages stay in the stream.
const doneRetention = 7 * 24 * time.Hour

// ErrQueueFull is reported to callers when max_pending jobs are waiting.
var ErrQueueFull = errors.New("job queue full")

// ErrServiceClosed is reported for jobs still queued when the service stops.
var ErrServiceClosed = errors.New("job service stopped")

// Runner executes one pipeline job.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job) (pipeline.Artifact, error)
}

type Service struct {
	cfg    config.ServiceConfig
	bus    *bus.Client
	runner Runner
	logger *slog.Logger
	sub    *nats.Subscription
	queue  chan protocol.JobRequest
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewService(parent context.Context, cfg config.ServiceConfig, busClient *bus.Client, runner Runner, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	pending := cfg.MaxPending
	if pending < 1 {
		pending = 1
	}
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		runner: runner,
		logger: logger.With(slog.String("component", "job-service")),
		queue:  make(chan protocol.JobRequest, pending),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if err := s.bus.EnsureStream(protocol.StreamJobDone, []string{protocol.SubjectJobDone}, doneRetention); err != nil {
		s.logger.Warn("job results will not be retained", slog.String("error", err.Error()))
	}

	s.wg.Add(1)
	go s.worker()

	sub, err := s.bus.Conn().Subscribe(protocol.SubjectJobRequest, s.handleRequest)
	if err != nil {
		s.cancel()
		s.wg.Wait()
		return err
	}
	s.sub = sub
	s.logger.Info("job service started", slog.Int("max_pending", cap(s.queue)))
	return nil
}

// Close stops accepting jobs. A job in progress is abandoned between chunks
// and every job still queued is answered with a rejected status.
func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
	for {
		select {
		case req := <-s.queue:
			s.abandon(req)
		default:
			return
		}
	}
}

func (s *Service) abandon(req protocol.JobRequest) {
	s.logger.Warn("job dropped", slog.String("job_id", req.JobID), slog.String("error", ErrServiceClosed.Error()))
	s.publish(protocol.SubjectJobDone, protocol.JobStatus{
		JobID:     req.JobID,
		Rejected:  true,
		Error:     ErrServiceClosed.Error(),
		Timestamp: s.now().UTC(),
	})
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || (s.sub != nil && s.sub.IsValid())
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.JobRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("invalid job request", slog.String("error", err.Error()))
		s.reject(msg, req, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	if req.DocumentPath == "" {
		s.reject(msg, req, errors.New("document_path required"))
		return
	}
	if req.Format != "" {
		if _, err := audio.ParseFormat(req.Format); err != nil {
			s.reject(msg, req, err)
			return
		}
	}

	select {
	case s.queue <- req:
		s.logger.Info("job queued", slog.String("job_id", req.JobID), slog.Int("pending", len(s.queue)))
		s.reply(msg, protocol.JobStatus{JobID: req.JobID, Timestamp: s.now().UTC()})
	default:
		s.logger.Warn("job rejected", slog.String("job_id", req.JobID), slog.String("error", ErrQueueFull.Error()))
		s.reject(msg, req, ErrQueueFull)
	}
}

func (s *Service) reject(msg *nats.Msg, req protocol.JobRequest, err error) {
	status := protocol.JobStatus{
		JobID:     req.JobID,
		Rejected:  true,
		Error:     err.Error(),
		Timestamp: s.now().UTC(),
	}
	s.reply(msg, status)
	s.publish(protocol.SubjectJobDone, status)
}

func (s *Service) reply(msg *nats.Msg, status protocol.JobStatus) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond", slog.String("job_id", status.JobID), slog.String("error", err.Error()))
	}
}

func (s *Service) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.queue:
			if s.ctx.Err() != nil {
				s.abandon(req)
				continue
			}
			s.process(req)
		}
	}
}

func (s *Service) process(req protocol.JobRequest) {
	logger := s.logger.With(slog.String("job_id", req.JobID))
	logger.Info("job started", slog.String("document", req.DocumentPath))

	// validated in handleRequest
	format, _ := audio.ParseFormat(req.Format)
	job := pipeline.Job{
		Format:                format,
		RunID:                 req.JobID,
		DocumentPath:          req.DocumentPath,
		VoicePath:             req.VoiceSamplePath,
		Language:              req.Language,
		VoiceMode:             req.VoiceMode,
		MaxChunkChars:         req.MaxChunkChars,
		InterSegmentSilenceMS: req.InterSegmentSilenceMS,
		OutputPath:            req.OutputPath,
		Progress: func(p pipeline.Progress) {
			msg := protocol.JobProgress{
				JobID:     req.JobID,
				Index:     p.Index,
				Total:     p.Total,
				Status:    p.Status,
				Timestamp: s.now().UTC(),
			}
			if p.Err != nil {
				msg.Error = p.Err.Error()
			}
			s.publish(protocol.SubjectJobProgress, msg)
		},
	}

	art, err := s.runner.Run(s.ctx, job)
	status := protocol.JobStatus{JobID: req.JobID, Timestamp: s.now().UTC()}
	if err != nil {
		status.Error = err.Error()
		logger.Error("job failed", slog.String("error", err.Error()))
	} else {
		status.Completed = true
		status.OutputPath = art.Path
		status.MIME = art.MIME
		status.DurationMS = art.Duration.Milliseconds()
		status.FailedChunks = art.Failed
		logger.Info("job completed", slog.String("output", art.Path))
	}
	s.publish(protocol.SubjectJobDone, status)
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.logger.Warn("publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
