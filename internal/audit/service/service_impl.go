package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/powercasting/internal/audit/domain"
	"github.com/smallbiznis/powercasting/internal/audit/masking"
	"github.com/smallbiznis/powercasting/internal/config"
	"github.com/smallbiznis/powercasting/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const writeTimeout = 5 * time.Second

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle `optional:"true"`
	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Config    config.Config
	Repo      auditdomain.Repository
	Pipeline  *metrics.PipelineMetrics `optional:"true"`
}

// Service is a bounded, non-blocking audit sink. Captures are queued by the
// HTTP layer and written by a fixed set of workers; a full queue drops the
// capture instead of slowing the request down.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     auditdomain.Repository
	pipeline *metrics.PipelineMetrics

	enabled         bool
	workers         int
	shutdownTimeout time.Duration

	queue chan auditdomain.Capture
	wg    sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
}

func NewService(p Params) *Service {
	auditCfg := p.Config.Audit
	queueSize := auditCfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	workers := auditCfg.Workers
	if workers <= 0 {
		workers = 1
	}
	shutdown := time.Duration(auditCfg.ShutdownTimeout) * time.Second
	if shutdown <= 0 {
		shutdown = 5 * time.Second
	}

	s := &Service{
		db:              p.DB,
		log:             p.Log.Named("audit.service"),
		genID:           p.GenID,
		repo:            p.Repo,
		pipeline:        p.Pipeline,
		enabled:         auditCfg.Enabled,
		workers:         workers,
		shutdownTimeout: shutdown,
		queue:           make(chan auditdomain.Capture, queueSize),
	}

	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStart: func(context.Context) error {
				return s.Start()
			},
			OnStop: func(context.Context) error {
				return s.Stop(s.shutdownTimeout)
			},
		})
	}
	return s
}

// Start launches the writer goroutines. Calling it twice is a no-op.
func (s *Service) Start() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.started || !s.enabled {
		return nil
	}
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.started = true
	return nil
}

// Stop closes the queue and waits up to timeout for queued captures to be
// written. Enqueue calls made meanwhile return false at once.
func (s *Service) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	if !s.started || s.stopped {
		s.lifecycleMu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.queue)
	s.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		s.log.Warn("audit queue not drained before shutdown", zap.Int("pending", len(s.queue)))
		return auditdomain.ErrStopTimeout
	}
}

func (s *Service) Enqueue(c auditdomain.Capture) bool {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.started || s.stopped {
		return false
	}

	select {
	case s.queue <- c:
		s.pipeline.IncAuditEnqueued()
		s.pipeline.SetAuditQueueDepth(len(s.queue))
		return true
	default:
		s.pipeline.IncAuditDropped()
		s.log.Debug("audit queue full, dropping entry",
			zap.String("endpoint", c.Endpoint),
			zap.String("method", c.Method),
		)
		return false
	}
}

func (s *Service) List(ctx context.Context, limit int) ([]auditdomain.EntryView, error) {
	switch {
	case limit < 0:
		return nil, auditdomain.ErrInvalidLimit
	case limit == 0:
		limit = auditdomain.DefaultHistoryLimit
	case limit > auditdomain.MaxHistoryLimit:
		limit = auditdomain.MaxHistoryLimit
	}

	entries, err := s.repo.ListNewest(ctx, s.db, limit)
	if err != nil {
		return nil, err
	}
	out := make([]auditdomain.EntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.View())
	}
	return out, nil
}

func (s *Service) Delete(ctx context.Context, limit *int) (int64, error) {
	if limit == nil {
		return s.repo.DeleteAll(ctx, s.db)
	}
	if *limit <= 0 {
		return 0, auditdomain.ErrInvalidLimit
	}
	return s.repo.DeleteNewest(ctx, s.db, *limit)
}

func (s *Service) worker() {
	defer s.wg.Done()
	for c := range s.queue {
		s.pipeline.SetAuditQueueDepth(len(s.queue))
		s.write(c)
	}
}

func (s *Service) write(c auditdomain.Capture) {
	entry := s.toEntry(c)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := s.repo.Insert(ctx, s.db, entry); err != nil {
		s.pipeline.IncAuditWritten(metrics.OutcomeFailed)
		s.log.Warn("failed to write audit entry",
			zap.String("endpoint", entry.Endpoint),
			zap.String("request_id", entry.RequestID),
			zap.Error(err),
		)
		return
	}
	s.pipeline.IncAuditWritten("written")
}

func (s *Service) toEntry(c auditdomain.Capture) *auditdomain.Entry {
	at := c.At
	if at.IsZero() {
		at = time.Now()
	}
	entry := &auditdomain.Entry{
		ID:             s.genID.Generate(),
		Endpoint:       c.Endpoint,
		Method:         strings.ToUpper(c.Method),
		RequestBody:    masking.MaskBody(c.RequestBody),
		ResponseStatus: c.ResponseStatus,
		ResponseBody:   masking.MaskBody(c.ResponseBody),
		RequestID:      c.RequestID,
		Timestamp:      at.UTC(),
	}
	if uploader := strings.TrimSpace(c.Uploader); uploader != "" {
		entry.Uploader = &uploader
	}
	return entry
}

var _ auditdomain.Service = (*Service)(nil)
