package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/powercasting/internal/clock"
	"github.com/smallbiznis/powercasting/internal/config"
	"github.com/smallbiznis/powercasting/internal/dataset"
	datasetdomain "github.com/smallbiznis/powercasting/internal/dataset/domain"
	"github.com/smallbiznis/powercasting/internal/dataset/normalize"
	ingestdomain "github.com/smallbiznis/powercasting/internal/ingest/domain"
	"github.com/smallbiznis/powercasting/internal/observability/logger"
	"github.com/smallbiznis/powercasting/internal/observability/metrics"
	recorddomain "github.com/smallbiznis/powercasting/internal/record/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   config.Config
	Tuning   *config.IngestTuningHolder
	Catalog  *dataset.Catalog
	Repo     recorddomain.Repository
	Metrics  *metrics.Metrics         `optional:"true"`
	Pipeline *metrics.PipelineMetrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	tuning   *config.IngestTuningHolder
	catalog  *dataset.Catalog
	repo     recorddomain.Repository
	metrics  *metrics.Metrics
	pipeline *metrics.PipelineMetrics

	lookupBatch   int
	writeBatch    int
	lookupWorkers int
}

func NewService(p Params) ingestdomain.Service {
	tuning := p.Tuning
	if tuning == nil {
		tuning = config.NewStaticIngestTuning(config.DefaultIngestTuning(p.Config))
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("ingest.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		tuning:        tuning,
		catalog:       p.Catalog,
		repo:          p.Repo,
		metrics:       p.Metrics,
		pipeline:      p.Pipeline,
		lookupBatch:   positiveOr(p.Config.Ingest.LookupBatch, 1000),
		writeBatch:    positiveOr(p.Config.Ingest.WriteBatch, 500),
		lookupWorkers: positiveOr(p.Config.Ingest.LookupWorkers, 4),
	}
}

func (s *Service) BulkUpsert(ctx context.Context, req ingestdomain.BulkUpsertRequest) (ingestdomain.Summary, error) {
	rows, ok := req.Payload.([]any)
	if !ok {
		return ingestdomain.Summary{}, datasetdomain.ErrPayloadShape
	}

	b, err := s.begin(ctx, req.Dataset, req.Uploader)
	if err != nil {
		return ingestdomain.Summary{}, err
	}
	for _, row := range rows {
		if err := b.Push(row); err != nil {
			return ingestdomain.Summary{}, err
		}
	}
	return b.Finish()
}

func (s *Service) Add(ctx context.Context, req ingestdomain.AddRequest) (ingestdomain.Summary, error) {
	d, err := s.catalog.Lookup(req.Dataset)
	if err != nil {
		return ingestdomain.Summary{}, err
	}
	if _, err := normalize.Row(d, req.Row); err != nil {
		return ingestdomain.Summary{}, err
	}

	b, err := s.begin(ctx, req.Dataset, req.Uploader)
	if err != nil {
		return ingestdomain.Summary{}, err
	}
	if err := b.Push(req.Row); err != nil {
		return ingestdomain.Summary{}, err
	}
	return b.Finish()
}

func (s *Service) Begin(ctx context.Context, dataset, uploader string) (ingestdomain.Batch, error) {
	return s.begin(ctx, dataset, uploader)
}

func (s *Service) begin(ctx context.Context, dataset, uploader string) (*batch, error) {
	d, err := s.catalog.Lookup(dataset)
	if err != nil {
		return nil, err
	}
	tuning := s.tuning.Get()

	var uploadedBy *string
	if trimmed := strings.TrimSpace(uploader); trimmed != "" {
		uploadedBy = &trimmed
	}

	return &batch{
		svc:        s,
		ctx:        ctx,
		log:        logger.WithDataset(logger.WithContext(ctx, s.log), d.Code),
		descriptor: d,
		uploadedBy: uploadedBy,
		uploadedAt: s.clock.Now().UTC(),
		chunkSize:  tuning.ChunkSize,
		maxSamples: tuning.MaxSampleErrors,
		summary: ingestdomain.Summary{
			ChunkSize:    tuning.ChunkSize,
			SampleErrors: []ingestdomain.SampleError{},
		},
		pending: newChunk(),
	}, nil
}

// batch accumulates rows and flushes them to staging once the buffered row
// count reaches the chunk size. Flushes run in order; rows inside a flush are
// written without ordering guarantees.
type batch struct {
	svc        *Service
	ctx        context.Context
	log        *zap.Logger
	descriptor datasetdomain.Descriptor
	uploadedBy *string
	uploadedAt time.Time
	chunkSize  int
	maxSamples int

	summary  ingestdomain.Summary
	pending  *chunk
	finished bool
}

func (b *batch) Push(row any) error {
	if b.finished {
		return ingestdomain.ErrBatchFinished
	}

	index := b.summary.Received
	b.summary.Received++

	rec, err := normalize.Row(b.descriptor, row)
	if err != nil {
		b.summary.SkippedInvalid++
		b.sample(index, err.Error(), row)
		return nil
	}

	b.pending.add(index, row, rec)
	if b.pending.rows >= b.chunkSize {
		return b.flush()
	}
	return nil
}

func (b *batch) Finish() (ingestdomain.Summary, error) {
	if b.finished {
		return ingestdomain.Summary{}, ingestdomain.ErrBatchFinished
	}
	b.finished = true

	if b.summary.Received == 0 {
		return ingestdomain.Summary{
			Message:      ingestdomain.MessageEmpty,
			ChunkSize:    b.chunkSize,
			SampleErrors: []ingestdomain.SampleError{},
		}, nil
	}
	if err := b.flush(); err != nil {
		return ingestdomain.Summary{}, err
	}

	b.summary.Message = ingestdomain.MessageCompleted
	b.svc.pipeline.AddRows(b.descriptor.Code, metrics.OutcomeInvalid, b.summary.SkippedInvalid)
	b.svc.metrics.RecordIngest(b.ctx, b.descriptor.Code, b.summary.Received, b.summary.SkippedInvalid+b.summary.FailedWrites)
	b.log.Info("bulk upsert completed",
		zap.Int("received", b.summary.Received),
		zap.Int("inserted_new", b.summary.InsertedNew),
		zap.Int("replaced_existing", b.summary.ReplacedExisting),
		zap.Int("modified_existing", b.summary.ModifiedExisting),
		zap.Int("skipped_invalid", b.summary.SkippedInvalid),
		zap.Int("failed_writes", b.summary.FailedWrites),
	)
	return b.summary, nil
}

func (b *batch) sample(index int, msg string, row any) {
	if len(b.summary.SampleErrors) >= b.maxSamples {
		return
	}
	b.summary.SampleErrors = append(b.summary.SampleErrors, ingestdomain.SampleError{
		RowIndex:  index,
		Error:     msg,
		RowSample: row,
	})
}

func (b *batch) flush() error {
	c := b.pending
	if len(c.order) == 0 {
		return nil
	}
	b.pending = newChunk()

	if err := b.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ingestdomain.ErrStoreFault, err)
	}

	start := time.Now()
	existing, err := b.svc.lookupExisting(b.ctx, b.descriptor.Code, c.order)
	if err != nil {
		b.svc.pipeline.IncStoreError("lookup", err)
		b.log.Error("existing key lookup failed", zap.Int("keys", len(c.order)), zap.Error(err))
		return fmt.Errorf("%w: %w", ingestdomain.ErrStoreFault, err)
	}

	records := make([]*recorddomain.Record, 0, len(c.order))
	for _, key := range c.order {
		records = append(records, b.toRecord(c.entries[key].record))
	}

	failed, err := b.svc.write(b.ctx, b.log, records)
	if err != nil {
		return fmt.Errorf("%w: %w", ingestdomain.ErrStoreFault, err)
	}

	var inserted, replaced, modified, failedRows int
	for _, key := range c.order {
		e := c.entries[key]
		if cause, ok := failed[key]; ok {
			failedRows += len(e.occurrences)
			for _, occ := range e.occurrences {
				b.sample(occ.index, cause.Error(), occ.raw)
			}
			continue
		}

		prev, found := existing[key]
		for _, occ := range e.occurrences {
			if !found {
				inserted++
				found = true
			} else {
				replaced++
				if occ.hash != prev {
					modified++
				}
			}
			prev = occ.hash
		}
	}

	b.summary.InsertedNew += inserted
	b.summary.ReplacedExisting += replaced
	b.summary.ModifiedExisting += modified
	b.summary.FailedWrites += failedRows

	b.svc.pipeline.ObserveChunk(b.descriptor.Code, c.rows, time.Since(start))
	b.svc.pipeline.AddRows(b.descriptor.Code, metrics.OutcomeInserted, inserted)
	b.svc.pipeline.AddRows(b.descriptor.Code, metrics.OutcomeReplaced, replaced)
	b.svc.pipeline.AddRows(b.descriptor.Code, metrics.OutcomeModified, modified)
	b.svc.pipeline.AddRows(b.descriptor.Code, metrics.OutcomeFailed, failedRows)

	if failedRows == c.rows {
		return fmt.Errorf("%w: every write in the chunk failed", ingestdomain.ErrStoreFault)
	}
	return nil
}

func (b *batch) toRecord(rec datasetdomain.Record) *recorddomain.Record {
	return &recorddomain.Record{
		ID:          b.svc.genID.Generate(),
		Dataset:     rec.Dataset,
		RecordKey:   rec.Key,
		RecordedAt:  rec.RecordedAt,
		Subject:     rec.Subject,
		Document:    datatypes.JSONMap(rec.Values),
		ContentHash: rec.ContentHash,
		UploadedBy:  b.uploadedBy,
		UploadedAt:  b.uploadedAt,
		CreatedAt:   b.uploadedAt,
		UpdatedAt:   b.uploadedAt,
	}
}

// lookupExisting fetches the stored content hash of every key, fanning the
// lookups out over a bounded number of workers.
func (s *Service) lookupExisting(ctx context.Context, dataset string, keys []string) (map[string]string, error) {
	existing := make(map[string]string, len(keys))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.lookupWorkers)
	for start := 0; start < len(keys); start += s.lookupBatch {
		part := keys[start:min(start+s.lookupBatch, len(keys))]
		g.Go(func() error {
			found, err := s.repo.LookupHashes(gctx, s.db, recorddomain.Staging, dataset, part)
			if err != nil {
				return err
			}
			mu.Lock()
			for k, v := range found {
				existing[k] = v
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return existing, nil
}

// write upserts records in sub-batches. A failing sub-batch is retried row by
// row so one bad row cannot take its neighbours down; the keys that still fail
// are returned with their cause. A cancelled context aborts the flush.
func (s *Service) write(ctx context.Context, log *zap.Logger, records []*recorddomain.Record) (map[string]error, error) {
	failed := map[string]error{}
	for start := 0; start < len(records); start += s.writeBatch {
		part := records[start:min(start+s.writeBatch, len(records))]

		err := s.repo.Upsert(ctx, s.db, recorddomain.Staging, part)
		if err == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Join(ctxErr, err)
		}
		s.pipeline.IncStoreError("upsert_batch", err)
		log.Warn("batch upsert failed, retrying row by row", zap.Int("rows", len(part)), zap.Error(err))

		for _, rec := range part {
			if err := s.repo.Upsert(ctx, s.db, recorddomain.Staging, []*recorddomain.Record{rec}); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, errors.Join(ctxErr, err)
				}
				s.pipeline.IncStoreError("upsert_row", err)
				failed[rec.RecordKey] = err
			}
		}
	}
	return failed, nil
}

type occurrence struct {
	index int
	raw   any
	hash  string
}

type chunkEntry struct {
	record      datasetdomain.Record
	occurrences []occurrence
}

// chunk buffers normalized rows by business key. A key seen twice keeps the
// later row; both occurrences are still accounted for.
type chunk struct {
	order   []string
	entries map[string]*chunkEntry
	rows    int
}

func newChunk() *chunk {
	return &chunk{entries: map[string]*chunkEntry{}}
}

func (c *chunk) add(index int, raw any, rec datasetdomain.Record) {
	c.rows++
	occ := occurrence{index: index, raw: raw, hash: rec.ContentHash}
	if e, ok := c.entries[rec.Key]; ok {
		e.record = rec
		e.occurrences = append(e.occurrences, occ)
		return
	}
	c.entries[rec.Key] = &chunkEntry{record: rec, occurrences: []occurrence{occ}}
	c.order = append(c.order, rec.Key)
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
