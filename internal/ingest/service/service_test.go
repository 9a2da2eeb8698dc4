package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/powercasting/internal/clock"
	"github.com/smallbiznis/powercasting/internal/config"
	"github.com/smallbiznis/powercasting/internal/dataset"
	datasetdomain "github.com/smallbiznis/powercasting/internal/dataset/domain"
	ingestdomain "github.com/smallbiznis/powercasting/internal/ingest/domain"
	"github.com/smallbiznis/powercasting/internal/observability/metrics"
	recorddomain "github.com/smallbiznis/powercasting/internal/record/domain"
	"github.com/smallbiznis/powercasting/internal/record/repository"
	"github.com/smallbiznis/powercasting/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var uploadTime = time.Date(2025, 8, 22, 12, 30, 0, 0, time.UTC)

type fixture struct {
	db    *gorm.DB
	svc   ingestdomain.Service
	clock *clock.FakeClock
	repo  recorddomain.Repository
}

func newFixture(t *testing.T, chunkSize int, repo recorddomain.Repository) fixture {
	t.Helper()

	db := testutil.OpenSQLite(t, &recorddomain.StagingRecord{}, &recorddomain.FinalRecord{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	if repo == nil {
		repo = repository.Provide()
	}

	cfg := config.Config{Ingest: config.IngestConfig{
		ChunkSize:      chunkSize,
		MaxSampleError: config.DefaultMaxSampleErrors,
		LookupBatch:    2,
		WriteBatch:     2,
		LookupWorkers:  2,
	}}
	tuning := config.NewStaticIngestTuning(config.DefaultIngestTuning(cfg))
	fake := clock.NewFakeClock(uploadTime)

	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fake,
		Config:   cfg,
		Tuning:   tuning,
		Catalog:  dataset.NewCatalog(tuning),
		Repo:     repo,
		Pipeline: metrics.NewPipelineMetrics(prometheus.NewRegistry(), metrics.Config{}),
	})
	return fixture{db: db, svc: svc, clock: fake, repo: repo}
}

func (f fixture) staged(t *testing.T) []*recorddomain.Record {
	t.Helper()
	recs, err := f.repo.List(context.Background(), f.db, recorddomain.Staging, recorddomain.ListFilter{Dataset: dataset.CodeDemand})
	require.NoError(t, err)
	return recs
}

func demandRow(hour int, actual any) map[string]any {
	return map[string]any{
		"TimeStamp":      fmt.Sprintf("2025-08-22 %02d:00:00", hour),
		"Demand(Actual)": actual,
	}
}

func bulk(payload any, uploader string) ingestdomain.BulkUpsertRequest {
	return ingestdomain.BulkUpsertRequest{Dataset: dataset.CodeDemand, Uploader: uploader, Payload: payload}
}

func TestBulkUpsertDemandScenario(t *testing.T) {
	f := newFixture(t, config.DefaultChunkSize, nil)
	ctx := context.Background()
	payload := []any{map[string]any{"TimeStamp": "2025-08-22 18:00:00", "Demand(Actual)": 123.4}}

	summary, err := f.svc.BulkUpsert(ctx, bulk(payload, "ops@example.com"))
	require.NoError(t, err)
	assert.Equal(t, ingestdomain.MessageCompleted, summary.Message)
	assert.Equal(t, 1, summary.Received)
	assert.Equal(t, 1, summary.InsertedNew)
	assert.Equal(t, 0, summary.ReplacedExisting)
	assert.Equal(t, 0, summary.ModifiedExisting)
	assert.Equal(t, 0, summary.SkippedInvalid)
	assert.Equal(t, config.DefaultChunkSize, summary.ChunkSize)
	assert.Empty(t, summary.SampleErrors)

	f.clock.Advance(time.Hour)
	summary, err = f.svc.BulkUpsert(ctx, bulk(payload, "ops@example.com"))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Received)
	assert.Equal(t, 0, summary.InsertedNew)
	assert.Equal(t, 1, summary.ReplacedExisting)
	assert.Equal(t, 0, summary.ModifiedExisting)

	recs := f.staged(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "2025-08-22T18:00:00Z", recs[0].RecordKey)
	require.NotNil(t, recs[0].UploadedBy)
	assert.Equal(t, "ops@example.com", *recs[0].UploadedBy)
	assert.True(t, recs[0].UploadedAt.Equal(uploadTime.Add(time.Hour)))
}

func TestBulkUpsertDropsUndeclaredFields(t *testing.T) {
	f := newFixture(t, config.DefaultChunkSize, nil)
	ctx := context.Background()
	payload := []any{map[string]any{
		"Timestamp":    "2025-08-22 18:00:00",
		"Banking_Unit": 1.5,
		"Garbage":      "x",
		"Nested":       map[string]any{"a": 1.0},
	}}

	summary, err := f.svc.BulkUpsert(ctx, ingestdomain.BulkUpsertRequest{Dataset: dataset.CodeBanking, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.InsertedNew)

	recs, err := f.repo.List(ctx, f.db, recorddomain.Staging, recorddomain.ListFilter{Dataset: dataset.CodeBanking})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, map[string]any{
		"Timestamp":    "2025-08-22T18:00:00Z",
		"Banking_Unit": 1.5,
	}, map[string]any(recs[0].Document))
}

func TestBulkUpsertSkipsInvalidRows(t *testing.T) {
	f := newFixture(t, 4, nil)

	payload := make([]any, 0, 10)
	for i := 0; i < 10; i++ {
		switch i {
		case 3:
			payload = append(payload, map[string]any{"TimeStamp": "22/08/2025", "Demand(Actual)": 1.0})
		case 7:
			payload = append(payload, demandRow(i, "not-a-number"))
		default:
			payload = append(payload, demandRow(i, float64(i)))
		}
	}

	summary, err := f.svc.BulkUpsert(context.Background(), bulk(payload, ""))
	require.NoError(t, err)
	assert.Equal(t, 10, summary.Received)
	assert.Equal(t, 8, summary.InsertedNew)
	assert.Equal(t, 2, summary.SkippedInvalid)
	require.Len(t, summary.SampleErrors, 2)
	assert.Equal(t, 3, summary.SampleErrors[0].RowIndex)
	assert.Equal(t, 7, summary.SampleErrors[1].RowIndex)
	assert.Contains(t, summary.SampleErrors[0].Error, "22/08/2025")
	assert.Equal(t, payload[7], summary.SampleErrors[1].RowSample)

	recs := f.staged(t)
	assert.Len(t, recs, 8)
	assert.Nil(t, recs[0].UploadedBy)
}

func TestBulkUpsertCapsSampleErrors(t *testing.T) {
	f := newFixture(t, 100, nil)

	payload := make([]any, 0, 8)
	for i := 0; i < 8; i++ {
		payload = append(payload, "not an object")
	}
	summary, err := f.svc.BulkUpsert(context.Background(), bulk(payload, ""))
	require.NoError(t, err)
	assert.Equal(t, 8, summary.SkippedInvalid)
	assert.Len(t, summary.SampleErrors, config.DefaultMaxSampleErrors)
	assert.Empty(t, f.staged(t))
}

func TestBulkUpsertIdempotentAndModified(t *testing.T) {
	f := newFixture(t, 2, nil)
	ctx := context.Background()

	payload := []any{demandRow(0, 1.0), demandRow(1, 2.0), demandRow(2, 3.0)}
	_, err := f.svc.BulkUpsert(ctx, bulk(payload, ""))
	require.NoError(t, err)

	summary, err := f.svc.BulkUpsert(ctx, bulk(payload, ""))
	require.NoError(t, err)
	assert.Equal(t, 0, summary.InsertedNew)
	assert.Equal(t, 3, summary.ReplacedExisting)
	assert.Equal(t, 0, summary.ModifiedExisting)

	payload[1] = demandRow(1, 20.0)
	payload = append(payload, demandRow(3, 4.0))
	summary, err = f.svc.BulkUpsert(ctx, bulk(payload, ""))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.InsertedNew)
	assert.Equal(t, 3, summary.ReplacedExisting)
	assert.Equal(t, 1, summary.ModifiedExisting)

	assert.Len(t, f.staged(t), 4)
}

func TestBulkUpsertDuplicateKeyLastWins(t *testing.T) {
	f := newFixture(t, 100, nil)

	payload := []any{demandRow(5, 1.0), demandRow(5, 2.0)}
	summary, err := f.svc.BulkUpsert(context.Background(), bulk(payload, ""))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.InsertedNew)
	assert.Equal(t, 1, summary.ReplacedExisting)
	assert.Equal(t, 1, summary.ModifiedExisting)

	recs := f.staged(t)
	require.Len(t, recs, 1)
	assert.EqualValues(t, 2.0, recs[0].Document["Demand(Actual)"])
}

func TestBulkUpsertEmptyArray(t *testing.T) {
	repo := &countingRepo{Repository: repository.Provide()}
	f := newFixture(t, 10, repo)

	summary, err := f.svc.BulkUpsert(context.Background(), bulk([]any{}, "ops@example.com"))
	require.NoError(t, err)
	assert.Equal(t, ingestdomain.MessageEmpty, summary.Message)
	assert.Equal(t, 0, summary.Received)
	assert.Zero(t, repo.calls)
}

func TestBulkUpsertRejectsNonArray(t *testing.T) {
	repo := &countingRepo{Repository: repository.Provide()}
	f := newFixture(t, 10, repo)

	for _, payload := range []any{map[string]any{"TimeStamp": "2025-08-22 00:00:00"}, "rows", nil, 12.0} {
		_, err := f.svc.BulkUpsert(context.Background(), bulk(payload, ""))
		assert.ErrorIs(t, err, datasetdomain.ErrPayloadShape)
	}
	assert.Zero(t, repo.calls)
}

func TestBulkUpsertUnknownDataset(t *testing.T) {
	f := newFixture(t, 10, nil)
	_, err := f.svc.BulkUpsert(context.Background(), ingestdomain.BulkUpsertRequest{Dataset: "weather", Payload: []any{}})
	assert.ErrorIs(t, err, datasetdomain.ErrUnknownDataset)
}

func TestBulkUpsertPartialWriteFailure(t *testing.T) {
	repo := &failingRepo{Repository: repository.Provide(), badKeys: map[string]bool{"2025-08-22T01:00:00Z": true}}
	f := newFixture(t, 100, repo)

	payload := []any{demandRow(0, 1.0), demandRow(1, 2.0), demandRow(2, 3.0)}
	summary, err := f.svc.BulkUpsert(context.Background(), bulk(payload, ""))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Received)
	assert.Equal(t, 2, summary.InsertedNew)
	assert.Equal(t, 1, summary.FailedWrites)
	require.Len(t, summary.SampleErrors, 1)
	assert.Equal(t, 1, summary.SampleErrors[0].RowIndex)
	assert.Len(t, f.staged(t), 2)
}

func TestBulkUpsertStoreFault(t *testing.T) {
	repo := &failingRepo{Repository: repository.Provide(), failAll: true}
	f := newFixture(t, 100, repo)

	_, err := f.svc.BulkUpsert(context.Background(), bulk([]any{demandRow(0, 1.0)}, ""))
	assert.ErrorIs(t, err, ingestdomain.ErrStoreFault)
}

func TestBulkUpsertCancelledContext(t *testing.T) {
	f := newFixture(t, 100, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.BulkUpsert(ctx, bulk([]any{demandRow(0, 1.0)}, ""))
	assert.ErrorIs(t, err, ingestdomain.ErrStoreFault)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAdd(t *testing.T) {
	f := newFixture(t, 100, nil)
	ctx := context.Background()

	summary, err := f.svc.Add(ctx, ingestdomain.AddRequest{Dataset: dataset.CodeDemand, Row: demandRow(4, 9.5)})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.InsertedNew)

	_, err = f.svc.Add(ctx, ingestdomain.AddRequest{Dataset: dataset.CodeDemand, Row: demandRow(4, nil)})
	assert.ErrorIs(t, err, datasetdomain.ErrMissingField)
	assert.Len(t, f.staged(t), 1)
}

func TestBeginStreamsChunks(t *testing.T) {
	repo := &countingRepo{Repository: repository.Provide()}
	f := newFixture(t, 2, repo)

	b, err := f.svc.Begin(context.Background(), dataset.CodeDemand, "loader@example.com")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Push(demandRow(i, float64(i))))
	}
	assert.Equal(t, 2, repo.flushes)

	summary, err := b.Finish()
	require.NoError(t, err)
	assert.Equal(t, 5, summary.InsertedNew)
	assert.Equal(t, 3, repo.flushes)

	assert.ErrorIs(t, b.Push(demandRow(9, 1.0)), ingestdomain.ErrBatchFinished)
	_, err = b.Finish()
	assert.ErrorIs(t, err, ingestdomain.ErrBatchFinished)
}

type countingRepo struct {
	recorddomain.Repository
	calls   int
	flushes int
}

func (r *countingRepo) LookupHashes(ctx context.Context, db *gorm.DB, store recorddomain.Store, dataset string, keys []string) (map[string]string, error) {
	r.calls++
	return r.Repository.LookupHashes(ctx, db, store, dataset, keys)
}

func (r *countingRepo) Upsert(ctx context.Context, db *gorm.DB, store recorddomain.Store, rows []*recorddomain.Record) error {
	r.calls++
	r.flushes++
	return r.Repository.Upsert(ctx, db, store, rows)
}

type failingRepo struct {
	recorddomain.Repository
	badKeys map[string]bool
	failAll bool
}

func (r *failingRepo) Upsert(ctx context.Context, db *gorm.DB, store recorddomain.Store, rows []*recorddomain.Record) error {
	if r.failAll {
		return errors.New("connection reset")
	}
	for _, row := range rows {
		if r.badKeys[row.RecordKey] {
			return errors.New("value too long")
		}
	}
	return r.Repository.Upsert(ctx, db, store, rows)
}
