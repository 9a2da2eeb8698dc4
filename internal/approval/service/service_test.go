package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	approvaldomain "github.com/smallbiznis/powercasting/internal/approval/domain"
	"github.com/smallbiznis/powercasting/internal/clock"
	"github.com/smallbiznis/powercasting/internal/config"
	"github.com/smallbiznis/powercasting/internal/dataset"
	datasetdomain "github.com/smallbiznis/powercasting/internal/dataset/domain"
	ingestdomain "github.com/smallbiznis/powercasting/internal/ingest/domain"
	ingestservice "github.com/smallbiznis/powercasting/internal/ingest/service"
	"github.com/smallbiznis/powercasting/internal/observability/metrics"
	recorddomain "github.com/smallbiznis/powercasting/internal/record/domain"
	"github.com/smallbiznis/powercasting/internal/record/repository"
	"github.com/smallbiznis/powercasting/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db     *gorm.DB
	repo   recorddomain.Repository
	ingest ingestdomain.Service
	svc    *Service
	clock  *clock.FakeClock
}

func newFixture(t *testing.T, repo recorddomain.Repository) fixture {
	t.Helper()

	db := testutil.OpenSQLite(t, &recorddomain.StagingRecord{}, &recorddomain.FinalRecord{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	if repo == nil {
		repo = repository.Provide()
	}

	cfg := config.Config{Ingest: config.IngestConfig{
		ChunkSize:      config.DefaultChunkSize,
		MaxSampleError: config.DefaultMaxSampleErrors,
		WriteBatch:     2,
	}}
	tuning := config.NewStaticIngestTuning(config.DefaultIngestTuning(cfg))
	catalog := dataset.NewCatalog(tuning)
	fake := clock.NewFakeClock(time.Date(2025, 8, 22, 12, 0, 0, 0, time.UTC))
	pipeline := metrics.NewPipelineMetrics(prometheus.NewRegistry(), metrics.Config{})

	ingest := ingestservice.NewService(ingestservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: fake, Config: cfg,
		Tuning: tuning, Catalog: catalog, Repo: repository.Provide(), Pipeline: pipeline,
	})
	svc := NewService(Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: fake, Config: cfg,
		Catalog: catalog, Repo: repo, Pipeline: pipeline,
	}).(*Service)

	return fixture{db: db, repo: repository.Provide(), ingest: ingest, svc: svc, clock: fake}
}

func (f fixture) seed(t *testing.T, rows ...map[string]any) []string {
	t.Helper()
	payload := make([]any, 0, len(rows))
	for _, row := range rows {
		payload = append(payload, row)
	}
	_, err := f.ingest.BulkUpsert(context.Background(), ingestdomain.BulkUpsertRequest{
		Dataset:  dataset.CodeDemand,
		Uploader: "producer@example.com",
		Payload:  payload,
	})
	require.NoError(t, err)

	views := f.list(t, recorddomain.Staging)
	ids := make([]string, 0, len(views))
	for _, v := range views {
		ids = append(ids, v["_id"].(string))
	}
	return ids
}

func (f fixture) list(t *testing.T, store recorddomain.Store) []map[string]any {
	t.Helper()
	views, err := f.svc.List(context.Background(), approvaldomain.ListRequest{Dataset: dataset.CodeDemand, Store: store})
	require.NoError(t, err)
	return views
}

func demandRow(hour int, actual float64) map[string]any {
	return map[string]any{
		"TimeStamp":      fmt.Sprintf("2025-08-22 %02d:00:00", hour),
		"Demand(Actual)": actual,
	}
}

func TestApproveRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ids := f.seed(t, demandRow(0, 1), demandRow(1, 2), demandRow(2, 3))

	summary, err := f.svc.Approve(context.Background(), approvaldomain.ApproveRequest{
		Dataset: dataset.CodeDemand,
		IDs:     ids[:2],
	})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Migrated)
	assert.Equal(t, 2, summary.InsertedNew)
	assert.Equal(t, 0, summary.UpdatedExisting)
	assert.Equal(t, 2, summary.DeletedFromApproval)
	assert.NotEmpty(t, summary.MigrationID)
	assert.Contains(t, summary.Message, "approval migration completed")

	staged := f.list(t, recorddomain.Staging)
	require.Len(t, staged, 1)
	assert.Equal(t, ids[2], staged[0]["_id"])

	final := f.list(t, recorddomain.Final)
	require.Len(t, final, 2)
	for _, rec := range final {
		assert.NotContains(t, ids, rec["_id"])
		assert.Equal(t, "producer@example.com", rec["uploaded_by"])
		assert.Equal(t, summary.MigrationID, rec["migration_id"])
	}
	assert.Equal(t, "2025-08-22T00:00:00Z", final[0]["TimeStamp"])
}

func TestApproveUpdatesExistingFinal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ids := f.seed(t, demandRow(0, 1))
	_, err := f.svc.Approve(ctx, approvaldomain.ApproveRequest{Dataset: dataset.CodeDemand, IDs: ids})
	require.NoError(t, err)

	ids = f.seed(t, demandRow(0, 5))
	summary, err := f.svc.Approve(ctx, approvaldomain.ApproveRequest{Dataset: dataset.CodeDemand, IDs: ids})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.InsertedNew)
	assert.Equal(t, 1, summary.UpdatedExisting)

	final := f.list(t, recorddomain.Final)
	require.Len(t, final, 1)
	assert.EqualValues(t, 5, final[0]["Demand(Actual)"])
}

func TestApproveRetryAfterFailedDelete(t *testing.T) {
	repo := &flakyDeleteRepo{Repository: repository.Provide(), failures: 1}
	f := newFixture(t, repo)
	ctx := context.Background()

	ids := f.seed(t, demandRow(0, 1), demandRow(1, 2))
	req := approvaldomain.ApproveRequest{Dataset: dataset.CodeDemand, IDs: ids}

	_, err := f.svc.Approve(ctx, req)
	require.ErrorIs(t, err, approvaldomain.ErrStoreFault)
	assert.Len(t, f.list(t, recorddomain.Staging), 2)
	assert.Len(t, f.list(t, recorddomain.Final), 2)

	summary, err := f.svc.Approve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Migrated)
	assert.Equal(t, 0, summary.InsertedNew)
	assert.Equal(t, 0, summary.UpdatedExisting)

	assert.Empty(t, f.list(t, recorddomain.Staging))
	assert.Len(t, f.list(t, recorddomain.Final), 2)
}

func TestApproveSplitsLargeIDSets(t *testing.T) {
	repo := &batchRecordingRepo{Repository: repository.Provide()}
	f := newFixture(t, repo)
	ctx := context.Background()

	ids := f.seed(t, demandRow(0, 1), demandRow(1, 2), demandRow(2, 3))
	for i := 0; i < 7; i++ {
		ids = append(ids, strconv.FormatInt(int64(9_000_000+i), 10))
	}

	summary, err := f.svc.Approve(ctx, approvaldomain.ApproveRequest{Dataset: dataset.CodeDemand, IDs: ids})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Migrated)
	assert.Equal(t, 3, summary.InsertedNew)
	assert.Equal(t, 3, summary.DeletedFromApproval)

	assert.Empty(t, f.list(t, recorddomain.Staging))
	assert.Len(t, f.list(t, recorddomain.Final), 3)

	assert.Equal(t, 5, repo.findCalls)
	assert.LessOrEqual(t, repo.maxFind, f.svc.batchSize)
	assert.Equal(t, 2, repo.deleteCalls)
	assert.LessOrEqual(t, repo.maxDelete, f.svc.batchSize)
}

func TestApproveValidation(t *testing.T) {
	repo := &flakyDeleteRepo{Repository: repository.Provide()}
	f := newFixture(t, repo)
	ctx := context.Background()

	for _, ids := range [][]string{nil, {}, {"abc"}, {"1", ""}, {"-5"}} {
		_, err := f.svc.Approve(ctx, approvaldomain.ApproveRequest{Dataset: dataset.CodeDemand, IDs: ids})
		assert.ErrorIs(t, err, approvaldomain.ErrInvalidIDs, "ids=%v", ids)
	}
	assert.Zero(t, repo.finds)

	_, err := f.svc.Approve(ctx, approvaldomain.ApproveRequest{Dataset: dataset.CodeDemand, IDs: []string{"1234567"}})
	assert.ErrorIs(t, err, approvaldomain.ErrNoMatchingRecords)

	_, err = f.svc.Approve(ctx, approvaldomain.ApproveRequest{Dataset: "weather", IDs: []string{"1234567"}})
	assert.ErrorIs(t, err, datasetdomain.ErrUnknownDataset)
}

func TestApproveIgnoresOtherDatasets(t *testing.T) {
	f := newFixture(t, nil)
	ids := f.seed(t, demandRow(0, 1))

	_, err := f.svc.Approve(context.Background(), approvaldomain.ApproveRequest{Dataset: dataset.CodeIEXPrice, IDs: ids})
	assert.ErrorIs(t, err, approvaldomain.ErrNoMatchingRecords)
	assert.Len(t, f.list(t, recorddomain.Staging), 1)
}

func TestApproveLock(t *testing.T) {
	f := newFixture(t, nil)
	ids := f.seed(t, demandRow(0, 1))
	locker := &stubLocker{held: map[string]string{}}
	f.svc.locker = locker
	f.svc.lockTTL = time.Minute

	parsed, err := parseIDs(ids)
	require.NoError(t, err)
	locker.held[lockKey(dataset.CodeDemand, parsed)] = "other"

	_, err = f.svc.Approve(context.Background(), approvaldomain.ApproveRequest{Dataset: dataset.CodeDemand, IDs: ids})
	assert.ErrorIs(t, err, approvaldomain.ErrApprovalInProgress)

	locker.held = map[string]string{}
	_, err = f.svc.Approve(context.Background(), approvaldomain.ApproveRequest{Dataset: dataset.CodeDemand, IDs: ids})
	require.NoError(t, err)
	assert.Empty(t, locker.held)
	assert.Equal(t, 1, locker.extends)
}

func TestLockKeyIgnoresOrder(t *testing.T) {
	a := lockKey("demand", []snowflake.ID{3, 1, 2})
	b := lockKey("demand", []snowflake.ID{1, 2, 3})
	c := lockKey("iex_price", []snowflake.ID{1, 2, 3})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestListSortAndLimit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.seed(t, demandRow(2, 1), demandRow(0, 2), demandRow(1, 3))

	views, err := f.svc.List(ctx, approvaldomain.ListRequest{Dataset: dataset.CodeDemand, Sort: "TimeStamp", Descending: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "2025-08-22T02:00:00Z", views[0]["TimeStamp"])
	assert.Equal(t, "2025-08-22T01:00:00Z", views[1]["TimeStamp"])

	_, err = f.svc.List(ctx, approvaldomain.ListRequest{Dataset: dataset.CodeDemand, Sort: "Demand(Actual)"})
	assert.ErrorIs(t, err, approvaldomain.ErrInvalidSort)

	_, err = f.svc.List(ctx, approvaldomain.ListRequest{Dataset: dataset.CodeDemand, Limit: -1})
	assert.ErrorIs(t, err, approvaldomain.ErrInvalidLimit)

	views, err = f.svc.List(ctx, approvaldomain.ListRequest{Dataset: dataset.CodeDemand, Limit: approvaldomain.MaxListLimit + 1})
	require.NoError(t, err)
	assert.Len(t, views, 3)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ids := f.seed(t, demandRow(0, 1), demandRow(1, 2))

	f.clock.Advance(time.Minute)
	resp, err := f.svc.Update(ctx, approvaldomain.UpdateRequest{
		Dataset: dataset.CodeDemand,
		ID:      ids[0],
		Patch:   map[string]any{"Demand(Actual)": "42.5", "Demand(Pred)": 40.0},
	})
	require.NoError(t, err)
	assert.Equal(t, approvaldomain.MessageRecordUpdated, resp.Message)
	assert.Equal(t, []string{"Demand(Actual)", "Demand(Pred)"}, resp.Updated)
	assert.Equal(t, 42.5, resp.Record["Demand(Actual)"])
	assert.Equal(t, "producer@example.com", resp.Record["uploaded_by"])

	_, err = f.svc.Update(ctx, approvaldomain.UpdateRequest{
		Dataset: dataset.CodeDemand,
		ID:      ids[0],
		Patch:   map[string]any{"TimeStamp": "2025-08-22 01:00:00"},
	})
	assert.ErrorIs(t, err, approvaldomain.ErrKeyConflict)

	resp, err = f.svc.Update(ctx, approvaldomain.UpdateRequest{
		Dataset: dataset.CodeDemand,
		ID:      ids[0],
		Patch:   map[string]any{"TimeStamp": "2025-08-22 05:00:00"},
	})
	require.NoError(t, err)
	assert.Equal(t, "2025-08-22T05:00:00Z", resp.Record["TimeStamp"])
	assert.Equal(t, ids[0], resp.Record["_id"])
}

func TestUpdateErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ids := f.seed(t, demandRow(0, 1))

	_, err := f.svc.Update(ctx, approvaldomain.UpdateRequest{Dataset: dataset.CodeDemand, ID: "1234567", Patch: map[string]any{"Demand(Actual)": 1.0}})
	assert.ErrorIs(t, err, approvaldomain.ErrRecordNotFound)

	_, err = f.svc.Update(ctx, approvaldomain.UpdateRequest{Dataset: dataset.CodeDemand, ID: "nope", Patch: map[string]any{"Demand(Actual)": 1.0}})
	assert.ErrorIs(t, err, approvaldomain.ErrInvalidID)

	_, err = f.svc.Update(ctx, approvaldomain.UpdateRequest{Dataset: dataset.CodeDemand, ID: ids[0], Patch: map[string]any{"Weather": "sunny"}})
	assert.ErrorIs(t, err, datasetdomain.ErrUnknownField)

	_, err = f.svc.Update(ctx, approvaldomain.UpdateRequest{Dataset: dataset.CodeDemand, ID: ids[0], Patch: map[string]any{"uploaded_by": "x"}})
	assert.ErrorIs(t, err, datasetdomain.ErrReservedField)

	_, err = f.svc.Update(ctx, approvaldomain.UpdateRequest{Dataset: dataset.CodeDemand, ID: ids[0], Patch: map[string]any{}})
	assert.ErrorIs(t, err, datasetdomain.ErrValidation)
}

func TestDelete(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ids := f.seed(t, demandRow(0, 1))

	resp, err := f.svc.Delete(ctx, dataset.CodeDemand, ids[0])
	require.NoError(t, err)
	assert.Equal(t, approvaldomain.MessageRecordDeleted, resp.Message)
	assert.Equal(t, ids[0], resp.ID)

	_, err = f.svc.Delete(ctx, dataset.CodeDemand, ids[0])
	assert.ErrorIs(t, err, approvaldomain.ErrRecordNotFound)

	_, err = f.svc.Delete(ctx, dataset.CodeDemand, "x")
	assert.ErrorIs(t, err, approvaldomain.ErrInvalidID)
}

type flakyDeleteRepo struct {
	recorddomain.Repository
	failures int
	finds    int
}

func (r *flakyDeleteRepo) FindByIDs(ctx context.Context, db *gorm.DB, store recorddomain.Store, dataset string, ids []snowflake.ID) ([]*recorddomain.Record, error) {
	r.finds++
	return r.Repository.FindByIDs(ctx, db, store, dataset, ids)
}

func (r *flakyDeleteRepo) DeleteByIDs(ctx context.Context, db *gorm.DB, store recorddomain.Store, dataset string, ids []snowflake.ID) (int64, error) {
	if r.failures > 0 {
		r.failures--
		return 0, errors.New("connection lost")
	}
	return r.Repository.DeleteByIDs(ctx, db, store, dataset, ids)
}

type batchRecordingRepo struct {
	recorddomain.Repository
	findCalls, maxFind     int
	deleteCalls, maxDelete int
}

func (r *batchRecordingRepo) FindByIDs(ctx context.Context, db *gorm.DB, store recorddomain.Store, dataset string, ids []snowflake.ID) ([]*recorddomain.Record, error) {
	r.findCalls++
	r.maxFind = max(r.maxFind, len(ids))
	return r.Repository.FindByIDs(ctx, db, store, dataset, ids)
}

func (r *batchRecordingRepo) DeleteByIDs(ctx context.Context, db *gorm.DB, store recorddomain.Store, dataset string, ids []snowflake.ID) (int64, error) {
	r.deleteCalls++
	r.maxDelete = max(r.maxDelete, len(ids))
	return r.Repository.DeleteByIDs(ctx, db, store, dataset, ids)
}

type stubLocker struct {
	held    map[string]string
	extends int
}

func (l *stubLocker) TryLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	l.held[key] = "token"
	return "token", true, nil
}

func (l *stubLocker) Extend(_ context.Context, key, token string, _ time.Duration) (bool, error) {
	l.extends++
	return l.held[key] == token, nil
}

func (l *stubLocker) Release(_ context.Context, key, token string) error {
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}
