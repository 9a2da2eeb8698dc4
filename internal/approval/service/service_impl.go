package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	approvaldomain "github.com/smallbiznis/powercasting/internal/approval/domain"
	"github.com/smallbiznis/powercasting/internal/clock"
	"github.com/smallbiznis/powercasting/internal/config"
	"github.com/smallbiznis/powercasting/internal/dataset"
	"github.com/smallbiznis/powercasting/internal/dataset/normalize"
	"github.com/smallbiznis/powercasting/internal/observability/logger"
	"github.com/smallbiznis/powercasting/internal/observability/metrics"
	"github.com/smallbiznis/powercasting/internal/ratelimit"
	recorddomain "github.com/smallbiznis/powercasting/internal/record/domain"
	"github.com/smallbiznis/powercasting/pkg/db"
	"github.com/zeebo/xxh3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const lockKeyPrefix = "powercasting:approval:"

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   config.Config
	Catalog  *dataset.Catalog
	Repo     recorddomain.Repository
	Locker   *ratelimit.Locker        `optional:"true"`
	Metrics  *metrics.Metrics         `optional:"true"`
	Pipeline *metrics.PipelineMetrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	catalog  *dataset.Catalog
	repo     recorddomain.Repository
	locker   approvaldomain.Locker
	lockTTL  time.Duration
	metrics  *metrics.Metrics
	pipeline *metrics.PipelineMetrics

	batchSize int
}

func NewService(p Params) approvaldomain.Service {
	svc := &Service{
		db:        p.DB,
		log:       p.Log.Named("approval.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		catalog:   p.Catalog,
		repo:      p.Repo,
		metrics:   p.Metrics,
		pipeline:  p.Pipeline,
		lockTTL:   time.Duration(p.Config.RateLimit.ApprovalLockTTLSeconds) * time.Second,
		batchSize: p.Config.Ingest.WriteBatch,
	}
	if p.Locker != nil && svc.lockTTL > 0 {
		svc.locker = p.Locker
	}
	if svc.batchSize <= 0 {
		svc.batchSize = 500
	}
	return svc
}

// Approve copies the staged records named by req.IDs into the final store and
// then removes them from staging. The two steps are not atomic: a failure in
// between leaves the records in both stores, and repeating the call converges
// because final writes are keyed upserts.
func (s *Service) Approve(ctx context.Context, req approvaldomain.ApproveRequest) (approvaldomain.MigrationSummary, error) {
	ids, err := parseIDs(req.IDs)
	if err != nil {
		return approvaldomain.MigrationSummary{}, err
	}
	d, err := s.catalog.Lookup(req.Dataset)
	if err != nil {
		return approvaldomain.MigrationSummary{}, err
	}
	log := logger.WithDataset(logger.WithContext(ctx, s.log), d.Code)

	var leaseKey, leaseToken string
	if s.locker != nil {
		key := lockKey(d.Code, ids)
		token, ok, err := s.locker.TryLock(ctx, key, s.lockTTL)
		switch {
		case err != nil:
			log.Warn("approval lock unavailable, continuing without it", zap.Error(err))
		case !ok:
			return approvaldomain.MigrationSummary{}, approvaldomain.ErrApprovalInProgress
		default:
			leaseKey, leaseToken = key, token
			defer func() {
				if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
					log.Warn("failed to release approval lock", zap.Error(err))
				}
			}()
		}
	}

	staged, err := s.findStaged(ctx, d.Code, ids)
	if err != nil {
		s.pipeline.IncStoreError("approval_fetch", err)
		return approvaldomain.MigrationSummary{}, storeFault(err)
	}
	if len(staged) == 0 {
		return approvaldomain.MigrationSummary{}, approvaldomain.ErrNoMatchingRecords
	}

	keys := make([]string, 0, len(staged))
	for _, rec := range staged {
		keys = append(keys, rec.RecordKey)
	}
	existing, err := s.lookupFinal(ctx, d.Code, keys)
	if err != nil {
		s.pipeline.IncStoreError("approval_lookup", err)
		return approvaldomain.MigrationSummary{}, storeFault(err)
	}

	migrationID := ulid.Make().String()
	now := s.clock.Now().UTC()
	finals := make([]*recorddomain.Record, 0, len(staged))
	stagedIDs := make([]snowflake.ID, 0, len(staged))
	for _, rec := range staged {
		stagedIDs = append(stagedIDs, rec.ID)
		finals = append(finals, s.toFinal(rec, migrationID, now))
	}

	for start := 0; start < len(finals); start += s.batchSize {
		part := finals[start:min(start+s.batchSize, len(finals))]
		if err := s.repo.Upsert(ctx, s.db, recorddomain.Final, part); err != nil {
			s.pipeline.IncStoreError("approval_upsert", err)
			log.Error("final upsert failed, staging left untouched",
				zap.String("migration_id", migrationID), zap.Error(err))
			return approvaldomain.MigrationSummary{}, storeFault(err)
		}
	}

	if leaseToken != "" {
		// A large migration can outlive the lease; the delete is still safe
		// to run because it only touches the ids fetched above.
		held, err := s.locker.Extend(ctx, leaseKey, leaseToken, s.lockTTL)
		if err != nil || !held {
			log.Warn("approval lease lost before staging delete", zap.Bool("held", held), zap.Error(err))
		}
	}

	deleted, err := s.deleteStaged(ctx, d.Code, stagedIDs)
	if err != nil {
		s.pipeline.IncStoreError("approval_delete", err)
		log.Error("final store written but staging delete failed, approval can be retried",
			zap.String("migration_id", migrationID), zap.Int("records", len(stagedIDs)), zap.Error(err))
		return approvaldomain.MigrationSummary{}, storeFault(err)
	}
	if int(deleted) != len(stagedIDs) {
		log.Warn("staging delete removed fewer records than migrated",
			zap.Int64("deleted", deleted), zap.Int("migrated", len(stagedIDs)))
	}

	summary := approvaldomain.MigrationSummary{
		Message:             fmt.Sprintf("%s approval migration completed", d.Name),
		MigrationID:         migrationID,
		Migrated:            len(staged),
		DeletedFromApproval: len(staged),
	}
	for _, rec := range staged {
		prev, found := existing[rec.RecordKey]
		switch {
		case !found:
			summary.InsertedNew++
		case prev != rec.ContentHash:
			summary.UpdatedExisting++
		}
	}

	s.pipeline.AddApproval(d.Code, metrics.OutcomeInserted, summary.InsertedNew)
	s.pipeline.AddApproval(d.Code, metrics.OutcomeModified, summary.UpdatedExisting)
	s.metrics.RecordApproval(ctx, d.Code, summary.Migrated)
	log.Info("approval migration completed",
		zap.String("migration_id", migrationID),
		zap.Int("migrated", summary.Migrated),
		zap.Int("inserted_new", summary.InsertedNew),
		zap.Int("updated_existing", summary.UpdatedExisting),
	)
	return summary, nil
}

func (s *Service) List(ctx context.Context, req approvaldomain.ListRequest) ([]map[string]any, error) {
	d, err := s.catalog.Lookup(req.Dataset)
	if err != nil {
		return nil, err
	}
	column, ok := d.SortColumn(req.Sort)
	if !ok {
		return nil, approvaldomain.ErrInvalidSort
	}
	limit := req.Limit
	switch {
	case limit < 0:
		return nil, approvaldomain.ErrInvalidLimit
	case limit == 0:
		limit = approvaldomain.DefaultListLimit
	case limit > approvaldomain.MaxListLimit:
		limit = approvaldomain.MaxListLimit
	}
	store := req.Store
	if store == "" {
		store = recorddomain.Staging
	}

	recs, err := s.repo.List(ctx, s.db, store, recorddomain.ListFilter{
		Dataset:    d.Code,
		SortColumn: column,
		Descending: req.Descending,
		Limit:      limit,
	})
	if err != nil {
		return nil, storeFault(err)
	}

	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.View())
	}
	return out, nil
}

func (s *Service) Update(ctx context.Context, req approvaldomain.UpdateRequest) (approvaldomain.UpdateResponse, error) {
	d, err := s.catalog.Lookup(req.Dataset)
	if err != nil {
		return approvaldomain.UpdateResponse{}, err
	}
	id, err := parseID(req.ID)
	if err != nil {
		return approvaldomain.UpdateResponse{}, err
	}

	existing, err := s.repo.FindByID(ctx, s.db, recorddomain.Staging, d.Code, id)
	if err != nil {
		return approvaldomain.UpdateResponse{}, storeFault(err)
	}
	if existing == nil {
		return approvaldomain.UpdateResponse{}, approvaldomain.ErrRecordNotFound
	}

	patched, touched, err := normalize.Patch(d, existing.Document, req.Patch)
	if err != nil {
		return approvaldomain.UpdateResponse{}, err
	}

	updated := *existing
	updated.RecordKey = patched.Key
	updated.RecordedAt = patched.RecordedAt
	updated.Subject = patched.Subject
	updated.Document = datatypes.JSONMap(patched.Values)
	updated.ContentHash = patched.ContentHash
	updated.UpdatedAt = s.clock.Now().UTC()

	matched, err := s.repo.Replace(ctx, s.db, recorddomain.Staging, &updated)
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return approvaldomain.UpdateResponse{}, approvaldomain.ErrKeyConflict
		}
		return approvaldomain.UpdateResponse{}, storeFault(err)
	}
	if matched == 0 {
		return approvaldomain.UpdateResponse{}, approvaldomain.ErrRecordNotFound
	}

	return approvaldomain.UpdateResponse{
		Message: approvaldomain.MessageRecordUpdated,
		Updated: touched,
		Record:  updated.View(),
	}, nil
}

func (s *Service) Delete(ctx context.Context, dataset, rawID string) (approvaldomain.DeleteResponse, error) {
	d, err := s.catalog.Lookup(dataset)
	if err != nil {
		return approvaldomain.DeleteResponse{}, err
	}
	id, err := parseID(rawID)
	if err != nil {
		return approvaldomain.DeleteResponse{}, err
	}

	deleted, err := s.repo.DeleteByIDs(ctx, s.db, recorddomain.Staging, d.Code, []snowflake.ID{id})
	if err != nil {
		return approvaldomain.DeleteResponse{}, storeFault(err)
	}
	if deleted == 0 {
		return approvaldomain.DeleteResponse{}, approvaldomain.ErrRecordNotFound
	}
	return approvaldomain.DeleteResponse{
		Message: approvaldomain.MessageRecordDeleted,
		ID:      id.String(),
	}, nil
}

// findStaged and deleteStaged split id sets by batchSize to stay under the
// driver's bind parameter limit.
func (s *Service) findStaged(ctx context.Context, dataset string, ids []snowflake.ID) ([]*recorddomain.Record, error) {
	var staged []*recorddomain.Record
	for start := 0; start < len(ids); start += s.batchSize {
		part := ids[start:min(start+s.batchSize, len(ids))]
		found, err := s.repo.FindByIDs(ctx, s.db, recorddomain.Staging, dataset, part)
		if err != nil {
			return nil, err
		}
		staged = append(staged, found...)
	}
	return staged, nil
}

func (s *Service) deleteStaged(ctx context.Context, dataset string, ids []snowflake.ID) (int64, error) {
	var deleted int64
	for start := 0; start < len(ids); start += s.batchSize {
		part := ids[start:min(start+s.batchSize, len(ids))]
		n, err := s.repo.DeleteByIDs(ctx, s.db, recorddomain.Staging, dataset, part)
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	return deleted, nil
}

func (s *Service) lookupFinal(ctx context.Context, dataset string, keys []string) (map[string]string, error) {
	existing := make(map[string]string, len(keys))
	for start := 0; start < len(keys); start += s.batchSize {
		part := keys[start:min(start+s.batchSize, len(keys))]
		found, err := s.repo.LookupHashes(ctx, s.db, recorddomain.Final, dataset, part)
		if err != nil {
			return nil, err
		}
		for k, v := range found {
			existing[k] = v
		}
	}
	return existing, nil
}

// toFinal copies a staged record for the final store. The staging id is not
// carried over; provenance is.
func (s *Service) toFinal(rec *recorddomain.Record, migrationID string, now time.Time) *recorddomain.Record {
	out := *rec
	out.ID = s.genID.Generate()
	out.MigrationID = &migrationID
	out.CreatedAt = now
	out.UpdatedAt = now
	return &out
}

func parseIDs(raw []string) ([]snowflake.ID, error) {
	if len(raw) == 0 {
		return nil, approvaldomain.ErrInvalidIDs
	}
	ids := make([]snowflake.ID, 0, len(raw))
	seen := make(map[snowflake.ID]struct{}, len(raw))
	for _, value := range raw {
		id, err := parseID(value)
		if err != nil {
			return nil, approvaldomain.ErrInvalidIDs
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(raw))
	if err != nil || id <= 0 {
		return 0, approvaldomain.ErrInvalidID
	}
	return id, nil
}

func lockKey(dataset string, ids []snowflake.ID) string {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	var b strings.Builder
	for _, id := range sorted {
		b.WriteString(strconv.FormatInt(id.Int64(), 10))
		b.WriteByte(',')
	}
	return lockKeyPrefix + dataset + ":" + strconv.FormatUint(xxh3.HashString(b.String()), 16)
}

func storeFault(err error) error {
	if errors.Is(err, approvaldomain.ErrStoreFault) {
		return err
	}
	return fmt.Errorf("%w: %w", approvaldomain.ErrStoreFault, err)
}
