package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/powercasting/internal/config"
)

const (
	keyBulkAddUploader = "powercasting:bulk-add:%s:%s"
	anonymousUploader  = "anonymous"
)

// BulkAddLimiter throttles bulk uploads per dataset and uploader. A nil
// limiter allows everything.
type BulkAddLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewBulkAddLimiter(cfg config.Config, bucket *TokenBucket) (*BulkAddLimiter, error) {
	if bucket == nil {
		return nil, nil
	}
	limitCfg := cfg.RateLimit
	if limitCfg.BulkAddUploaderRate <= 0 || limitCfg.BulkAddUploaderBurst <= 0 {
		return nil, fmt.Errorf("bulk add rate limit must be positive, got rate=%v burst=%d",
			limitCfg.BulkAddUploaderRate, limitCfg.BulkAddUploaderBurst)
	}
	return &BulkAddLimiter{
		bucket: bucket,
		rate:   limitCfg.BulkAddUploaderRate,
		burst:  limitCfg.BulkAddUploaderBurst,
	}, nil
}

func (l *BulkAddLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *BulkAddLimiter) Allow(ctx context.Context, dataset, uploader string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, bulkAddKey(dataset, uploader), l.rate, l.burst)
}

func bulkAddKey(dataset, uploader string) string {
	uploader = strings.ToLower(strings.TrimSpace(uploader))
	if uploader == "" {
		uploader = anonymousUploader
	}
	return fmt.Sprintf(keyBulkAddUploader, strings.TrimSpace(dataset), uploader)
}
