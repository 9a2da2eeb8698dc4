package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/powercasting/internal/approval"
	approvaldomain "github.com/smallbiznis/powercasting/internal/approval/domain"
	"github.com/smallbiznis/powercasting/internal/audit"
	auditdomain "github.com/smallbiznis/powercasting/internal/audit/domain"
	"github.com/smallbiznis/powercasting/internal/config"
	"github.com/smallbiznis/powercasting/internal/dataset"
	datasetdomain "github.com/smallbiznis/powercasting/internal/dataset/domain"
	"github.com/smallbiznis/powercasting/internal/ingest"
	ingestdomain "github.com/smallbiznis/powercasting/internal/ingest/domain"
	"github.com/smallbiznis/powercasting/internal/observability"
	obsmiddleware "github.com/smallbiznis/powercasting/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/powercasting/internal/observability/metrics"
	obstracing "github.com/smallbiznis/powercasting/internal/observability/tracing"
	"github.com/smallbiznis/powercasting/internal/ratelimit"
	"github.com/smallbiznis/powercasting/internal/record"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const banner = "Powercasting server is running!"

var Module = fx.Module("http.server",
	dataset.Module,
	record.Module,
	ingest.Module,
	approval.Module,
	audit.Module,
	ratelimit.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CORS(cfg.CORSAllowedOrigins))
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, banner)
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(cfg, obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	log            *zap.Logger
	catalog        *dataset.Catalog
	ingestSvc      ingestdomain.Service
	approvalSvc    approvaldomain.Service
	auditSvc       auditdomain.Service
	obsMetrics     *obsmetrics.Metrics
	bulkAddLimiter *ratelimit.BulkAddLimiter
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	Catalog        *dataset.Catalog
	IngestSvc      ingestdomain.Service
	ApprovalSvc    approvaldomain.Service
	AuditSvc       auditdomain.Service       `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics       `optional:"true"`
	BulkAddLimiter *ratelimit.BulkAddLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("http.server"),
		catalog:        p.Catalog,
		ingestSvc:      p.IngestSvc,
		approvalSvc:    p.ApprovalSvc,
		auditSvc:       p.AuditSvc,
		obsMetrics:     p.ObsMetrics,
		bulkAddLimiter: p.BulkAddLimiter,
	}

	svc.registerDatasetRoutes()
	svc.registerTransactionRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// registerDatasetRoutes mounts the same handler set under every dataset's
// route prefix.
func (s *Server) registerDatasetRoutes() {
	s.engine.GET("/datasets", s.ListDatasets)

	for _, d := range s.catalog.All() {
		s.registerDataset(d)
	}
}

func (s *Server) registerDataset(d datasetdomain.Descriptor) {
	group := s.engine.Group(d.Route, withDataset(d.Code), s.AuditCapture())

	group.POST("/bulk-add", s.BulkAddRateLimit(), s.BulkAdd)
	group.POST("/add", s.AddRecord)

	group.GET("/approvals", s.ListApprovals)
	group.POST("/approvals/approve", s.ApproveRecords)
	group.PATCH("/approvals/:id", s.UpdateApproval)
	group.DELETE("/approvals/:id", s.DeleteApproval)

	group.GET("/records", s.ListRecords)
}

func (s *Server) registerTransactionRoutes() {
	tx := s.engine.Group("/transactions")

	tx.GET("/history", s.ListTransactionHistory)
	tx.DELETE("/history", s.DeleteTransactionHistory)
}
