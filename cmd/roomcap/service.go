package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/roomcap/roomcap/archive"
	"github.com/roomcap/roomcap/ingest"
	"github.com/roomcap/roomcap/liveapi"
	"github.com/roomcap/roomcap/models"
	"github.com/roomcap/roomcap/rooms"
	"github.com/roomcap/roomcap/store"
	"github.com/roomcap/roomcap/upload"
)

type ServiceConfig struct {
	// verified against Basic admin auth
	AdminPassword string

	ArchiveInterval time.Duration

	// first archival pass after startup is delayed by a random duration in
	// [ArchiveJitterMin, ArchiveJitterMax)
	ArchiveJitterMin time.Duration
	ArchiveJitterMax time.Duration

	// webhook ingest throttle, per room
	HookRate  rate.Limit
	HookBurst int

	// how long to wait for the requested server socket to become available
	ListenerBootTimeout time.Duration
}

func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		ArchiveInterval:     2 * time.Hour,
		ArchiveJitterMin:    10 * time.Second,
		ArchiveJitterMax:    30 * time.Second,
		HookRate:            rate.Limit(50),
		HookBurst:           100,
		ListenerBootTimeout: 5 * time.Second,
	}
}

type Service struct {
	store     store.Store
	pipeline  *ingest.Pipeline
	sup       *rooms.Supervisor
	compactor *archive.Compactor
	uploader  *upload.Uploader
	config    ServiceConfig
	logger    *slog.Logger

	echo    *echo.Echo
	trigger chan struct{}

	hookLk       sync.Mutex
	hookLimiters map[int64]*rate.Limiter
}

func NewService(st store.Store, pipeline *ingest.Pipeline, sup *rooms.Supervisor, compactor *archive.Compactor, uploader *upload.Uploader, config *ServiceConfig, logger *slog.Logger) *Service {
	if config == nil {
		config = DefaultServiceConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:        st,
		pipeline:     pipeline,
		sup:          sup,
		compactor:    compactor,
		uploader:     uploader,
		config:       *config,
		logger:       logger.With("system", "service"),
		trigger:      make(chan struct{}, 1),
		hookLimiters: make(map[int64]*rate.Limiter),
	}
}

func (svc *Service) StartMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

func (svc *Service) StartAPI(bind string) error {
	var lc net.ListenConfig
	ctx, cancel := context.WithTimeout(context.Background(), svc.config.ListenerBootTimeout)
	defer cancel()

	li, err := lc.Listen(ctx, "tcp", bind)
	if err != nil {
		return err
	}
	return svc.startWithListener(li)
}

func (svc *Service) startWithListener(listen net.Listener) error {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	e.HTTPErrorHandler = func(err error, ctx echo.Context) {
		switch err := err.(type) {
		case *echo.HTTPError:
			if err2 := ctx.JSON(err.Code, map[string]any{
				"error": err.Message,
			}); err2 != nil {
				svc.logger.Error("failed to write http error", "err", err2)
			}
		default:
			svc.logger.Warn("handler error", "path", ctx.Path(), "err", err)
			ctx.JSON(500, map[string]any{
				"error": err.Error(),
			})
		}
	}

	e.GET("/", svc.handleHome)
	e.GET("/_health", svc.handleHealthCheck)
	e.GET("/stats", svc.handleStats)
	e.GET("/logs", svc.handleUploadLogs)
	e.POST("/hook/:roomid", svc.handleHook)

	admin := e.Group("/admin", svc.checkAdminAuth)
	admin.POST("/archive/run", svc.handleAdminArchiveRun)
	admin.POST("/ledger/reset", svc.handleAdminLedgerReset)

	// reuse the pre-bound listener so tests can boot on random ports
	e.Listener = listen
	svc.echo = e
	return e.StartServer(&http.Server{})
}

func (svc *Service) Shutdown() error {
	if svc.echo == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return svc.echo.Shutdown(ctx)
}

func (svc *Service) checkAdminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	headerVal := "Basic " + base64.StdEncoding.EncodeToString([]byte("admin:"+svc.config.AdminPassword))
	return func(e echo.Context) error {
		if e.Request().Header.Get(echo.HeaderAuthorization) != headerVal {
			return echo.ErrForbidden
		}
		return next(e)
	}
}

func (svc *Service) handleHome(c echo.Context) error {
	return c.JSON(200, map[string]any{
		"service": "roomcap",
		"rooms":   len(svc.sup.RunningRooms()),
	})
}

func (svc *Service) handleHealthCheck(c echo.Context) error {
	return c.JSON(200, map[string]string{"status": "ok"})
}

func (svc *Service) handleStats(c echo.Context) error {
	return c.JSON(200, map[string]any{
		"rooms": svc.sup.Stats.Report(time.Now()),
	})
}

func (svc *Service) handleUploadLogs(c echo.Context) error {
	limit := 100
	if q := c.QueryParam("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 || n > 1000 {
			return echo.NewHTTPError(400, "invalid limit")
		}
		limit = n
	}
	logs, err := svc.store.UploadLogs(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(200, map[string]any{"logs": logs})
}

func (svc *Service) hookLimiter(roomID int64) *rate.Limiter {
	svc.hookLk.Lock()
	defer svc.hookLk.Unlock()
	lim, ok := svc.hookLimiters[roomID]
	if !ok {
		lim = rate.NewLimiter(svc.config.HookRate, svc.config.HookBurst)
		svc.hookLimiters[roomID] = lim
	}
	return lim
}

// handleHook ingests one externally captured event for the relayed kind.
// The body is the raw event JSON; it runs through the same sanitize,
// filter, and buffer path as directly captured events.
func (svc *Service) handleHook(c echo.Context) error {
	roomID, err := strconv.ParseInt(c.Param("roomid"), 10, 64)
	if err != nil || roomID <= 0 {
		return echo.NewHTTPError(400, "invalid room id")
	}
	if !svc.hookLimiter(roomID).Allow() {
		return echo.NewHTTPError(429, "hook rate exceeded")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return err
	}
	var event struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(body, &event); err != nil || event.Cmd == "" {
		return echo.NewHTTPError(400, "event body must carry a cmd")
	}

	saved := svc.pipeline.Save(roomID, models.KindRelayed, event.Cmd, body)
	return c.JSON(200, map[string]any{"saved": saved})
}

func (svc *Service) handleAdminArchiveRun(c echo.Context) error {
	svc.TriggerArchival()
	return c.JSON(200, map[string]string{"status": "scheduled"})
}

func (svc *Service) handleAdminLedgerReset(c echo.Context) error {
	if err := svc.store.ClearLedger(c.Request().Context()); err != nil {
		return err
	}
	svc.logger.Info("upload ledger cleared via admin API")
	return c.JSON(200, map[string]string{"status": "ok"})
}

// TriggerArchival requests an immediate archive+upload pass. Coalescing:
// a pending request absorbs further triggers.
func (svc *Service) TriggerArchival() {
	select {
	case svc.trigger <- struct{}{}:
	default:
	}
}

func (svc *Service) archiveJitter() time.Duration {
	span := svc.config.ArchiveJitterMax - svc.config.ArchiveJitterMin
	if span <= 0 {
		return svc.config.ArchiveJitterMin
	}
	return svc.config.ArchiveJitterMin + time.Duration(rand.Int63n(int64(span)))
}

// RunArchival drives periodic compaction+upload passes until ctx is
// cancelled. Failures are logged and retried on the next timer; they never
// stop the loop.
func (svc *Service) RunArchival(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(svc.archiveJitter()):
	case <-svc.trigger:
	}

	for {
		if err := svc.compactor.RunPass(ctx); err != nil {
			svc.logger.Error("compaction pass failed", "err", err)
		} else if err := svc.uploader.RunPass(ctx); err != nil {
			svc.logger.Error("upload pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(svc.config.ArchiveInterval):
		case <-svc.trigger:
		}
	}
}

// logNotifier is the live-start notification sink: a structured log line
// for rooms with notifications enabled. Desktop/chat delivery hangs off
// log shipping rather than the daemon.
type logNotifier struct {
	logger  *slog.Logger
	allowed map[int64]bool
}

func newLogNotifier(logger *slog.Logger, allowed map[int64]bool) *logNotifier {
	return &logNotifier{logger: logger.With("system", "notify"), allowed: allowed}
}

func (n *logNotifier) LiveStart(roomID int64, meta *liveapi.RoomMeta) {
	if !n.allowed[roomID] {
		return
	}
	if meta != nil {
		n.logger.Info("room went live", "room", roomID, "uname", meta.Uname, "title", meta.Title)
	} else {
		n.logger.Info("room went live", "room", roomID)
	}
}
