// Package rooms manages the set of active room connections: one state
// machine per room, staggered startup, shared liveness checking, room-set
// reconciliation against the desired config, and rolling telemetry.
package rooms

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/RussellLuo/slidingwindow"

	"github.com/roomcap/roomcap/ingest"
	"github.com/roomcap/roomcap/liveapi"
	"github.com/roomcap/roomcap/livews"
	"github.com/roomcap/roomcap/store"
)

// DialFunc opens one live connection. Swappable in tests.
type DialFunc func(ctx context.Context, addr string, hello *livews.Hello, cb *livews.Callbacks, logger *slog.Logger) (io.Closer, error)

func defaultDial(ctx context.Context, addr string, hello *livews.Hello, cb *livews.Callbacks, logger *slog.Logger) (io.Closer, error) {
	return livews.Dial(ctx, addr, hello, cb, logger)
}

// Notifier receives rate-limited live-start signals.
type Notifier interface {
	LiveStart(roomID int64, meta *liveapi.RoomMeta)
}

type SupervisorConfig struct {
	// startup attempts are spread StaggerStep apart to avoid a burst
	StaggerStep time.Duration

	MetaRefreshInterval time.Duration
	HandshakeRetryDelay time.Duration

	LivenessCheckInterval time.Duration
	HeartbeatStaleAfter   time.Duration
	MessageStaleAfter     time.Duration

	// rotate notices within this window after connect are ignored
	RotateGuard time.Duration

	// at most one live-start notification per room per window
	NotifyWindow time.Duration
}

func DefaultSupervisorConfig() *SupervisorConfig {
	return &SupervisorConfig{
		StaggerStep:           1500 * time.Millisecond,
		MetaRefreshInterval:   5 * time.Minute,
		HandshakeRetryDelay:   3 * time.Second,
		LivenessCheckInterval: 20 * time.Second,
		HeartbeatStaleAfter:   45 * time.Second,
		MessageStaleAfter:     10 * time.Minute,
		RotateGuard:           5 * time.Minute,
		NotifyWindow:          5 * time.Second,
	}
}

// Supervisor owns every room connection. All shared mutable state hangs off
// this one object, constructed at startup and torn down on shutdown.
type Supervisor struct {
	cfg      *SupervisorConfig
	api      *liveapi.Client
	pipeline *ingest.Pipeline
	store    store.Store
	notifier Notifier
	dial     DialFunc
	logger   *slog.Logger

	Stats *Stats

	lk    sync.Mutex
	rooms map[int64]*roomHandle

	notifyLk       sync.Mutex
	notifyLimiters map[int64]*slidingwindow.Limiter
}

func NewSupervisor(cfg *SupervisorConfig, api *liveapi.Client, pipeline *ingest.Pipeline, st store.Store, logger *slog.Logger) *Supervisor {
	if cfg == nil {
		cfg = DefaultSupervisorConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		cfg:            cfg,
		api:            api,
		pipeline:       pipeline,
		store:          st,
		dial:           defaultDial,
		logger:         logger.With("system", "rooms"),
		Stats:          NewStats(),
		rooms:          make(map[int64]*roomHandle),
		notifyLimiters: make(map[int64]*slidingwindow.Limiter),
	}
	if pipeline != nil && pipeline.OnSaved == nil {
		pipeline.OnSaved = func(roomID int64, kind, cmd string) {
			s.Stats.RecordSaved(roomID, cmd)
		}
	}
	return s
}

// SetNotifier installs the live-start notification sink.
func (s *Supervisor) SetNotifier(n Notifier) { s.notifier = n }

// SetDialFunc overrides the websocket dialer. Test hook.
func (s *Supervisor) SetDialFunc(d DialFunc) { s.dial = d }

func windowFunc() (slidingwindow.Window, slidingwindow.StopFunc) {
	return slidingwindow.NewLocalWindow()
}

func (s *Supervisor) notifyLimiter(roomID int64) *slidingwindow.Limiter {
	s.notifyLk.Lock()
	defer s.notifyLk.Unlock()
	lim, ok := s.notifyLimiters[roomID]
	if !ok {
		// NOTE: discarded second argument is not an `error` type
		lim, _ = slidingwindow.NewLimiter(s.cfg.NotifyWindow, 1, windowFunc)
		s.notifyLimiters[roomID] = lim
	}
	return lim
}

// notifyLiveStart fires the notifier unless the room notified recently.
func (s *Supervisor) notifyLiveStart(roomID int64) {
	if s.notifier == nil {
		return
	}
	if !s.notifyLimiter(roomID).Allow() {
		return
	}
	meta, _ := s.api.CachedMeta(roomID)
	s.notifier.LiveStart(roomID, meta)
}

// Run drives the shared liveness check and the stats sampler until ctx is
// cancelled, then closes every room.
func (s *Supervisor) Run(ctx context.Context) {
	liveness := time.NewTicker(s.cfg.LivenessCheckInterval)
	defer liveness.Stop()
	sampler := time.NewTicker(statsSampleInterval)
	defer sampler.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-liveness.C:
			s.CheckStale(time.Now())
		case <-sampler.C:
			s.Stats.Sample(time.Now())
		}
	}
}

// Sync reconciles the running set against the desired room ids: undesired
// rooms are closed, newly desired ones started with staggered delays.
// Eventually consistent, not transactional.
func (s *Supervisor) Sync(ctx context.Context, desired []int64) {
	want := make(map[int64]bool, len(desired))
	for _, id := range desired {
		want[id] = true
	}

	s.lk.Lock()
	var toStop []*roomHandle
	for id, h := range s.rooms {
		if !want[id] {
			toStop = append(toStop, h)
			delete(s.rooms, id)
		}
	}
	var toStart []int64
	for _, id := range desired {
		if _, running := s.rooms[id]; !running {
			toStart = append(toStart, id)
		}
	}
	// reserve slots under the lock so a racing Sync cannot double-start
	var started []*roomHandle
	for i, id := range toStart {
		h := newRoomHandle(ctx, s, id, time.Duration(i)*s.cfg.StaggerStep)
		s.rooms[id] = h
		started = append(started, h)
	}
	s.lk.Unlock()

	for _, h := range toStop {
		s.logger.Info("closing room", "room", h.id)
		h.stop()
		s.Stats.Forget(h.id)
	}
	for _, h := range started {
		s.logger.Info("starting room", "room", h.id, "delay", h.startDelay)
		go h.run()
	}
	activeRooms.Set(float64(len(want)))
}

// CheckStale forces a reconnect on every connected room whose heartbeat or
// message flow has gone quiet. The clock is a parameter for tests.
func (s *Supervisor) CheckStale(now time.Time) {
	s.lk.Lock()
	handles := make([]*roomHandle, 0, len(s.rooms))
	for _, h := range s.rooms {
		handles = append(handles, h)
	}
	s.lk.Unlock()

	for _, h := range handles {
		h.checkStale(now)
	}
}

// Shutdown closes all rooms and waits for their loops to exit.
func (s *Supervisor) Shutdown() {
	s.lk.Lock()
	handles := make([]*roomHandle, 0, len(s.rooms))
	for id, h := range s.rooms {
		handles = append(handles, h)
		delete(s.rooms, id)
	}
	s.lk.Unlock()

	for _, h := range handles {
		h.stop()
	}
	s.logger.Info("all rooms closed")
}

// RunningRooms returns the ids of rooms currently managed, for diagnostics.
func (s *Supervisor) RunningRooms() []int64 {
	s.lk.Lock()
	defer s.lk.Unlock()
	out := make([]int64, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	return out
}
