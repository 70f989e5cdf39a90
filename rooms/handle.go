package rooms

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roomcap/roomcap/livews"
	"github.com/roomcap/roomcap/models"
	"github.com/roomcap/roomcap/util"
)

// Connection lifecycle states for one room.
type State string

const (
	StateIdle         State = "idle"
	StateHandshaking  State = "handshaking"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// roomHandle is the per-room state machine. One goroutine runs the connect
// loop; connection callbacks arrive on livews goroutines and are guarded by
// a generation counter so continuations from a superseded connection become
// no-ops.
type roomHandle struct {
	id         int64
	sup        *Supervisor
	logger     *slog.Logger
	startDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// reconnect requests coalesce: concurrent triggers (liveness check,
	// close callback, rotate notice) converge to one reconnect
	reconnect chan struct{}

	lk            sync.Mutex
	state         State
	gen           uint64
	conn          io.Closer
	connectedAt   time.Time
	lastHeartbeat time.Time
	lastMsg       time.Time
}

func newRoomHandle(ctx context.Context, sup *Supervisor, id int64, startDelay time.Duration) *roomHandle {
	hctx, cancel := context.WithCancel(ctx)
	return &roomHandle{
		id:         id,
		sup:        sup,
		logger:     sup.logger.With("room", id),
		startDelay: startDelay,
		ctx:        hctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		reconnect:  make(chan struct{}, 1),
		state:      StateIdle,
	}
}

func (h *roomHandle) setState(s State) {
	h.lk.Lock()
	defer h.lk.Unlock()
	h.state = s
}

// State returns the current lifecycle state.
func (h *roomHandle) State() State {
	h.lk.Lock()
	defer h.lk.Unlock()
	return h.state
}

// stop cancels the handle and waits for the connect loop to exit.
func (h *roomHandle) stop() {
	h.cancel()
	<-h.done
}

func (h *roomHandle) sleep(d time.Duration) bool {
	select {
	case <-h.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (h *roomHandle) run() {
	defer close(h.done)
	defer h.setState(StateClosed)

	if !h.sleep(h.startDelay) {
		return
	}
	go h.metaLoop()

	for {
		if h.ctx.Err() != nil {
			return
		}
		h.setState(StateHandshaking)

		hs, err := h.sup.api.Handshake(h.ctx, h.id)
		if err != nil {
			h.logger.Warn("handshake failed", "err", err)
			handshakeFailures.Inc()
			if !h.sleep(h.sup.cfg.HandshakeRetryDelay) {
				return
			}
			continue
		}

		gen := h.nextGen()
		cb := &livews.Callbacks{
			OnEvent:     func(cmd string, body []byte) { h.onEvent(gen, cmd, body) },
			OnHeartbeat: func(popularity int64) { h.onHeartbeat(gen, popularity) },
			OnClose:     func(err error) { h.onClose(gen, err) },
		}
		hello := &livews.Hello{
			UID:      hs.UID,
			RoomID:   h.id,
			DeviceID: hs.DeviceID,
			Key:      hs.Token,
		}
		addr := hs.PickAddress()
		conn, err := h.sup.dial(h.ctx, addr, hello, cb, h.logger)
		if err != nil {
			h.logger.Warn("dial failed", "addr", addr, "err", err)
			if !h.sleep(h.sup.cfg.HandshakeRetryDelay) {
				return
			}
			continue
		}
		h.logger.Info("room connected", "addr", addr)
		connectsCounter.Inc()

		now := time.Now()
		h.lk.Lock()
		h.state = StateConnected
		h.conn = conn
		h.connectedAt = now
		h.lastHeartbeat = now
		h.lastMsg = now
		h.lk.Unlock()

		select {
		case <-h.ctx.Done():
			conn.Close()
			return
		case <-h.reconnect:
			h.setState(StateReconnecting)
			conn.Close()
		}
	}
}

// nextGen supersedes the previous connection and clears any reconnect
// request it left behind.
func (h *roomHandle) nextGen() uint64 {
	h.lk.Lock()
	h.gen++
	gen := h.gen
	h.lk.Unlock()
	select {
	case <-h.reconnect:
	default:
	}
	return gen
}

func (h *roomHandle) genCurrent(gen uint64) bool {
	h.lk.Lock()
	defer h.lk.Unlock()
	return gen == h.gen && h.state != StateClosed
}

// triggerReconnect requests a reconnect if gen is still the live
// connection. Idempotent: a pending request absorbs further triggers.
func (h *roomHandle) triggerReconnect(gen uint64, reason string) {
	if !h.genCurrent(gen) {
		return
	}
	select {
	case h.reconnect <- struct{}{}:
		h.logger.Info("reconnect requested", "reason", reason)
	default:
	}
}

func (h *roomHandle) onEvent(gen uint64, cmd string, body []byte) {
	if !h.genCurrent(gen) {
		return
	}
	h.lk.Lock()
	h.lastMsg = time.Now()
	connectedAt := h.connectedAt
	h.lk.Unlock()

	switch cmd {
	case models.CmdLiveStart:
		h.sup.Stats.SetLive(h.id, true)
		h.sup.notifyLiveStart(h.id)
	case models.CmdLiveEnd:
		h.sup.Stats.SetLive(h.id, false)
	case models.CmdRotateNotice:
		// rotate notices arriving shortly after connect are routine and
		// ignored; a later one means the server wants us gone
		if time.Since(connectedAt) > h.sup.cfg.RotateGuard {
			h.triggerReconnect(gen, "server rotation")
		}
	}

	h.sup.pipeline.Save(h.id, models.KindDirect, cmd, body)
}

func (h *roomHandle) onHeartbeat(gen uint64, popularity int64) {
	if !h.genCurrent(gen) {
		return
	}
	h.lk.Lock()
	h.lastHeartbeat = time.Now()
	h.lk.Unlock()

	// non-baseline heartbeat values carry a viewer count worth keeping;
	// the synthesized record counts as message traffic, so a live but
	// chatless room isn't reconnected for message staleness
	if popularity != 1 {
		h.lk.Lock()
		h.lastMsg = time.Now()
		h.lk.Unlock()
		body := fmt.Sprintf(`{"cmd":%q,"online":%d}`, models.CmdPopularity, popularity)
		h.sup.pipeline.Save(h.id, models.KindDirect, models.CmdPopularity, []byte(body))
	}
}

func (h *roomHandle) onClose(gen uint64, err error) {
	if !h.genCurrent(gen) {
		return
	}
	if err != nil {
		h.logger.Warn("connection lost", "err", err)
	}
	h.sup.Stats.RecordDisconnect(h.id, time.Now())
	h.triggerReconnect(gen, "connection closed")
}

// checkStale requests a reconnect when the connection has gone quiet:
// no heartbeat or no message for too long.
func (h *roomHandle) checkStale(now time.Time) {
	h.lk.Lock()
	if h.state != StateConnected {
		h.lk.Unlock()
		return
	}
	gen := h.gen
	hbAge := now.Sub(h.lastHeartbeat)
	msgAge := now.Sub(h.lastMsg)
	h.lk.Unlock()

	switch {
	case hbAge > h.sup.cfg.HeartbeatStaleAfter:
		staleReconnects.WithLabelValues("heartbeat").Inc()
		h.triggerReconnect(gen, "heartbeat stale")
	case msgAge > h.sup.cfg.MessageStaleAfter:
		staleReconnects.WithLabelValues("message").Inc()
		h.triggerReconnect(gen, "messages stale")
	}
}

// metaLoop refreshes room metadata on a fixed interval, independent of
// connection state, persisting a compressed snapshot of each good fetch.
func (h *roomHandle) metaLoop() {
	h.refreshMeta()
	t := time.NewTicker(h.sup.cfg.MetaRefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-t.C:
			h.refreshMeta()
		}
	}
}

func (h *roomHandle) refreshMeta() {
	meta, raw, err := h.sup.api.RoomMetadata(h.ctx, h.id)
	if err != nil {
		h.logger.Warn("room metadata refresh failed", "err", err)
		return
	}
	h.sup.Stats.SetMeta(h.id, meta)

	if len(raw) == 0 || h.sup.store == nil {
		return
	}
	compressed, err := util.GzipJSON(raw)
	if err != nil {
		h.logger.Error("compressing room snapshot", "err", err)
		return
	}
	snap := &models.RoomSnapshot{
		RoomID:     h.id,
		Timestamp:  models.NowMillis(),
		Compressed: compressed,
	}
	if err := h.sup.store.AppendRoomSnapshot(h.ctx, snap); err != nil {
		h.logger.Error("persisting room snapshot", "err", err)
	}
}
