// Package liveapi is the HTTP client for the live platform's REST API:
// websocket handshake info, viewer identity resolution, and room metadata.
package liveapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultLiveAPIBase = "https://api.live.bilibili.com"
	DefaultMainAPIBase = "https://api.bilibili.com"

	defaultFetchTimeout = 25 * time.Second
	metaCacheSize       = 2000
)

var ErrAPICode = fmt.Errorf("api returned non-zero code")

type ClientConfig struct {
	LiveAPIBase  string
	MainAPIBase  string
	FetchTimeout time.Duration

	// Viewer identity. UID zero triggers the network fallback on first use;
	// DeviceID may stay empty.
	UID      int64
	DeviceID string
}

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		LiveAPIBase:  DefaultLiveAPIBase,
		MainAPIBase:  DefaultMainAPIBase,
		FetchTimeout: defaultFetchTimeout,
	}
}

// Client wraps the platform API with retrying HTTP, a resolved-identity
// cache, and a last-known-good room metadata cache used as a fallback when
// a refresh fails.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *slog.Logger

	uid       int64
	metaCache *lru.Cache[int64, *RoomMeta]
}

func NewClient(cfg *ClientConfig, logger *slog.Logger) *Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("system", "liveapi")

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Transport = otelhttp.NewTransport(cleanhttp.DefaultPooledTransport())
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = time.Second
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(leveledSlog{inner: logger})
	hc := retryClient.StandardClient()
	hc.Timeout = cfg.FetchTimeout
	if hc.Timeout == 0 {
		hc.Timeout = defaultFetchTimeout
	}

	cache, _ := lru.New[int64, *RoomMeta](metaCacheSize)
	return &Client{
		cfg:       *cfg,
		http:      hc,
		logger:    logger,
		uid:       cfg.UID,
		metaCache: cache,
	}
}

// leveledSlog adapts slog for retryablehttp, downgrading its ERROR lines to
// WARN since they describe retried attempts, not final failures.
type leveledSlog struct {
	inner *slog.Logger
}

func (l leveledSlog) Error(msg string, keysAndValues ...any) { l.inner.Warn(msg, keysAndValues...) }
func (l leveledSlog) Warn(msg string, keysAndValues ...any)  { l.inner.Warn(msg, keysAndValues...) }
func (l leveledSlog) Info(msg string, keysAndValues ...any)  { l.inner.Info(msg, keysAndValues...) }
func (l leveledSlog) Debug(msg string, keysAndValues ...any) { l.inner.Debug(msg, keysAndValues...) }

// envelope is the common {code, message, data} response wrapper.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// getJSON fetches url, unwraps the envelope, decodes data into out, and
// also returns the raw data payload for callers that persist it.
func (c *Client) getJSON(ctx context.Context, url string, out any) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("%w: code=%d message=%q", ErrAPICode, env.Code, env.Message)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, fmt.Errorf("decoding response data: %w", err)
		}
	}
	return env.Data, nil
}

// UID returns the viewer uid, resolving it over the network on first use if
// it was not configured. An unresolvable identity degrades to the anonymous
// uid zero rather than failing the caller.
func (c *Client) UID(ctx context.Context) int64 {
	if c.uid != 0 {
		return c.uid
	}
	var nav struct {
		Mid int64 `json:"mid"`
	}
	if _, err := c.getJSON(ctx, c.cfg.MainAPIBase+"/x/web-interface/nav", &nav); err != nil {
		c.logger.Warn("identity fallback fetch failed", "err", err)
		return 0
	}
	c.uid = nav.Mid
	return c.uid
}

// HandshakeInfo carries everything a websocket dial needs: the auth token,
// the candidate edge servers, and the resolved viewer identity.
type HandshakeInfo struct {
	UID      int64
	DeviceID string
	Token    string
	Hosts    []HostInfo
}

type HostInfo struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	WssPort int    `json:"wss_port"`
	WsPort  int    `json:"ws_port"`
}

// PickAddress returns the wss URL of a randomly chosen candidate host.
func (h *HandshakeInfo) PickAddress() string {
	if len(h.Hosts) == 0 {
		return ""
	}
	host := h.Hosts[rand.Intn(len(h.Hosts))]
	return fmt.Sprintf("wss://%s:%d/sub", host.Host, host.WssPort)
}

// Handshake fetches the danmaku server token and host list for a room.
func (c *Client) Handshake(ctx context.Context, roomID int64) (*HandshakeInfo, error) {
	var data struct {
		Token    string     `json:"token"`
		HostList []HostInfo `json:"host_list"`
	}
	url := fmt.Sprintf("%s/xlive/web-room/v1/index/getDanmuInfo?id=%d&type=0", c.cfg.LiveAPIBase, roomID)
	if _, err := c.getJSON(ctx, url, &data); err != nil {
		return nil, fmt.Errorf("handshake fetch for room %d: %w", roomID, err)
	}
	if len(data.HostList) == 0 {
		return nil, fmt.Errorf("handshake for room %d returned no hosts", roomID)
	}
	return &HandshakeInfo{
		UID:      c.UID(ctx),
		DeviceID: c.cfg.DeviceID,
		Token:    data.Token,
		Hosts:    data.HostList,
	}, nil
}

// RoomMeta is the display metadata for a room, refreshed periodically.
type RoomMeta struct {
	Uname     string `json:"uname"`
	Title     string `json:"title"`
	Area      string `json:"area"`
	Cover     string `json:"cover"`
	Avatar    string `json:"avatar"`
	IsLive    bool   `json:"is_live"`
	FetchedAt int64  `json:"fetched_at"` // unix millis
}

// RoomMetadata fetches a room's metadata. On success it also returns the
// raw data payload so callers can persist a full snapshot. On failure it
// serves the last cached value when one exists, with a nil raw payload.
func (c *Client) RoomMetadata(ctx context.Context, roomID int64) (*RoomMeta, json.RawMessage, error) {
	var data struct {
		RoomInfo struct {
			Title      string `json:"title"`
			AreaName   string `json:"area_name"`
			Cover      string `json:"cover"`
			LiveStatus int    `json:"live_status"`
		} `json:"room_info"`
		AnchorInfo struct {
			BaseInfo struct {
				Uname string `json:"uname"`
				Face  string `json:"face"`
			} `json:"base_info"`
		} `json:"anchor_info"`
	}
	url := fmt.Sprintf("%s/xlive/web-room/v1/index/getInfoByRoom?room_id=%d", c.cfg.LiveAPIBase, roomID)
	raw, err := c.getJSON(ctx, url, &data)
	if err != nil {
		if cached, ok := c.metaCache.Get(roomID); ok {
			c.logger.Warn("room metadata fetch failed, serving cached", "room", roomID, "err", err)
			return cached, nil, nil
		}
		return nil, nil, fmt.Errorf("room metadata fetch for room %d: %w", roomID, err)
	}

	meta := &RoomMeta{
		Uname:     data.AnchorInfo.BaseInfo.Uname,
		Title:     data.RoomInfo.Title,
		Area:      data.RoomInfo.AreaName,
		Cover:     data.RoomInfo.Cover,
		Avatar:    data.AnchorInfo.BaseInfo.Face,
		IsLive:    data.RoomInfo.LiveStatus == 1,
		FetchedAt: time.Now().UnixMilli(),
	}
	c.metaCache.Add(roomID, meta)
	return meta, raw, nil
}

// CachedMeta returns the last successfully fetched metadata for a room.
func (c *Client) CachedMeta(roomID int64) (*RoomMeta, bool) {
	return c.metaCache.Get(roomID)
}
