// Package upload pushes archived day partitions to the configured remote
// endpoints. Delivery is at-most-once per (kind, room, day, endpoint),
// enforced by the durable ledger; everything else is retried by simply
// running another pass.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/roomcap/roomcap/models"
	"github.com/roomcap/roomcap/store"
	"github.com/roomcap/roomcap/util"
)

const (
	DefaultPageSize     = 20000
	defaultFetchTimeout = 25 * time.Second

	nonceRange = 1_000_000
)

type UploaderConfig struct {
	// endpoint URLs receiving PUTs; empty disables uploading
	Endpoints []string

	PageSize     int
	FetchTimeout time.Duration
}

func DefaultUploaderConfig() *UploaderConfig {
	return &UploaderConfig{
		PageSize:     DefaultPageSize,
		FetchTimeout: defaultFetchTimeout,
	}
}

type Uploader struct {
	store  store.Store
	logger *slog.Logger

	// lk guards cfg and http, which are swapped together on reload
	lk  sync.Mutex
	cfg *UploaderConfig

	// Plain http.Client, no retry middleware: pages must arrive in order
	// and a PUT is not safely re-sendable mid-sequence, so retry happens
	// at pass granularity via the ledger instead.
	http *http.Client

	// clock hook for tests
	now func() time.Time
}

func NewUploader(st store.Store, cfg *UploaderConfig, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	u := &Uploader{
		store:  st,
		logger: logger.With("system", "uploader"),
		now:    time.Now,
	}
	u.SetConfig(cfg)
	return u
}

// SetConfig swaps the endpoint set and transfer tuning. A pass snapshots
// the config when it starts, so the swap takes effect on the next pass.
func (u *Uploader) SetConfig(cfg *UploaderConfig) {
	if cfg == nil {
		cfg = DefaultUploaderConfig()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	u.lk.Lock()
	defer u.lk.Unlock()
	u.cfg = cfg
	u.http = &http.Client{Timeout: cfg.FetchTimeout}
}

func (u *Uploader) config() *UploaderConfig {
	u.lk.Lock()
	defer u.lk.Unlock()
	return u.cfg
}

func (u *Uploader) client() *http.Client {
	u.lk.Lock()
	defer u.lk.Unlock()
	return u.http
}

// entry is one materialized message ready for transfer.
type entry struct {
	timestamp int64
	json      string
}

// RunPass uploads every archived (room, day) partition not yet delivered to
// every endpoint. Failures are isolated per (room, day, endpoint) triple.
func (u *Uploader) RunPass(ctx context.Context) error {
	cfg := u.config()
	if len(cfg.Endpoints) == 0 {
		return nil
	}
	ctx, span := otel.Tracer("uploader").Start(ctx, "RunPass")
	defer span.End()

	for _, kind := range models.RecordKinds {
		keys, err := u.store.ArchiveDays(ctx, kind)
		if err != nil {
			return fmt.Errorf("enumerating %s archive days: %w", kind, err)
		}
		for _, key := range keys {
			if err := u.uploadDay(ctx, cfg, kind, key); err != nil {
				return err
			}
		}
	}
	return nil
}

// uploadDay pushes one (room, day) partition to each pending endpoint.
// Materialization is lazy: nothing is decompressed when the ledger already
// covers every endpoint.
func (u *Uploader) uploadDay(ctx context.Context, cfg *UploaderConfig, kind string, key store.ArchiveKey) error {
	ctx, span := otel.Tracer("uploader").Start(ctx, "uploadDay")
	defer span.End()
	span.SetAttributes(
		attribute.String("kind", kind),
		attribute.Int64("room", key.RoomID),
		attribute.Int64("day", key.DayBucket),
	)

	var entries []entry
	for _, endpoint := range cfg.Endpoints {
		done, err := u.store.LedgerSuccess(ctx, kind, key.RoomID, key.DayBucket, endpoint)
		if err != nil {
			return fmt.Errorf("checking ledger: %w", err)
		}
		if done {
			continue
		}
		if entries == nil {
			entries, err = u.materialize(ctx, kind, key)
			if err != nil {
				return fmt.Errorf("materializing room=%d day=%d: %w", key.RoomID, key.DayBucket, err)
			}
		}

		if err := u.uploadToEndpoint(ctx, cfg, kind, key, endpoint, entries); err != nil {
			// scoped failure: log it and move on to the next endpoint
			uploadResults.WithLabelValues(kind, "error").Inc()
			u.logResult(ctx, kind, key, "ERROR",
				fmt.Sprintf("Fetch error while uploading to %q: %s", endpoint, err))
			continue
		}
		uploadResults.WithLabelValues(kind, "ok").Inc()
		u.logResult(ctx, kind, key, "INFO", fmt.Sprintf("Successfully uploaded to %q", endpoint))
		if err := u.store.PutLedger(ctx, &models.LedgerEntry{
			Kind:      kind,
			RoomID:    key.RoomID,
			DayBucket: key.DayBucket,
			Endpoint:  endpoint,
			Success:   true,
		}); err != nil {
			return fmt.Errorf("writing ledger: %w", err)
		}
	}
	return nil
}

// materialize collects the full message set for one (room, day): every
// archive blob, plus as a best effort any same-day rows still active when
// upload runs before compaction, plus for the direct kind the room
// snapshots of that day as synthetic room_info messages. Ascending by
// timestamp.
func (u *Uploader) materialize(ctx context.Context, kind string, key store.ArchiveKey) ([]entry, error) {
	var entries []entry

	blobs, err := u.store.ArchivesForDay(ctx, kind, key.RoomID, key.DayBucket)
	if err != nil {
		return nil, err
	}
	for _, blob := range blobs {
		var archived []models.ArchivedMessage
		if err := util.GunzipJSON(blob.Compressed, &archived); err != nil {
			return nil, fmt.Errorf("decoding blob %d: %w", blob.ID, err)
		}
		for _, m := range archived {
			entries = append(entries, entry{timestamp: m.Timestamp, json: m.JSON})
		}
	}

	dayEnd := models.DayEnd(key.DayBucket)
	active, err := u.store.MessagesInRange(ctx, kind, key.RoomID, key.DayBucket, dayEnd)
	if err != nil {
		return nil, err
	}
	for _, m := range active {
		entries = append(entries, entry{timestamp: m.Timestamp, json: m.JSON})
	}

	if kind == models.KindDirect {
		snaps, err := u.store.RoomSnapshotsInRange(ctx, key.RoomID, key.DayBucket, dayEnd)
		if err != nil {
			return nil, err
		}
		for _, snap := range snaps {
			var data json.RawMessage
			if err := util.GunzipJSON(snap.Compressed, &data); err != nil {
				return nil, fmt.Errorf("decoding snapshot %d: %w", snap.ID, err)
			}
			body, err := json.Marshal(map[string]json.RawMessage{
				"cmd":  json.RawMessage(fmt.Sprintf("%q", models.CmdRoomInfo)),
				"data": data,
			})
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry{timestamp: snap.Timestamp, json: string(body)})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].timestamp < entries[j].timestamp })
	return entries, nil
}

// pageBody is one transfer unit.
type pageBody struct {
	RoomID    int64  `json:"roomid"`
	Src       string `json:"src"`
	Timestamp int64  `json:"timestamp"`
	Rand      int64  `json:"rand"`
	Page      int    `json:"page"`
	Size      int    `json:"size"`
	Length    int    `json:"length"`
	JSONL     string `json:"jsonl"`
}

// uploadToEndpoint sends every page in ascending order. The nonce is fixed
// for the whole attempt so the receiver can group its pages. First failure
// aborts the remaining pages.
func (u *Uploader) uploadToEndpoint(ctx context.Context, cfg *UploaderConfig, kind string, key store.ArchiveKey, endpoint string, entries []entry) error {
	nonce := rand.Int63n(nonceRange)
	for page := 0; page*cfg.PageSize < len(entries); page++ {
		lo := page * cfg.PageSize
		hi := min(lo+cfg.PageSize, len(entries))
		if err := u.putPage(ctx, endpoint, &pageBody{
			RoomID:    key.RoomID,
			Src:       models.SourceLabel(kind),
			Timestamp: key.DayBucket,
			Rand:      nonce,
			Page:      page,
			Size:      cfg.PageSize,
			Length:    len(entries),
			JSONL:     encodeJSONL(entries[lo:hi]),
		}); err != nil {
			return fmt.Errorf("page %d: %w", page, err)
		}
	}
	return nil
}

// encodeJSONL renders entries as newline-delimited [timestamp, rawJson]
// pairs.
func encodeJSONL(entries []entry) string {
	var sb strings.Builder
	for i, e := range entries {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "[%d,%s]", e.timestamp, e.json)
	}
	return sb.String()
}

func (u *Uploader) putPage(ctx context.Context, endpoint string, body *pageBody) error {
	compressed, err := util.DeflateJSON(body)
	if err != nil {
		return fmt.Errorf("compressing body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(compressed))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "deflate")

	resp, err := u.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP status %d: %s", resp.StatusCode, truncate(string(raw), 3000))
	}
	var rsp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &rsp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if rsp.Code != 0 {
		return fmt.Errorf("non-zero code %d: %s", rsp.Code, rsp.Msg)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// logResult appends one timestamped line to the durable upload log.
func (u *Uploader) logResult(ctx context.Context, kind string, key store.ArchiveKey, level, msg string) {
	line := fmt.Sprintf("[%d-%s-%d] %s", key.RoomID, kind, key.DayBucket, msg)
	if level == "ERROR" {
		u.logger.Warn("upload failed", "room", key.RoomID, "kind", kind, "day", key.DayBucket, "msg", msg)
	}
	if err := u.store.AppendUploadLog(ctx, level, line); err != nil {
		u.logger.Error("appending upload log", "err", err)
	}
}
