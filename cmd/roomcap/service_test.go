package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomcap/roomcap/archive"
	"github.com/roomcap/roomcap/filter"
	"github.com/roomcap/roomcap/ingest"
	"github.com/roomcap/roomcap/models"
	"github.com/roomcap/roomcap/rooms"
	"github.com/roomcap/roomcap/store"
	"github.com/roomcap/roomcap/upload"
)

func startTestService(t *testing.T) (*Service, *store.MemStore, *ingest.Buffer, string) {
	t.Helper()
	st := store.NewMemStore()
	buf := ingest.NewBuffer(st, slog.Default())
	pipeline := &ingest.Pipeline{
		Filter: filter.New([]string{"promo_broadcast"}, nil),
		Buffer: buf,
	}
	sup := rooms.NewSupervisor(nil, nil, pipeline, st, slog.Default())
	compactor := archive.NewCompactor(st, nil, nil)
	uploader := upload.NewUploader(st, nil, nil)

	cfg := DefaultServiceConfig()
	cfg.AdminPassword = "hunter2"
	svc := NewService(st, pipeline, sup, compactor, uploader, cfg, slog.Default())

	li, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		if err := svc.startWithListener(li); err != nil && !strings.Contains(err.Error(), "Server closed") {
			t.Logf("service exited: %v", err)
		}
	}()
	t.Cleanup(func() { _ = svc.Shutdown() })

	base := "http://" + li.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/_health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == 200
	}, 5*time.Second, 20*time.Millisecond)
	return svc, st, buf, base
}

func TestHookIngest(t *testing.T) {
	_, _, buf, base := startTestService(t)

	resp, err := http.Post(base+"/hook/42", "application/json",
		strings.NewReader(`{"cmd":"chat","text":"relayed hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 1, buf.Pending())

	// ignored commands are dropped but acknowledged
	resp, err = http.Post(base+"/hook/42", "application/json",
		strings.NewReader(`{"cmd":"promo_broadcast"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, 1, buf.Pending())

	// the buffered message lands in the relayed kind
	n, err := buf.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHookValidation(t *testing.T) {
	_, _, _, base := startTestService(t)

	resp, err := http.Post(base+"/hook/0", "application/json", strings.NewReader(`{"cmd":"chat"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)

	resp, err = http.Post(base+"/hook/42", "application/json", strings.NewReader(`{"no":"cmd"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)

	resp, err = http.Post(base+"/hook/42", "application/json", strings.NewReader(`not json`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
}

func TestAdminAuth(t *testing.T) {
	svc, st, _, base := startTestService(t)

	require.NoError(t, st.PutLedger(context.Background(), &models.LedgerEntry{
		Kind: models.KindDirect, RoomID: 1, DayBucket: 100, Endpoint: "https://up.example", Success: true,
	}))

	// without credentials
	req, _ := http.NewRequest(http.MethodPost, base+"/admin/ledger/reset", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 403, resp.StatusCode)

	ok, err := st.LedgerSuccess(context.Background(), models.KindDirect, 1, 100, "https://up.example")
	require.NoError(t, err)
	assert.True(t, ok)

	// with credentials
	req, _ = http.NewRequest(http.MethodPost, base+"/admin/ledger/reset", nil)
	req.SetBasicAuth("admin", svc.config.AdminPassword)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	ok, err = st.LedgerSuccess(context.Background(), models.KindDirect, 1, 100, "https://up.example")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdminArchiveTrigger(t *testing.T) {
	svc, _, _, base := startTestService(t)

	req, _ := http.NewRequest(http.MethodPost, base+"/admin/archive/run", nil)
	req.SetBasicAuth("admin", svc.config.AdminPassword)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	select {
	case <-svc.trigger:
	default:
		t.Fatal("archive trigger not set")
	}
}

func TestStatsRoute(t *testing.T) {
	svc, _, _, base := startTestService(t)
	svc.sup.Stats.RecordSaved(5, models.CmdChat)

	resp, err := http.Get(base + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	var body struct {
		Rooms []rooms.RoomReport `json:"rooms"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Rooms, 1)
	assert.Equal(t, int64(5), body.Rooms[0].RoomID)
	assert.Equal(t, uint64(1), body.Rooms[0].Saved)
}

func TestHookThrottle(t *testing.T) {
	svc, _, _, base := startTestService(t)
	svc.config.HookRate = 0
	svc.config.HookBurst = 2

	// a fresh limiter per room picks up the tightened config
	for i := 0; i < 2; i++ {
		resp, err := http.Post(base+"/hook/777", "application/json", strings.NewReader(`{"cmd":"chat"}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, 200, resp.StatusCode)
	}
	resp, err := http.Post(base+"/hook/777", "application/json", strings.NewReader(`{"cmd":"chat"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 429, resp.StatusCode)
}
