package filter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roomcap/roomcap/models"
)

func TestIgnoreCommands(t *testing.T) {
	assert := assert.New(t)

	f := New([]string{"promo_broadcast"}, nil)

	assert.False(f.Keep(42, models.KindDirect, "promo_broadcast", `{"cmd":"promo_broadcast"}`))
	assert.True(f.Keep(42, models.KindDirect, "chat", `{"cmd":"chat"}`))
}

func TestDedupCommands(t *testing.T) {
	assert := assert.New(t)

	f := New(nil, []string{"online_count"})

	assert.True(f.Keep(42, models.KindDirect, "online_count", `{"count":5}`))
	// identical payload is dropped
	assert.False(f.Keep(42, models.KindDirect, "online_count", `{"count":5}`))
	// changed payload always buffers
	assert.True(f.Keep(42, models.KindDirect, "online_count", `{"count":6}`))
	assert.False(f.Keep(42, models.KindDirect, "online_count", `{"count":6}`))

	// dedup state is scoped per room
	assert.True(f.Keep(7, models.KindDirect, "online_count", `{"count":6}`))
	// and per kind
	assert.True(f.Keep(42, models.KindRelayed, "online_count", `{"count":6}`))

	// non-dedup commands never filter
	assert.True(f.Keep(42, models.KindDirect, "chat", `{"x":1}`))
	assert.True(f.Keep(42, models.KindDirect, "chat", `{"x":1}`))
}

func TestSetCommandSets(t *testing.T) {
	assert := assert.New(t)

	f := New([]string{"promo_broadcast"}, nil)
	assert.False(f.Keep(1, models.KindDirect, "promo_broadcast", `{}`))

	f.SetCommandSets(nil, nil)
	assert.True(f.Keep(1, models.KindDirect, "promo_broadcast", `{}`))
}

func TestSanitizeRewritesSelfMarker(t *testing.T) {
	assert := assert.New(t)

	raw := []byte(`{"cmd":"chat","meta":{"extra":"{\"send_from_me\":true,\"mode\":0}"},"text":"hi"}`)
	out := Sanitize(models.CmdChat, raw)

	var event struct {
		Meta struct {
			Extra string `json:"extra"`
		} `json:"meta"`
		Text string `json:"text"`
	}
	assert.NoError(json.Unmarshal(out, &event))
	assert.Equal(`{"send_from_me":false,"mode":0}`, event.Meta.Extra)
	assert.Equal("hi", event.Text)
}

func TestSanitizePassthrough(t *testing.T) {
	assert := assert.New(t)

	// non-chat commands untouched
	raw := []byte(`{"cmd":"popularity","online":12}`)
	assert.Equal(raw, Sanitize(models.CmdPopularity, raw))

	// malformed chat payloads are returned unchanged
	raw = []byte(`{"cmd":"chat","meta":12}`)
	assert.Equal(raw, Sanitize(models.CmdChat, raw))

	raw = []byte(`not json`)
	assert.Equal(raw, Sanitize(models.CmdChat, raw))

	// marker absent: unchanged
	raw = []byte(`{"cmd":"chat","meta":{"extra":"{\"send_from_me\":false,\"mode\":0}"}}`)
	assert.Equal(raw, Sanitize(models.CmdChat, raw))
}
