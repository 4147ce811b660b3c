package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubRingOverwritesOldest(t *testing.T) {
	h := NewHub(3)
	for i := range 5 {
		h.Publish(FormAdded, map[string]int{"n": i})
	}

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, int64(3), snap[0].ID)
	assert.Equal(t, int64(5), snap[2].ID)

	assert.Len(t, h.SnapshotSince(4), 1)
}

func TestHubSubscribeReceivesPayload(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.PublishHost("host-a", FormUpdated, map[string]any{"form_id": 42})

	select {
	case ev := <-ch:
		assert.Equal(t, FormUpdated, ev.Type)
		assert.Equal(t, "host-a", ev.Host)
		var body map[string]int
		require.NoError(t, json.Unmarshal(ev.Data, &body))
		assert.Equal(t, 42, body["form_id"])
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe()
	assert.Equal(t, 1, h.Subscribers())
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, h.Subscribers())
}

func TestEventVisible(t *testing.T) {
	broadcast := Event{Type: HostDied}
	scoped := Event{Type: FormError, Host: "a"}

	assert.True(t, broadcast.Visible("b"))
	assert.True(t, scoped.Visible(""))
	assert.True(t, scoped.Visible("a"))
	assert.False(t, scoped.Visible("b"))
}

func TestPublishUnmarshalableData(t *testing.T) {
	h := NewHub(2)
	h.Publish(HostDied, func() {})
	snap := h.SnapshotSince(0)
	require.Len(t, snap, 1)
	assert.Equal(t, []byte("{}"), snap[0].Data)
}
