package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/formbroker/internal/form"
	"github.com/mattjoyce/formbroker/internal/protocol"
)

type nopHost struct{}

func (nopHost) OnAcquired(protocol.FormSnapshot) {}
func (nopHost) OnUpdated(protocol.FormSnapshot) {}
func (nopHost) OnUninstalled([]int64) {}
func (nopHost) OnError(int, string) {}
func (nopHost) OnStateResult(protocol.State, protocol.Want) {}

func TestBindHostIdempotent(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits())
	caller := form.Caller{Token: "h1", UID: 5, Bundle: "launcher"}
	rec, _, err := r.AllocateOrReuse(Allocation{Info: testInfo("b"), Caller: caller})
	require.NoError(t, err)

	require.True(t, r.BindHost(rec.ID, caller, nopHost{}))
	require.True(t, r.BindHost(rec.ID, caller, nil))
	assert.Equal(t, []int64{rec.ID}, r.HostForms("h1"))

	refs := r.HostsOf(rec.ID)
	require.Len(t, refs, 1)
	assert.Equal(t, 5, refs[0].UID)
	assert.NotNil(t, refs[0].Client, "nil client keeps the earlier one")
	assert.True(t, refs[0].Flags.EnableUpdate)

	assert.False(t, r.BindHost(rec.ID, form.Caller{UID: 5}, nil), "token required")
}

func TestUnbindDropsEmptyHost(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits())
	caller := form.Caller{Token: "h1", UID: 5}
	r.BindHost(10, caller, nil)
	r.BindHost(11, caller, nil)

	assert.True(t, r.UnbindHost(10, "h1"))
	assert.False(t, r.UnbindHost(10, "h1"))
	assert.Equal(t, []string{"h1"}, r.Hosts())
	assert.True(t, r.UnbindHost(11, "h1"))
	assert.Empty(t, r.Hosts())
}

func TestSetHostEnableUpdate(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits())
	r.BindHost(10, form.Caller{Token: "h1", UID: 5}, nil)

	assert.Equal(t, []int64{10}, r.SetHostEnableUpdate("h1", []int64{10, 11}, false))
	assert.False(t, r.HostsOf(10)[0].Flags.EnableUpdate)
	assert.Nil(t, r.SetHostEnableUpdate("missing", []int64{10}, false))
}

func TestHandleHostDiedReleasesOnlyTempForms(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits())
	host := form.Caller{Token: "dying", UID: 20}
	temp, _, err := r.AllocateOrReuse(Allocation{Info: testInfo("b"), Caller: host, Temp: true})
	require.NoError(t, err)
	shared, _, err := r.AllocateOrReuse(Allocation{Info: testInfo("b"), Caller: host, Temp: true})
	require.NoError(t, err)
	_, _, err = r.AllocateOrReuse(Allocation{FormID: shared.ID, Info: testInfo("b"), Caller: form.Caller{UID: 21}, Temp: true})
	require.NoError(t, err)
	normal, _, err := r.AllocateOrReuse(Allocation{Info: testInfo("b"), Caller: host})
	require.NoError(t, err)
	for _, id := range []int64{temp.ID, shared.ID, normal.ID} {
		r.BindHost(id, host, nil)
	}

	removed := r.HandleHostDied("dying")
	assert.Equal(t, []int64{temp.ID}, removed)
	assert.False(t, r.Exists(temp.ID))

	got, ok := r.Get(shared.ID)
	require.True(t, ok)
	assert.Equal(t, []int{21}, got.UIDs())

	got, ok = r.Get(normal.ID)
	require.True(t, ok)
	assert.Equal(t, []int{20}, got.UIDs())
	assert.Equal(t, []int64{shared.ID}, r.TempForms())

	assert.Nil(t, r.HandleHostDied("dying"), "second notification is empty")
}

func TestHandleHostDiedKeepsUIDHeldByLiveHost(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits())
	a := form.Caller{Token: "a", UID: 20}
	b := form.Caller{Token: "b", UID: 20}
	rec, _, err := r.AllocateOrReuse(Allocation{Info: testInfo("b"), Caller: a, Temp: true})
	require.NoError(t, err)
	r.BindHost(rec.ID, a, nil)
	r.BindHost(rec.ID, b, nil)

	assert.Empty(t, r.HandleHostDied("a"))
	assert.True(t, r.Exists(rec.ID))
	assert.Equal(t, []int64{rec.ID}, r.HostForms("b"))
}

func TestPublishStaging(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits())
	id := r.StagePublish(PendingPublish{Info: testInfo("b"), CallerUID: 3, Data: []byte(`{"a":1}`)})
	assert.NotZero(t, id)
	assert.Equal(t, []int64{id}, r.PendingPublishes())

	p, ok := r.TakePublish(id)
	require.True(t, ok)
	assert.Equal(t, 3, p.CallerUID)
	_, ok = r.TakePublish(id)
	assert.False(t, ok)

	// The reserved id is used verbatim when the host accepts.
	id = r.StagePublish(PendingPublish{Info: testInfo("b")})
	rec, created, err := r.AllocateOrReuse(Allocation{PresetID: id, Info: testInfo("b"), Caller: form.Caller{UID: 3}})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, id, rec.ID)

	r.StagePublish(PendingPublish{Info: testInfo("b"), StagedAt: time.Now().Add(-time.Hour)})
	assert.Equal(t, 1, r.ExpirePublishes(time.Now().Add(-time.Minute)))
}
