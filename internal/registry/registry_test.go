package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/formbroker/internal/form"
)

func testInfo(bundle string) form.ProviderInfo {
	return form.ProviderInfo{
		Bundle:    bundle,
		Ability:   "FormAbility",
		Module:    "entry",
		FormName:  "widget",
		Dimension: 1,
		Syntax:    form.SyntaxDeclarative,
	}
}

func seqRand(start uint32) func() uint32 {
	n := start
	return func() uint32 {
		n++
		return n
	}
}

func newTestRegistry(t *testing.T, limits Limits) *Registry {
	t.Helper()
	return New("device-under-test", limits, WithRand(seqRand(0)))
}

func TestAllocateNewFormCarriesDeviceHash(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits())
	rec, created, err := r.AllocateOrReuse(Allocation{
		Info:   testInfo("com.example.clock"),
		Caller: form.Caller{Token: "host-1", UID: 100},
		UserID: 0,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(DeviceHash("device-under-test")), rec.ID>>32)
	assert.NotZero(t, rec.ID&lowMask)
	assert.Equal(t, []int{100}, rec.UIDs())
	assert.True(t, rec.NeedRefresh)
}

func TestDeviceHashNonZeroAnd31Bit(t *testing.T) {
	for _, id := range []string{"", "a", "device-1", "device-2"} {
		h := DeviceHash(id)
		assert.NotZero(t, h, id)
		assert.Zero(t, h&0x80000000, id)
	}
	assert.Equal(t, DeviceHash("device-1"), DeviceHash("device-1"))
}

func TestGeneratedIDsSkipCollisions(t *testing.T) {
	vals := []uint32{0, 7, 7, 9}
	i := 0
	r := New("dev", DefaultLimits(), WithRand(func() uint32 {
		v := vals[i%len(vals)]
		i++
		return v
	}))
	a, _, err := r.AllocateOrReuse(Allocation{Info: testInfo("b"), Caller: form.Caller{UID: 1}})
	require.NoError(t, err)
	b, _, err := r.AllocateOrReuse(Allocation{Info: testInfo("b"), Caller: form.Caller{UID: 1}})
	require.NoError(t, err)
	assert.Equal(t, int64(7), a.ID&lowMask)
	assert.Equal(t, int64(9), b.ID&lowMask)
}

func TestTempQuotaBoundary(t *testing.T) {
	const ceiling = 4
	r := newTestRegistry(t, Limits{MaxFormsPerUser: 100, MaxTempForms: ceiling, MaxFormsPerClient: 100})
	for i := 1; i < ceiling; i++ {
		_, _, err := r.AllocateOrReuse(Allocation{Info: testInfo("b"), Caller: form.Caller{UID: i}, Temp: true})
		require.NoErrorf(t, err, "temp form %d", i)
	}
	_, _, err := r.AllocateOrReuse(Allocation{Info: testInfo("b"), Caller: form.Caller{UID: 99}, Temp: true})
	require.ErrorIs(t, err, form.ErrMaxSystemTempForms)
	assert.Len(t, r.TempForms(), ceiling-1)
	assert.Equal(t, ceiling-1, r.Count())

	// Persistent allocations are not charged against the temp ceiling.
	_, _, err = r.AllocateOrReuse(Allocation{Info: testInfo("b"), Caller: form.Caller{UID: 99}})
	require.NoError(t, err)
}

func TestUserAndCallerQuotasAreDistinct(t *testing.T) {
	r := newTestRegistry(t, Limits{MaxFormsPerUser: 2, MaxTempForms: 10, MaxFormsPerClient: 10})
	_, _, err := r.AllocateOrReuse(Allocation{Info: testInfo("b"), Caller: form.Caller{UID: 1}, UserID: 7})
	require.NoError(t, err)
	_, _, err = r.AllocateOrReuse(Allocation{Info: testInfo("b"), Caller: form.Caller{UID: 2}, UserID: 7})
	require.ErrorIs(t, err, form.ErrMaxUserForms)
	assert.False(t, errors.Is(err, form.ErrMaxCallerForms))

	// Another user is unaffected.
	_, _, err = r.AllocateOrReuse(Allocation{Info: testInfo("b"), Caller: form.Caller{UID: 2}, UserID: 8})
	require.NoError(t, err)

	r = newTestRegistry(t, Limits{MaxFormsPerUser: 10, MaxTempForms: 10, MaxFormsPerClient: 2})
	_, _, err = r.AllocateOrReuse(Allocation{Info: testInfo("b"), Caller: form.Caller{UID: 1}})
	require.NoError(t, err)
	_, _, err = r.AllocateOrReuse(Allocation{Info: testInfo("b"), Caller: form.Caller{UID: 1}})
	require.ErrorIs(t, err, form.ErrMaxCallerForms)
}

func TestReuseAddsCallerAndValidatesProvider(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits())
	rec, _, err := r.AllocateOrReuse(Allocation{Info: testInfo("b"), Caller: form.Caller{UID: 1}})
	require.NoError(t, err)

	again, created, err := r.AllocateOrReuse(Allocation{FormID: rec.ID, Info: testInfo("b"), Caller: form.Caller{UID: 2}})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, []int{1, 2}, again.UIDs())

	_, _, err = r.AllocateOrReuse(Allocation{FormID: rec.ID, Info: testInfo("other"), Caller: form.Caller{UID: 2}})
	require.ErrorIs(t, err, form.ErrConfigMismatch)

	_, _, err = r.AllocateOrReuse(Allocation{FormID: rec.ID + 1, Info: testInfo("b"), Caller: form.Caller{UID: 2}})
	require.ErrorIs(t, err, form.ErrNotExistID)
}

func TestReuseFoldsShortID(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits())
	rec, _, err := r.AllocateOrReuse(Allocation{Info: testInfo("b"), Caller: form.Caller{UID: 1}})
	require.NoError(t, err)

	again, _, err := r.AllocateOrReuse(Allocation{FormID: rec.ID & lowMask, Info: testInfo("b"), Caller: form.Caller{UID: 3}})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
}

func TestIdentityFold(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits())
	rec, _, err := r.AllocateOrReuse(Allocation{Info: testInfo("b"), Caller: form.Caller{UID: 1}})
	require.NoError(t, err)
	short := rec.ID & lowMask

	assert.Equal(t, rec.ID, r.IdentityFold(short))
	assert.Equal(t, rec.ID, r.IdentityFold(r.IdentityFold(short)))
	assert.Equal(t, rec.ID, r.IdentityFold(rec.ID))

	full := int64(5)<<32 | 12345
	assert.Equal(t, full, r.IdentityFold(full), "full ids are never rewritten")
	assert.Equal(t, int64(424242), r.IdentityFold(424242), "unknown short ids pass through")
}

func TestReleaseUserRef(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits())
	rec, _, err := r.AllocateOrReuse(Allocation{Info: testInfo("b"), Caller: form.Caller{UID: 1}})
	require.NoError(t, err)
	_, _, err = r.AllocateOrReuse(Allocation{FormID: rec.ID, Info: testInfo("b"), Caller: form.Caller{UID: 2}})
	require.NoError(t, err)

	empty, err := r.ReleaseUserRef(rec.ID, 1)
	require.NoError(t, err)
	assert.False(t, empty)
	empty, err = r.ReleaseUserRef(rec.ID, 2)
	require.NoError(t, err)
	assert.True(t, empty)
	assert.True(t, r.Exists(rec.ID), "release never deletes")

	_, err = r.ReleaseUserRef(1, 2)
	require.ErrorIs(t, err, form.ErrNotExistID)
}

func TestCastTemp(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits())
	rec, _, err := r.AllocateOrReuse(Allocation{Info: testInfo("b"), Caller: form.Caller{UID: 1}, Temp: true})
	require.NoError(t, err)
	require.Equal(t, []int64{rec.ID}, r.TempForms())

	cast, err := r.CastTemp(rec.ID, 3)
	require.NoError(t, err)
	assert.False(t, cast.Temp)
	assert.Equal(t, 3, cast.UserID)
	assert.Empty(t, r.TempForms())

	_, err = r.CastTemp(rec.ID, 3)
	require.ErrorIs(t, err, form.ErrInvalidParam)
}

func TestRestoreSkipsTempAndOwnerless(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits())
	rec := form.NewRecord(int64(1)<<32|5, testInfo("b"), 10, 0, false)
	rec.Inited = true
	assert.True(t, r.Restore(rec))
	assert.False(t, r.Restore(rec), "duplicate")

	got, ok := r.Get(rec.ID)
	require.True(t, ok)
	assert.False(t, got.Inited)
	assert.True(t, got.NeedRefresh)

	temp := form.NewRecord(int64(1)<<32|6, testInfo("b"), 10, 0, true)
	assert.False(t, r.Restore(temp))
	orphan := form.NewRecord(int64(1)<<32|7, testInfo("b"), 10, 0, false)
	orphan.FormUserUIDs = map[int]struct{}{}
	assert.False(t, r.Restore(orphan))
}

func TestSetVisibleReportsChanges(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits())
	a, _, _ := r.AllocateOrReuse(Allocation{Info: testInfo("b"), Caller: form.Caller{UID: 1}})
	b, _, _ := r.AllocateOrReuse(Allocation{Info: testInfo("b"), Caller: form.Caller{UID: 1}})

	assert.ElementsMatch(t, []int64{a.ID, b.ID}, r.SetVisible([]int64{a.ID, b.ID, 99}, true))
	assert.Empty(t, r.SetVisible([]int64{a.ID}, true))
	assert.Equal(t, []int64{b.ID}, r.SetVisible([]int64{b.ID}, false))
}

func TestFormsOfKeyAndBundle(t *testing.T) {
	r := newTestRegistry(t, DefaultLimits())
	a, _, _ := r.AllocateOrReuse(Allocation{Info: testInfo("one"), Caller: form.Caller{UID: 1}})
	b, _, _ := r.AllocateOrReuse(Allocation{Info: testInfo("two"), Caller: form.Caller{UID: 1}})

	assert.Equal(t, []int64{a.ID}, r.FormsOf(form.ProviderKey{Bundle: "one", Ability: "FormAbility"}))
	assert.Equal(t, []int64{b.ID}, r.FormsOfBundle("two"))
	assert.Empty(t, r.FormsOfBundle("three"))
}
