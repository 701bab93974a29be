package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotCopyOnWrite(t *testing.T) {
	base := NewSnapshot("device-1", map[string]Value{"a": Int(1)}, nil, time.Unix(0, 0))

	next := base.WithValue("a", Int(2))

	v, ok := base.Value("a")
	require.True(t, ok)
	assert.Equal(t, Int(1), v, "original snapshot must not change")

	v, ok = next.Value("a")
	require.True(t, ok)
	assert.Equal(t, Int(2), v)
}

func TestSnapshotWithLock(t *testing.T) {
	base := NewSnapshot("device-1", nil, nil, time.Unix(0, 0))
	assert.False(t, base.IsLocked("a"))

	now := time.Now()
	locked := base.WithLock("a", Lock{SettingKey: "a", Locked: true, LockedBy: "admin-1", LockedAt: &now})

	assert.False(t, base.IsLocked("a"))
	assert.True(t, locked.IsLocked("a"))
	assert.Equal(t, "admin-1", locked.LockedBy("a"))
	assert.Equal(t, 1, locked.LockedCount())

	cleared := locked.WithLock("a", Lock{SettingKey: "a", Locked: false})
	assert.False(t, cleared.IsLocked("a"))
	assert.Equal(t, "", cleared.LockedBy("a"))
}

func TestSnapshotSyncedAtMonotonic(t *testing.T) {
	t1 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)

	snap := NewSnapshot("device-1", nil, nil, t1)
	assert.Equal(t, t1, snap.WithSyncedAt(t0).LastSyncedAt, "earlier timestamp must not rewind")
	assert.Equal(t, t1.Add(time.Hour), snap.WithSyncedAt(t1.Add(time.Hour)).LastSyncedAt)
}

func TestValueEnvelopeRoundTrip(t *testing.T) {
	data, err := json.Marshal(Int(5))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"int","value":5}`, string(data))

	var v Value
	require.NoError(t, json.Unmarshal(data, &v))
	assert.Equal(t, Int(5), v)

	// Float with a whole payload keeps its kind through the envelope.
	data, err = json.Marshal(Float(5))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &v))
	assert.Equal(t, KindFloat, v.Kind())
}

func TestValueBareScalarDecode(t *testing.T) {
	tests := []struct {
		raw  string
		want Value
	}{
		{`true`, Bool(true)},
		{`7`, Int(7)},
		{`2.5`, Float(2.5)},
		{`"hello"`, Str("hello")},
	}

	for _, tt := range tests {
		var v Value
		require.NoError(t, json.Unmarshal([]byte(tt.raw), &v), tt.raw)
		assert.Equal(t, tt.want, v, tt.raw)
	}
}

func TestValueAsIntAcceptsWholeFloats(t *testing.T) {
	i, ok := Float(10.0).AsInt()
	require.True(t, ok)
	assert.Equal(t, int64(10), i)

	_, ok = Float(10.5).AsInt()
	assert.False(t, ok)

	_, ok = Str("10").AsInt()
	assert.False(t, ok)
}

func TestErrorKinds(t *testing.T) {
	err := NewError(ErrLocked, "Setting is locked by %s", "admin-1")
	assert.Equal(t, "Setting is locked by admin-1", err.Error())
	assert.Equal(t, ErrLocked, KindOf(err))
	assert.Equal(t, ErrLocked, KindOf(fmt.Errorf("outer: %w", err)))

	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.True(t, IsKind(err, ErrLocked))
}

func TestErrorTransience(t *testing.T) {
	assert.True(t, IsTransient(NewError(ErrNetwork, "down")))
	assert.True(t, IsTransient(NewError(ErrTimeout, "slow")))
	assert.False(t, IsTransient(NewError(ErrValidation, "bad")))
	assert.False(t, IsTransient(NewError(ErrAuth, "who")))
	assert.False(t, IsTransient(NewError(ErrLocked, "no")))
}

func TestWrapErrorPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(ErrNetwork, cause, "push failed")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrNetwork, KindOf(err))
	assert.Contains(t, err.Error(), "push failed")
}
