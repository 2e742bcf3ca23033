package containment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/warden/pkg/types"
)

var agentX = types.ContainmentTarget{Type: types.TargetSender, ID: "agentX"}

func TestRegistry_SetRelease(t *testing.T) {
	r := NewRegistry()

	st, created := r.Set(agentX, "inc-1", "repeated_permission_denied")
	require.True(t, created)
	assert.True(t, st.Active)
	assert.True(t, r.IsActive(agentX))
	assert.Equal(t, 1, r.ActiveCount())

	// Second set keeps the original record.
	st2, created := r.Set(agentX, "inc-2", "other")
	assert.False(t, created)
	assert.Equal(t, "inc-1", st2.IncidentID)

	released, ok := r.Release(agentX, "operator")
	require.True(t, ok)
	assert.False(t, released.Active)
	assert.Equal(t, "operator", released.ReleasedBy)
	assert.False(t, r.IsActive(agentX))
	assert.Equal(t, 0, r.ActiveCount())
}

func TestRegistry_ReleaseIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Set(agentX, "inc-1", "")

	_, ok := r.Release(agentX, "op")
	assert.True(t, ok)
	_, ok = r.Release(agentX, "op")
	assert.False(t, ok)
	_, ok = r.Release(types.ContainmentTarget{Type: types.TargetChannel, ID: "never"}, "op")
	assert.False(t, ok)
	assert.Equal(t, 0, r.ActiveCount())
}

func TestRegistry_Suppressed(t *testing.T) {
	r := NewRegistry()
	r.Set(types.ContainmentTarget{Type: types.TargetChannel, ID: "discord_live"}, "inc", "")

	assert.True(t, r.Suppressed("anyone", "discord_live"))
	assert.False(t, r.Suppressed("anyone", "other"))

	r.Set(agentX, "inc2", "")
	assert.True(t, r.Suppressed("agentX", ""))
}

func TestRegistry_ExpiredAndActiveOrder(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry()
	r.SetClock(func() time.Time { return now })

	chan1 := types.ContainmentTarget{Type: types.TargetChannel, ID: "c1"}
	r.Set(chan1, "a", "")
	now = now.Add(30 * time.Minute)
	r.Set(agentX, "b", "")

	active := r.Active()
	require.Len(t, active, 2)
	assert.Equal(t, chan1, active[0].Target)

	now = now.Add(45 * time.Minute)
	assert.Equal(t, []types.ContainmentTarget{chan1}, r.Expired(time.Hour))
	assert.Nil(t, r.Expired(0))
}
