package kernel

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrincipalRoundTrip(t *testing.T) {
	p := Principal{Type: PrincipalUser, ID: "alice"}
	data, err := MarshalPrincipal(p)
	require.NoError(t, err)

	got, err := UnmarshalPrincipal(data)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestPrincipalValid(t *testing.T) {
	assert.True(t, Principal{Type: PrincipalUser, ID: "alice"}.Valid())
	assert.True(t, Principal{Type: PrincipalSystem, ID: "digest"}.Valid())
	assert.True(t, Principal{Type: PrincipalAdmin, ID: "ops"}.Valid())
	assert.False(t, Principal{}.Valid())
	assert.False(t, Principal{Type: PrincipalUser}.Valid())
	assert.False(t, Principal{Type: PrincipalType("robot"), ID: "x"}.Valid())
}

func TestCapabilitySnapshotOpaque(t *testing.T) {
	snap := CapabilitySnapshot(`{"tools":["mail.read"]}`)
	other := CapabilitySnapshot(`{"tools":["mail.read"]}`)
	assert.True(t, snap.Equal(other))
	assert.False(t, snap.Equal(CapabilitySnapshot(`{}`)))

	// JSON round trip preserves the raw bytes.
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	var back CapabilitySnapshot
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, snap.Equal(back))
}

func TestDefaultPolicy(t *testing.T) {
	policy := DefaultPolicy{}
	user := Principal{Type: PrincipalUser, ID: "alice"}
	admin := Principal{Type: PrincipalAdmin, ID: "ops"}

	assert.True(t, policy.Authorize(user, ActionScheduleCreate))
	assert.True(t, policy.Authorize(user, ActionScheduleCancel))
	assert.True(t, policy.Authorize(user, ActionScheduleList))
	assert.False(t, policy.Authorize(user, "admin:wipe"))
	assert.True(t, policy.Authorize(admin, "admin:wipe"))
	assert.False(t, policy.Authorize(Principal{}, ActionScheduleCreate))
}

func TestRunnerFunc(t *testing.T) {
	var gotPrompt string
	r := RunnerFunc(func(_ context.Context, _ CapabilitySnapshot, prompt string) (string, error) {
		gotPrompt = prompt
		return "ok", nil
	})
	summary, err := r.ExecuteWithCapabilities(context.Background(), nil, "do the thing")
	require.NoError(t, err)
	assert.Equal(t, "ok", summary)
	assert.Equal(t, "do the thing", gotPrompt)
}
