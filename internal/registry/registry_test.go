// File: internal/registry/registry_test.go
package registry_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iudex-br/sei-bridge/api/schemas"
	"github.com/iudex-br/sei-bridge/internal/registry"
)

// fakeTransport records sent frames for assertions.
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeTransport) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, payload)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) lastFrame(t *testing.T) map[string]interface{} {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.frames)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(f.frames[len(f.frames)-1], &decoded))
	return decoded
}

func newRegistry(t *testing.T) *registry.Registry {
	return registry.New(zaptest.NewLogger(t))
}

func TestRegistry_Connect_SendsHandshake(t *testing.T) {
	reg := newRegistry(t)
	ft := &fakeTransport{}

	sess, err := reg.Connect("sess-1", ft)
	require.NoError(t, err)
	require.NotNil(t, sess)

	frame := ft.lastFrame(t)
	assert.Equal(t, schemas.MessageTypeConnected, frame["type"])
	assert.Equal(t, "sess-1", frame["session_id"])
	assert.True(t, reg.IsConnected())
	assert.Equal(t, 1, reg.Count())
}

func TestRegistry_Disconnect(t *testing.T) {
	reg := newRegistry(t)
	ft := &fakeTransport{}
	_, err := reg.Connect("sess-1", ft)
	require.NoError(t, err)

	reg.Disconnect("sess-1")
	assert.False(t, reg.IsConnected())
	assert.True(t, ft.closed)

	// Unknown ids must be a harmless no-op.
	reg.Disconnect("sess-unknown")
}

func TestRegistry_SelectTarget_Affinity(t *testing.T) {
	reg := newRegistry(t)

	// Deterministic clock stepping one second per call.
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	reg.SetClock(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	})

	_, err := reg.Connect("sess-a", &fakeTransport{})
	require.NoError(t, err)
	_, err = reg.Connect("sess-b", &fakeTransport{})
	require.NoError(t, err)
	_, err = reg.Connect("sess-c", &fakeTransport{})
	require.NoError(t, err)

	// sess-c is the most recently active but not on a SEI page.
	reg.UpdateURL("sess-a", "https://sei.example/sei/controlador.php?acao=inicio")
	reg.UpdateURL("sess-b", "https://sei.example/sei/procedimento_trabalhar")
	reg.UpdateURL("sess-c", "https://news.example/")

	target, ok := reg.SelectTarget("")
	require.True(t, ok)
	// sess-b: on a SEI page and more recently active than sess-a.
	assert.Equal(t, "sess-b", target.ID)

	// Fresh activity on sess-a flips the choice.
	reg.UpdateActivity("sess-a")
	target, ok = reg.SelectTarget("")
	require.True(t, ok)
	assert.Equal(t, "sess-a", target.ID)
}

func TestRegistry_SelectTarget_NoSessions(t *testing.T) {
	reg := newRegistry(t)
	_, ok := reg.SelectTarget("")
	assert.False(t, ok)
}

func TestRegistry_SelectTarget_DeterministicTieBreak(t *testing.T) {
	reg := newRegistry(t)
	fixed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	reg.SetClock(func() time.Time { return fixed })

	_, err := reg.Connect("sess-b", &fakeTransport{})
	require.NoError(t, err)
	_, err = reg.Connect("sess-a", &fakeTransport{})
	require.NoError(t, err)

	// Identical activity and no SEI URL on either: lowest id wins.
	for i := 0; i < 5; i++ {
		target, ok := reg.SelectTarget("")
		require.True(t, ok)
		assert.Equal(t, "sess-a", target.ID)
	}
}

func TestRegistry_SelectTarget_ExplicitID(t *testing.T) {
	reg := newRegistry(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	reg.SetClock(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	})

	_, err := reg.Connect("sess-a", &fakeTransport{})
	require.NoError(t, err)
	_, err = reg.Connect("sess-b", &fakeTransport{})
	require.NoError(t, err)

	// sess-b is on a SEI page and more recent, but the explicit id wins.
	reg.UpdateURL("sess-b", "https://sei.example/sei/controlador.php")
	target, ok := reg.SelectTarget("sess-a")
	require.True(t, ok)
	assert.Equal(t, "sess-a", target.ID)

	// An unknown explicit id never falls back to the affinity pick.
	_, ok = reg.SelectTarget("sess-z")
	assert.False(t, ok)
}

func TestRegistry_SetIdentity_And_List(t *testing.T) {
	reg := newRegistry(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	reg.SetClock(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	})

	_, err := reg.Connect("sess-1", &fakeTransport{})
	require.NoError(t, err)
	_, err = reg.Connect("sess-2", &fakeTransport{})
	require.NoError(t, err)

	reg.SetIdentity("sess-1", "maria.silva", "GAB-01")

	infos := reg.List()
	require.Len(t, infos, 2)
	// sess-1 got identity last, so it is the most recently active.
	assert.Equal(t, "sess-1", infos[0].SessionID)
	assert.Equal(t, "maria.silva", infos[0].User)
	assert.Equal(t, "GAB-01", infos[0].Unit)
}
