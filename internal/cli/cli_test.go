package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/clinicauth/password"
	"github.com/MrEthical07/clinicauth/store"
	"github.com/MrEthical07/clinicauth/throttle"
)

type cliHarness struct {
	mr         *miniredis.Miniredis
	configPath string
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	path := filepath.Join(t.TempDir(), "clinicauth.yaml")
	cfg := "store:\n  backend: redis\n  prefix: \"test:\"\nredis:\n  addrs: [\"" + mr.Addr() + "\"]\nlog:\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return &cliHarness{mr: mr, configPath: path}
}

func (h *cliHarness) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config", h.configPath}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (h *cliHarness) guard(t *testing.T) *throttle.Guard {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: h.mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	g, err := throttle.New(store.NewRedis(client, "test:"), throttle.DefaultConfig())
	require.NoError(t, err)
	return g
}

func TestLockoutStatusAndClear(t *testing.T) {
	h := newCLIHarness(t)
	g := h.guard(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		g.RecordFailure(ctx, "user@example.com")
	}

	out, err := h.run(t, "", "lockout", "status", "User@Example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "email:              user@example.com")
	assert.Contains(t, out, "locked for 30 seconds")
	assert.Contains(t, out, "lockout level:      1")
	assert.Contains(t, out, "next lockout:       1 minute")

	out, err = h.run(t, "", "lockout", "clear", "user@example.com", "-o", "json")
	require.NoError(t, err)
	var st lockoutStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.False(t, st.Locked)
	assert.Equal(t, 0, st.LockoutLevel)
	assert.Equal(t, 5, st.RemainingAttempts)

	assert.Nil(t, g.IsLocked(ctx, "user@example.com"), "clear must be visible to other processes")
}

func TestLockoutPreview(t *testing.T) {
	h := newCLIHarness(t)
	out, err := h.run(t, "", "lockout", "preview", "fresh@example.com")
	require.NoError(t, err)
	assert.Equal(t, "next lockout for fresh@example.com: 30 seconds\n", out)
}

func TestLockoutRequiresRedisBackend(t *testing.T) {
	h := newCLIHarness(t)
	require.NoError(t, os.WriteFile(h.configPath, []byte("store:\n  backend: memory\n"), 0o600))
	_, err := h.run(t, "", "lockout", "status", "user@example.com")
	assert.ErrorContains(t, err, "process-local")
}

func TestLockoutRedisDown(t *testing.T) {
	h := newCLIHarness(t)
	h.mr.Close()
	_, err := h.run(t, "", "lockout", "status", "user@example.com")
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestConfigCheck(t *testing.T) {
	h := newCLIHarness(t)
	out, err := h.run(t, "", "config", "check", "-o", "json")
	require.NoError(t, err)

	var sum configSummary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, "redis", sum.StoreBackend)
	assert.Equal(t, []string{h.mr.Addr()}, sum.RedisAddrs)
	assert.Equal(t, []string{"30 seconds", "1 minute", "5 minutes", "15 minutes", "30 minutes"}, sum.Ladder)

	require.NoError(t, os.WriteFile(h.configPath, []byte("store:\n  backend: floppy\n"), 0o600))
	_, err = h.run(t, "", "config", "check")
	assert.Error(t, err)
}

func TestSecretHash(t *testing.T) {
	h := newCLIHarness(t)
	out, err := h.run(t, "correct-horse\n", "secret", "hash")
	require.NoError(t, err)

	encoded := strings.TrimSpace(out)
	hasher, err := password.New(password.DefaultConfig())
	require.NoError(t, err)
	ok, err := hasher.Verify("correct-horse", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = h.run(t, "", "secret", "hash")
	assert.Error(t, err)
}

func TestRejectsUnknownOutput(t *testing.T) {
	h := newCLIHarness(t)
	_, err := h.run(t, "", "config", "check", "-o", "xml")
	assert.ErrorContains(t, err, "unsupported --output")
}
