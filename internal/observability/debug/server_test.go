package debug

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pulsekeeper/pkg/logx"
)

func get(t *testing.T, url, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{Enabled: true}.Validate())
	assert.Error(t, Config{Enabled: true, Addr: "nope"}.Validate())
	assert.Error(t, Config{Enabled: true, Addr: "0.0.0.0:6060"}.Validate())
	assert.NoError(t, Config{Enabled: true, Addr: "0.0.0.0:6060", Token: "t"}.Validate())
	assert.NoError(t, Config{Enabled: true, Addr: "[::1]:6060"}.Validate())
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pulsekeeper_lease_held 1\n"))
	})
	var healthy atomic.Bool
	healthy.Store(true)
	s := New(logx.Nop(), metrics, func() error {
		if healthy.Load() {
			return nil
		}
		return errors.New("scheduler stopped")
	})
	ctx := context.Background()
	t.Cleanup(func() { s.Stop(ctx) })

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "secret"})
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 5*time.Millisecond)
	base := "http://" + s.Addr()

	code, _ := get(t, base+"/metrics", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := get(t, base+"/metrics", "secret")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "pulsekeeper_lease_held 1")

	code, body = get(t, base+"/healthz?token=secret", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	healthy.Store(false)
	code, body = get(t, base+"/healthz", "secret")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "scheduler stopped")

	code, _ = get(t, base+"/debug/pprof/", "secret")
	assert.Equal(t, http.StatusOK, code)

	s.Reconfigure(ctx, Config{Enabled: false})
	assert.Empty(t, s.Addr())
}

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()
	assert.Equal(t, DefaultPrefix, normalizePrefix(""))
	assert.Equal(t, "/pp/", normalizePrefix("pp"))
	assert.Equal(t, "/pp/", normalizePrefix("/pp/"))
}
