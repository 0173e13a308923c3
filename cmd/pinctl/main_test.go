package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"app-security/internal/config"
	"app-security/internal/factory"
	"app-security/internal/service"
)

func newCore(t *testing.T) *service.SecurityCore {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.SettingsBackend = config.BackendMemory
	cfg.Storage.SecretStorePath = ""
	cfg.Device.ID = "device-cli"

	f, err := factory.NewFactory(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f.SecurityCore()
}

func exec(t *testing.T, core *service.SecurityCore, args cliArgs, stdin string) (int, map[string]interface{}) {
	t.Helper()
	var out bytes.Buffer
	code := run(context.Background(), core, &args, bufio.NewReader(strings.NewReader(stdin)), &out)
	var decoded map[string]interface{}
	_ = json.Unmarshal(out.Bytes(), &decoded)
	return code, decoded
}

func TestRun_SetupValidateChange(t *testing.T) {
	core := newCore(t)

	code, out := exec(t, core, cliArgs{Setup: &setupCmd{}}, "13579\n")
	require.Equal(t, 0, code)
	assert.Equal(t, "degraded", out["outcome"])

	code, out = exec(t, core, cliArgs{Validate: &validateCmd{}, Pin: "00000"}, "")
	assert.Equal(t, 1, code)
	assert.Equal(t, "invalid_pin", out["reason"])

	code, _ = exec(t, core, cliArgs{Change: &changeCmd{}}, "13579\n24680\n")
	assert.Equal(t, 0, code)

	code, _ = exec(t, core, cliArgs{Validate: &validateCmd{}}, "24680")
	assert.Equal(t, 0, code)
}

func TestRun_Status(t *testing.T) {
	core := newCore(t)
	code, out := exec(t, core, cliArgs{Status: &statusCmd{}}, "")
	require.Equal(t, 0, code)
	data, ok := out["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, false, data["securityEnabled"])
}

func TestRun_WipeNeedsConfirmation(t *testing.T) {
	core := newCore(t)
	code, _ := exec(t, core, cliArgs{Wipe: &wipeCmd{}}, "")
	assert.Equal(t, 2, code)

	code, _ = exec(t, core, cliArgs{Wipe: &wipeCmd{Yes: true}}, "")
	assert.Equal(t, 0, code)
}

func TestRun_MissingPin(t *testing.T) {
	core := newCore(t)
	code, _ := exec(t, core, cliArgs{Setup: &setupCmd{}}, "")
	assert.Equal(t, 2, code)
}

func TestRun_LockAndBiometric(t *testing.T) {
	core := newCore(t)
	code, _ := exec(t, core, cliArgs{Biometric: &biometricCmd{Enabled: true}}, "")
	assert.Equal(t, 0, code)
	code, _ = exec(t, core, cliArgs{Lock: &lockCmd{}}, "")
	assert.Equal(t, 0, code)
	code, out := exec(t, core, cliArgs{Reconcile: &reconcileCmd{}}, "")
	assert.Equal(t, 0, code)
	assert.Equal(t, "degraded", out["outcome"])
}
