package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestToolsValidateCommand(t *testing.T) {
	catalog := writeFile(t, "catalog.yaml", `
tools:
  - name: revoke_session
    description: Cut the user's active sessions
  - name: block_account
    terminal_action: close
    needs_approval: true
    params:
      - name: username
        required: true
`)

	out, err := runCommand(t, "tools", "validate", catalog)
	require.NoError(t, err)
	assert.Contains(t, out, "catalog OK: 2 tools")
}

func TestToolsValidateRejectsBadCatalog(t *testing.T) {
	catalog := writeFile(t, "catalog.yaml", `
tools:
  - name: broken
    terminal_action: explode
`)

	_, err := runCommand(t, "tools", "validate", catalog)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown terminal action")
}

func TestToolsListCommand(t *testing.T) {
	catalog := writeFile(t, "catalog.yaml", `
tools:
  - name: block_account
    terminal_action: close
    needs_approval: true
    params:
      - name: username
        required: true
  - name: revoke_session
`)

	out, err := runCommand(t, "tools", "list", catalog)
	require.NoError(t, err)
	assert.Contains(t, out, "block_account")
	assert.Contains(t, out, "revoke_session")
	assert.Contains(t, out, "required")
}

func TestConfigCheckCommand(t *testing.T) {
	cfg := writeFile(t, "config.yaml", `
server:
  port: 9090
sqlite:
  path: ":memory:"
`)

	out, err := runCommand(t, "--config", cfg, "config", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "configuration OK")
}

func TestConfigCheckRejectsInvalid(t *testing.T) {
	cfg := writeFile(t, "config.yaml", `
server:
  port: -1
`)

	_, err := runCommand(t, "--config", cfg, "config", "check")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
}
