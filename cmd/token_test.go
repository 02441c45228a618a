package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RankedLobby/internal/middleware"
)

func TestTokenCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("jwt:\n  secret: \"cli-secret\"\n"), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "rev-a", "--config", path, "--ttl", "1h"})
	require.NoError(t, rootCmd.Execute())

	sub, err := middleware.Subject(strings.TrimSpace(out.String()), []byte("cli-secret"))
	require.NoError(t, err)
	assert.Equal(t, "rev-a", sub)
}
