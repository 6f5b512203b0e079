// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yamlBody string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rsendmail.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
smtp_server: mail.example.com
from: sender@example.com
to: a@example.com
dir: /tmp/eml
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Port)
	assert.Equal(t, 30, cfg.SMTPTimeoutS)
	assert.Equal(t, "eml", cfg.Extension)
	assert.Equal(t, "auto", cfg.Processes)
	assert.Equal(t, 1, cfg.BatchSize)
	assert.Equal(t, ModeEmlBatch, cfg.Mode())
}

func TestLoad_RejectsMultipleModes(t *testing.T) {
	path := writeConfig(t, `
smtp_server: mail.example.com
from: sender@example.com
to: a@example.com
dir: /tmp/eml
attachment: /tmp/file.bin
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsNoMode(t *testing.T) {
	path := writeConfig(t, `
smtp_server: mail.example.com
from: sender@example.com
to: a@example.com
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_AuthModeRequiresCredentials(t *testing.T) {
	path := writeConfig(t, `
smtp_server: mail.example.com
from: sender@example.com
to: a@example.com
dir: /tmp/eml
auth_mode: true
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestRecipients_TrimsAndDropsEmpty(t *testing.T) {
	c := &Config{To: " a@example.com ,, b@example.com ,"}
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, c.Recipients())
}

func TestNumWorkers_FallsBackToAutoOnGarbage(t *testing.T) {
	c := &Config{Processes: "not-a-number"}
	assert.Greater(t, c.NumWorkers(), 0)

	c2 := &Config{Processes: "4"}
	assert.Equal(t, 4, c2.NumWorkers())

	c3 := &Config{Processes: "-3"}
	assert.Greater(t, c3.NumWorkers(), 0)
}

func TestImplicitTLS(t *testing.T) {
	c := &Config{Port: 465}
	assert.True(t, c.ImplicitTLS())
	assert.True(t, c.RequiresTLS())

	c2 := &Config{Port: 587, UseTLS: true}
	assert.False(t, c2.ImplicitTLS())
	assert.True(t, c2.RequiresTLS())

	c3 := &Config{Port: 25}
	assert.False(t, c3.RequiresTLS())
}
