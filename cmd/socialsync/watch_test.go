package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/socialsync/pkg/app"
	"github.com/aeolun/socialsync/pkg/client"
	"github.com/aeolun/socialsync/pkg/config"
)

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	return lines
}

func TestLogActivityStartsFromCurrentValues(t *testing.T) {
	cfg := config.Default()
	cfg.Audio.DesktopNotifications = false
	a, err := app.New(cfg, app.WithState(client.NewMockState()))
	require.NoError(t, err)
	defer a.Close()

	a.Counter().Restore("alice", 4)

	var buf bytes.Buffer
	stop := logActivity(a, zerolog.New(&buf))

	lines := logLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "Channel", lines[0]["message"])
	assert.Equal(t, "offline", lines[0]["state"])
	assert.Equal(t, "Notification badge", lines[1]["message"])
	assert.EqualValues(t, 4, lines[1]["unseen"])

	a.Counter().Restore("alice", 6)
	lines = logLines(t, &buf)
	require.Len(t, lines, 3)
	assert.EqualValues(t, 6, lines[2]["unseen"])

	stop()
	a.Counter().Restore("alice", 7)
	assert.Len(t, logLines(t, &buf), 3)
}
