package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pwnlink/agent/internal/localfs"
	"pwnlink/agent/internal/model"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRecordsCommand_JSON(t *testing.T) {
	dir := t.TempDir()
	local := localfs.NewOS(dir)
	mod := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, local.Save("capA.pcap", []byte("pcap"), mod))
	require.NoError(t, local.Save("capA.geo.json", []byte(`{"location":{"lat":1,"lng":2,"accuracy":3}}`), mod))
	require.NoError(t, local.Save("capB.pcap", []byte("pcap"), mod.Add(-time.Hour)))
	t.Setenv("RECORDS_CACHE_SEC", "0")

	out, err := runCLI(t, "records", "--json", "--local-dir", dir, "--log-level", "error")
	require.NoError(t, err)

	var list []model.CorrelatedRecord
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "capA", list[0].Name)
	require.NotNil(t, list[0].Position)
	assert.Equal(t, model.KindPositionGeo, list[0].Position.Source)
}

func TestRecordsCommand_XLSX(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, localfs.NewOS(dir).Save("capA.pcap", []byte("pcap"), time.Unix(1700000000, 0)))
	target := filepath.Join(t.TempDir(), "out.xlsx")

	out, err := runCLI(t, "records", "--local-dir", dir, "--xlsx", target, "--log-level", "error")

	require.NoError(t, err)
	assert.Contains(t, out, "wrote 1 record(s)")
	assert.FileExists(t, target)
}

func TestInvalidConfigIsRejected(t *testing.T) {
	t.Setenv("PROBE_INTERVAL_SEC", "0")

	_, err := runCLI(t, "records", "--local-dir", t.TempDir())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "probe_interval_sec")
}
