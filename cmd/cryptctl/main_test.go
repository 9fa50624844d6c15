package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-crypt/pkg/keystore"
	"github.com/dd0wney/cluso-crypt/pkg/keysync"
	"github.com/dd0wney/cluso-crypt/pkg/keyversion"
	"github.com/dd0wney/cluso-crypt/pkg/metrics"
)

const testMasterKey = "8899aabbccddeeff0011223344556677"

func run(t *testing.T, stdin []byte, args ...string) (string, error) {
	t.Helper()
	a := newApp()
	var out, errOut bytes.Buffer
	a.root.SetOut(&out)
	a.root.SetErr(&errOut)
	a.root.SetIn(bytes.NewReader(stdin))
	a.root.SetArgs(args)
	err := a.execute()
	return out.String(), err
}

// storeArgs points a command at a file key store in dir.
func storeArgs(dir string, args ...string) []string {
	return append(args, "--key-dir", dir, "--master-key", testMasterKey, "--log-level", "error")
}

func TestInfo(t *testing.T) {
	out, err := run(t, nil, "info")
	require.NoError(t, err)
	assert.Contains(t, out, "AES implementation:")
	assert.Contains(t, out, "CCRYPT01 v1 (64-byte header)")
}

func TestKeyLifecycle(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, nil, storeArgs(dir, "key", "generate")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Generated key version 1")

	out, err = run(t, nil, storeArgs(dir, "key", "rotate")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Rotated key version 1 -> 2")

	out, err = run(t, nil, storeArgs(dir, "key", "rotate", "--if-due")...)
	require.NoError(t, err)
	assert.Contains(t, out, "not rotating")

	out, err = run(t, nil, storeArgs(dir, "key", "list", "--json")...)
	require.NoError(t, err)
	var keys []keystore.KeyMetadata
	require.NoError(t, json.Unmarshal([]byte(out), &keys))
	require.Len(t, keys, 2)
	assert.Equal(t, keystore.KeyStatusRotated, keys[0].Status)
	assert.Equal(t, keystore.KeyStatusActive, keys[1].Status)

	_, err = run(t, nil, storeArgs(dir, "key", "revoke", "2")...)
	assert.ErrorIs(t, err, keystore.ErrActiveKey)

	out, err = run(t, nil, storeArgs(dir, "key", "revoke", "1")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Revoked key version 1")

	out, err = run(t, nil, storeArgs(dir, "key", "list")...)
	require.NoError(t, err)
	assert.Contains(t, out, "VERSION")
	assert.Contains(t, out, "revoked")

	out, err = run(t, nil, storeArgs(dir, "key", "export", "--format", "yaml")...)
	require.NoError(t, err)
	assert.Contains(t, out, "version: 2")
	assert.NotContains(t, out, "wrapped_key")

	out, err = run(t, nil, storeArgs(dir, "key", "cleanup", "--older-than", "0s")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 1 keys")

	_, err = run(t, nil, storeArgs(dir, "key", "info", "1")...)
	assert.ErrorIs(t, err, keystore.ErrKeyNotFound)

	_, err = run(t, nil, storeArgs(dir, "key", "info", "zero")...)
	assert.Error(t, err)
}

func TestSealOpen(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, nil, storeArgs(dir, "key", "generate")...)
	require.NoError(t, err)

	plaintext := []byte("quarterly numbers, do not forward")
	ptPath := filepath.Join(dir, "report.txt")
	sealedPath := filepath.Join(dir, "report.sealed")
	openedPath := filepath.Join(dir, "report.opened")
	require.NoError(t, os.WriteFile(ptPath, plaintext, 0600))

	_, err = run(t, nil, storeArgs(dir, "seal", "--in", ptPath, "--out", sealedPath, "--aad", "finance")...)
	require.NoError(t, err)

	sealed, err := os.ReadFile(sealedPath)
	require.NoError(t, err)
	assert.Equal(t, "CCRYPT01", string(sealed[:8]))
	assert.NotContains(t, string(sealed), "quarterly")

	// Rotating must not strand records sealed under the old key.
	_, err = run(t, nil, storeArgs(dir, "key", "rotate")...)
	require.NoError(t, err)

	_, err = run(t, nil, storeArgs(dir, "open", "--in", sealedPath, "--out", openedPath, "--aad", "finance")...)
	require.NoError(t, err)
	opened, err := os.ReadFile(openedPath)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)

	wrongPath := filepath.Join(dir, "wrong.opened")
	_, err = run(t, nil, storeArgs(dir, "open", "--in", sealedPath, "--out", wrongPath, "--aad", "hr")...)
	require.Error(t, err)
	assert.NoFileExists(t, wrongPath)
}

func TestSealOpen_StdioAndStream(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, nil, storeArgs(dir, "key", "generate")...)
	require.NoError(t, err)

	plaintext := bytes.Repeat([]byte("stream block payload "), 10000)

	sealed, err := run(t, plaintext, storeArgs(dir, "seal", "--stream", "--compress")...)
	require.NoError(t, err)

	opened, err := run(t, []byte(sealed), storeArgs(dir, "open")...)
	require.NoError(t, err)
	assert.Equal(t, string(plaintext), opened)

	_, err = run(t, plaintext, storeArgs(dir, "seal", "--stream", "--aad", "x")...)
	assert.Error(t, err)

	record, err := run(t, []byte("small"), storeArgs(dir, "seal")...)
	require.NoError(t, err)
	opened, err = run(t, []byte(record), storeArgs(dir, "open")...)
	require.NoError(t, err)
	assert.Equal(t, "small", opened)
}

func TestPassphraseStore(t *testing.T) {
	dir := t.TempDir()
	args := func(a ...string) []string {
		return append(a, "--key-dir", dir, "--passphrase", "correct horse",
			"--salt", strings.Repeat("5a", keystore.MinSaltSize), "--log-level", "error")
	}

	_, err := run(t, nil, args("key", "generate")...)
	require.NoError(t, err)

	record, err := run(t, []byte("derived"), args("seal")...)
	require.NoError(t, err)
	opened, err := run(t, []byte(record), args("open")...)
	require.NoError(t, err)
	assert.Equal(t, "derived", opened)
}

func TestAuditJournal(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "audit", "keys.journal")

	_, err := run(t, nil, storeArgs(dir, "key", "generate", "--audit-journal", journal)...)
	require.NoError(t, err)
	_, err = run(t, nil, storeArgs(dir, "key", "rotate", "--audit-journal", journal)...)
	require.NoError(t, err)

	out, err := run(t, nil, "audit", "verify", journal)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`Verified \d+ entries`), out)
	assert.NotContains(t, out, "Verified 0 entries")
}

func TestConfigErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, nil, "key", "list", "--key-dir", dir, "--master-key", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "master_key or passphrase")

	_, err = run(t, nil, storeArgs(dir, "key", "list", "--backend", "etcd")...)
	require.Error(t, err)

	cfgPath := filepath.Join(dir, "cryptctl.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("keystore:\n  debug_keys: true\n"), 0600))
	_, err = run(t, nil, storeArgs(dir, "key", "list", "--config", cfgPath)...)
	require.Error(t, err)
}

func TestConfigFileAndFlagPrecedence(t *testing.T) {
	dir := t.TempDir()
	fileDir := filepath.Join(dir, "from-file")
	flagDir := filepath.Join(dir, "from-flag")

	cfgPath := filepath.Join(dir, "cryptctl.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(
		"keystore:\n  dir: "+fileDir+"\n  master_key: "+testMasterKey+"\nlogging:\n  level: error\n"), 0600))

	_, err := run(t, nil, "key", "generate", "--config", cfgPath)
	require.NoError(t, err)
	assert.DirExists(t, fileDir)

	_, err = run(t, nil, "key", "generate", "--config", cfgPath, "--key-dir", flagDir)
	require.NoError(t, err)
	assert.DirExists(t, flagDir)

	out, err := run(t, nil, "key", "list", "--json", "--config", cfgPath, "--key-dir", flagDir)
	require.NoError(t, err)
	var keys []keystore.KeyMetadata
	require.NoError(t, json.Unmarshal([]byte(out), &keys))
	assert.Len(t, keys, 1)
}

func TestParseVersion(t *testing.T) {
	v, err := parseVersion("42")
	require.NoError(t, err)
	assert.EqualValues(t, 42, v)

	for _, bad := range []string{"0", "-1", "x", "4294967296"} {
		_, err := parseVersion(bad)
		assert.Error(t, err, bad)
	}
}

func TestPrintMetrics(t *testing.T) {
	dir := t.TempDir()
	a := newApp()
	var out, errOut bytes.Buffer
	a.root.SetOut(&out)
	a.root.SetErr(&errOut)
	a.root.SetArgs(storeArgs(dir, "key", "generate", "--print-metrics"))
	require.NoError(t, a.execute())

	assert.Contains(t, errOut.String(), `cluso_crypt_key_operations_total{operation="generate",status="success"}`)
	assert.Contains(t, errOut.String(), "cluso_crypt_key_backend_duration_seconds_count")
	assert.Contains(t, errOut.String(), "cluso_crypt_goroutines")
}

func TestKeySyncAnnouncement(t *testing.T) {
	t.Setenv("CRYPT_KEYSYNC_INTERVAL", "20ms")
	master, err := hex.DecodeString(testMasterKey)
	require.NoError(t, err)

	// Any process with the master key can follow; the key table is not needed.
	backend, err := keystore.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	local, err := keystore.NewKeyManager(context.Background(), keystore.Config{
		Backend:   backend,
		MasterKey: master,
		Metrics:   metrics.NewRegistry(),
	})
	require.NoError(t, err)
	defer local.Close()
	secret, err := local.SyncSecret()
	require.NoError(t, err)

	const addr = "inproc://cryptctl-keysync-test"
	follower, err := keysync.NewFollower(keysync.Config{
		Address: addr,
		Secret:  secret,
		Metrics: metrics.NewRegistry(),
	}, local)
	require.NoError(t, err)
	defer follower.Close()

	dir := t.TempDir()
	out, err := run(t, nil, storeArgs(dir, "key", "generate",
		"--keysync-address", addr, "--announce-for", "500ms")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Generated key version 1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, follower.WaitForVersion(ctx, 1))
	assert.Equal(t, keyversion.KeyVersion(1), follower.LatestVersion())
}
