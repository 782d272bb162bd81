package shadow

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramus-io/ramus/internal/model"
)

func testSwitcher() *Switcher {
	return NewSwitcher(slog.New(slog.DiscardHandler))
}

func writeArtifact(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestSwitchAtomicRename(t *testing.T) {
	dir := t.TempDir()
	current := filepath.Join(dir, "current")
	shadowPath := filepath.Join(dir, "shadow")
	writeArtifact(t, current, "old index")
	writeArtifact(t, shadowPath, "new index data")

	res, err := testSwitcher().Switch(t.Context(), SwitchInput{
		CurrentPath:   current,
		ShadowPath:    shadowPath,
		RecordCount:   42,
		BackupCurrent: true,
		Timeout:       3 * time.Second,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.ValidationErrors)
	assert.Empty(t, res.VerificationErrors)
	assert.NotEmpty(t, res.BackupPath)
	assert.Less(t, res.SwitchDurationMS, int64(3000))

	got, err := os.ReadFile(current)
	require.NoError(t, err)
	assert.Equal(t, "new index data", string(got))

	backup, err := os.ReadFile(res.BackupPath)
	require.NoError(t, err)
	assert.Equal(t, "old index", string(backup))

	_, err = os.Stat(shadowPath)
	assert.True(t, os.IsNotExist(err))
}

func TestSwitchCopyAndReplace(t *testing.T) {
	dir := t.TempDir()
	current := filepath.Join(dir, "current")
	shadowPath := filepath.Join(dir, "shadow")
	writeArtifact(t, current, "old")
	writeArtifact(t, shadowPath, "replacement")

	res, err := testSwitcher().Switch(t.Context(), SwitchInput{
		CurrentPath: current,
		ShadowPath:  shadowPath,
		RecordCount: 1,
		Strategy:    model.SwitchCopyAndReplace,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	got, err := os.ReadFile(current)
	require.NoError(t, err)
	assert.Equal(t, "replacement", string(got))
}

func TestSwitchDirectoryArtifact(t *testing.T) {
	dir := t.TempDir()
	current := filepath.Join(dir, "current")
	shadowPath := filepath.Join(dir, "shadow")
	writeArtifact(t, filepath.Join(current, "seg0"), "old")
	writeArtifact(t, filepath.Join(shadowPath, "seg0"), "new segment zero")
	writeArtifact(t, filepath.Join(shadowPath, "seg1"), "new segment one")

	res, err := testSwitcher().Switch(t.Context(), SwitchInput{
		CurrentPath:   current,
		ShadowPath:    shadowPath,
		RecordCount:   10,
		BackupCurrent: true,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	got, err := os.ReadFile(filepath.Join(current, "seg1"))
	require.NoError(t, err)
	assert.Equal(t, "new segment one", string(got))
}

func TestSwitchMissingShadowFailsValidation(t *testing.T) {
	dir := t.TempDir()
	current := filepath.Join(dir, "current")
	writeArtifact(t, current, "old")

	res, err := testSwitcher().Switch(t.Context(), SwitchInput{
		CurrentPath: current,
		ShadowPath:  filepath.Join(dir, "missing"),
		RecordCount: 5,
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.ValidationErrors)

	// Current artifact untouched.
	got, err := os.ReadFile(current)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))
}

func TestSwitchZeroRecordsNeedsForce(t *testing.T) {
	dir := t.TempDir()
	current := filepath.Join(dir, "current")
	shadowPath := filepath.Join(dir, "shadow")
	writeArtifact(t, current, "old")
	writeArtifact(t, shadowPath, "empty build")

	res, err := testSwitcher().Switch(t.Context(), SwitchInput{
		CurrentPath: current,
		ShadowPath:  shadowPath,
		RecordCount: 0,
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.ValidationErrors)

	forced, err := testSwitcher().Switch(t.Context(), SwitchInput{
		CurrentPath: current,
		ShadowPath:  shadowPath,
		RecordCount: 0,
		ForceSwitch: true,
	})
	require.NoError(t, err)
	assert.True(t, forced.Success)
}

func TestPruneBackupsKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	current := filepath.Join(dir, "current")
	writeArtifact(t, current, "live")
	writeArtifact(t, current+".backup-20260101T000000", "gen1")
	writeArtifact(t, current+".backup-20260201T000000", "gen2")
	writeArtifact(t, current+".backup-20260301T000000", "gen3")

	removed, err := pruneBackups(current, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	// The live artifact and the newest backup survive.
	got, err := os.ReadFile(current)
	require.NoError(t, err)
	assert.Equal(t, "live", string(got))
	kept, err := os.ReadFile(current + ".backup-20260301T000000")
	require.NoError(t, err)
	assert.Equal(t, "gen3", string(kept))
	_, err = os.Stat(current + ".backup-20260101T000000")
	assert.True(t, os.IsNotExist(err))
}

func TestPruneBackupsUnderThresholdIsNoop(t *testing.T) {
	dir := t.TempDir()
	current := filepath.Join(dir, "current")
	writeArtifact(t, current+".backup-20260101T000000", "only")

	removed, err := pruneBackups(current, 1)
	require.NoError(t, err)
	assert.Zero(t, removed)
	_, err = os.Stat(current + ".backup-20260101T000000")
	assert.NoError(t, err)
}

func TestSwitchFirstDeployNoCurrent(t *testing.T) {
	dir := t.TempDir()
	current := filepath.Join(dir, "current")
	shadowPath := filepath.Join(dir, "shadow")
	writeArtifact(t, shadowPath, "first index")

	res, err := testSwitcher().Switch(t.Context(), SwitchInput{
		CurrentPath:   current,
		ShadowPath:    shadowPath,
		RecordCount:   3,
		BackupCurrent: true,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.BackupPath)
}
