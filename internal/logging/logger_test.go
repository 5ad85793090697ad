package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetState() {
	CloseAll()
	CloseAudit()
	logsDir = ""
	workspace = ""
	config = loggingConfig{}
	logLevel = LevelInfo
}

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	cfgDir := filepath.Join(dir, ".scriptloop")
	require.NoError(t, os.MkdirAll(cfgDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte(body), 0644))
}

func TestAllCategoriesLog(t *testing.T) {
	resetState()
	defer resetState()

	dir := t.TempDir()
	writeConfig(t, dir, "logging:\n  debug_mode: true\n  level: debug\n")
	require.NoError(t, Initialize(dir))
	require.True(t, IsDebugMode())

	for _, cat := range AllCategories {
		assert.True(t, IsCategoryEnabled(cat), "category %s", cat)
		Get(cat).Info("info for %s", cat)
		Get(cat).Debug("debug for %s", cat)
	}
	Harness("convenience harness log")
	Debugger("convenience debugger log")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(dir, ".scriptloop", "logs"))
	require.NoError(t, err)
	for _, cat := range AllCategories {
		found := false
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), "_"+string(cat)+".log") {
				found = true
				data, err := os.ReadFile(filepath.Join(dir, ".scriptloop", "logs", e.Name()))
				require.NoError(t, err)
				assert.NotEmpty(t, data)
			}
		}
		assert.True(t, found, "no log file for %s", cat)
	}
}

func TestDebugModeDisabled(t *testing.T) {
	resetState()
	defer resetState()

	dir := t.TempDir()
	writeConfig(t, dir, "logging:\n  debug_mode: false\n")
	require.NoError(t, Initialize(dir))

	Harness("should not be written")
	_, err := os.Stat(filepath.Join(dir, ".scriptloop", "logs"))
	assert.True(t, os.IsNotExist(err))
}

func TestCategoryFilter(t *testing.T) {
	resetState()
	defer resetState()

	dir := t.TempDir()
	writeConfig(t, dir, "logging:\n  debug_mode: true\n  categories:\n    guard: false\n")
	require.NoError(t, Initialize(dir))

	assert.False(t, IsCategoryEnabled(CategoryGuard))
	assert.True(t, IsCategoryEnabled(CategoryHarness))
}

func TestAuditWritesJSONLines(t *testing.T) {
	resetState()
	defer resetState()

	dir := t.TempDir()
	writeConfig(t, dir, "logging:\n  debug_mode: true\n")
	require.NoError(t, Initialize(dir))
	require.NoError(t, InitAudit())

	Audit(AuditEvent{EventType: AuditGuardBlock, Target: "os/exec"})
	CloseAudit()

	matches, err := filepath.Glob(filepath.Join(dir, ".scriptloop", "logs", "*_audit.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event":"guard_block"`)
	assert.Contains(t, string(data), `"target":"os/exec"`)
}

func readCategory(t *testing.T, dir string, cat Category) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, ".scriptloop", "logs", "*_"+string(cat)+".log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestJSONFormat_StructuredLines(t *testing.T) {
	resetState()
	defer resetState()

	dir := t.TempDir()
	writeConfig(t, dir, "logging:\n  debug_mode: true\n  level: debug\n  json_format: true\n")
	require.NoError(t, Initialize(dir))
	require.True(t, IsJSONFormat())

	Get(CategoryDebugger).StructuredLog("info", "pipeline finished", map[string]interface{}{"revisions": 2})
	Journal("replayed %d record(s)", 3)
	CloseAll()

	lines := readCategory(t, dir, CategoryDebugger)
	require.Len(t, lines, 1)
	var entry StructuredLogEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0][strings.Index(lines[0], "{"):]), &entry))
	assert.Equal(t, "debugger", entry.Category)
	assert.Equal(t, "pipeline finished", entry.Message)
	assert.Equal(t, float64(2), entry.Fields["revisions"])

	lines = readCategory(t, dir, CategoryJournal)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"msg":"replayed 3 record(s)"`)
}

func TestTimer_StopWithThreshold(t *testing.T) {
	resetState()
	defer resetState()

	dir := t.TempDir()
	writeConfig(t, dir, "logging:\n  debug_mode: true\n  level: debug\n")
	require.NoError(t, Initialize(dir))

	StartTimer(CategoryHarness, "fast").StopWithThreshold(time.Hour)
	slow := StartTimer(CategoryHarness, "slow")
	time.Sleep(2 * time.Millisecond)
	assert.GreaterOrEqual(t, slow.StopWithThreshold(time.Nanosecond), 2*time.Millisecond)
	Guard("sandbox run rooted at %s", dir)
	CloseAll()

	lines := readCategory(t, dir, CategoryHarness)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "[DEBUG] fast completed in")
	assert.Contains(t, lines[1], "[WARN] slow took")
	assert.Contains(t, readCategory(t, dir, CategoryGuard)[0], "[INFO] sandbox run rooted at")
}
