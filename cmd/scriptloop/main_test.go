package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"scriptloop/internal/bridge"
	"scriptloop/internal/config"
	"scriptloop/internal/conversation"
	"scriptloop/internal/guard"
	"scriptloop/internal/journal"
	"scriptloop/internal/store"
)

const meanScript = "```go\n" + `package main

import (
	"fmt"
	"os"
)

func main() {
	if err := os.WriteFile("result.json", []byte("{\"mean\": 2}"), 0o644); err != nil {
		fmt.Println("write failed:", err)
		return
	}
	fmt.Println("done")
}
` + "```"

func TestJoinArgs(t *testing.T) {
	got := joinArgs([]string{"one", "two", "three"})
	if got != "one two three" {
		t.Fatalf("expected 'one two three', got '%s'", got)
	}
}

func TestBuildGuards(t *testing.T) {
	logger = zap.NewNop()
	hc := config.HarnessConfig{
		DeniedImports: []string{"net"},
		DeniedCalls:   []string{"os.RemoveAll", "broken"},
		Readable:      []string{"*.csv"},
	}
	tracker := &guard.ReadTracker{}

	guards := buildGuards(hc, tracker)
	require.Len(t, guards, 4)
	assert.Equal(t, "import_deny", guards[0].Name())
	assert.Equal(t, "file_access", guards[1].Name())
	deny, ok := guards[2].(*guard.CallDeny)
	require.True(t, ok)
	assert.Equal(t, []guard.SymbolRef{guard.Ref("os", "RemoveAll")}, deny.Symbols)
	assert.Same(t, tracker, guards[3])

	assert.Len(t, buildGuards(config.HarnessConfig{}, nil), 0)
}

func TestRequirements(t *testing.T) {
	reqs := requirements([]config.OutputConfig{{Pattern: "*.csv", MinCount: 2, KeepAsData: true}})
	require.Len(t, reqs, 1)
	assert.Equal(t, "*.csv", reqs[0].Pattern)
	assert.Equal(t, 2, reqs[0].MinCount)
	assert.True(t, reqs[0].KeepAsData)
}

func TestInWorkspace(t *testing.T) {
	assert.Equal(t, filepath.Join("/ws", "db"), inWorkspace("/ws", "db"))
	assert.Equal(t, "/abs/db", inWorkspace("/ws", "/abs/db"))
	assert.Equal(t, ":memory:", inWorkspace("/ws", ":memory:"))
}

func TestChildArgs(t *testing.T) {
	configPath, verbose = "", false
	args := childArgs("/ws", "/ws/work/mission-1", "-compute the mean")
	assert.Equal(t, []string{"run", "--events", "--workspace", "/ws", "--workdir", "/ws/work/mission-1", "--", "-compute the mean"}, args)
}

func TestPrintHistory(t *testing.T) {
	var buf bytes.Buffer
	printHistory(&buf, nil)
	assert.Contains(t, buf.String(), "No runs recorded")

	buf.Reset()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	printHistory(&buf, []store.Pipeline{{
		ID:         "p-1",
		Mission:    strings.Repeat("x", 80),
		Status:     store.StatusFailed,
		Error:      "debug iterations exhausted",
		StartedAt:  start,
		FinishedAt: start.Add(90 * time.Second),
		Records:    12,
	}})
	out := buf.String()
	assert.Contains(t, out, "p-1")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "...")
	assert.Contains(t, out, "debug iterations exhausted")
}

func TestPrintSummaries(t *testing.T) {
	var buf bytes.Buffer
	printSummaries(&buf, []bridge.Summary{
		{Mission: "a", Success: true, Finished: true, Files: []string{"out.csv"}},
		{Mission: "b", Error: bridge.ErrNoFinish.Error()},
	})
	out := buf.String()
	assert.Contains(t, out, "1. ok")
	assert.Contains(t, out, "output out.csv")
	assert.Contains(t, out, "2. FAILED")
	assert.Equal(t, 1, countFailed([]bridge.Summary{{Success: true}, {}}))
}

// fakeModel serves OpenAI-style completions with a fixed reply.
func fakeModel(t *testing.T, reply string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": reply}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func setupWorkspace(t *testing.T, baseURL string) string {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("SCRIPTLOOP_MODELS", "")
	t.Setenv("SCRIPTLOOP_DB", "")

	ws := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.LLM.OpenAIKey = "test-key"
	cfg.LLM.BaseURL = baseURL
	cfg.LLM.Tiers = []string{"test-model"}
	cfg.Pipeline.MaxDebugIterations = 1
	cfg.Harness.Workdir = "work"
	cfg.Harness.Timeout = "10s"
	cfg.Harness.Outputs = []config.OutputConfig{{Pattern: "*.json", MinCount: 1}}
	require.NoError(t, cfg.Save(filepath.Join(ws, ".scriptloop", "config.yaml")))

	logger = zap.NewNop()
	workspace = ws
	configPath = ""
	emitEvents = false
	runWorkdir = ""
	maxIterations = 0
	exportPath = ""
	replayFile = ""
	t.Cleanup(func() { workspace, exportPath, replayFile = "", "", "" })
	return ws
}

func TestRunMission_EndToEnd(t *testing.T) {
	srv, calls := fakeModel(t, meanScript)
	ws := setupWorkspace(t, srv.URL)
	exportPath = filepath.Join(ws, "log.jsonl")

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	require.NoError(t, runMission(cmd, []string{"compute", "the", "mean"}))

	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
	assert.Contains(t, out.String(), "succeeded")
	assert.Contains(t, out.String(), "--- result.json ---")
	assert.FileExists(t, exportPath)

	// history lists the run
	out.Reset()
	require.NoError(t, runHistory(cmd, nil))
	assert.Contains(t, out.String(), store.StatusSucceeded)
	assert.Contains(t, out.String(), "compute the mean")

	// replay from the exported file
	out.Reset()
	replayFile = exportPath
	require.NoError(t, runReplay(cmd, nil))
	assert.Contains(t, out.String(), "== code (3 messages) ==")
	assert.Contains(t, out.String(), "0 failed model call(s)")

	// replay from the database
	h, err := store.Open(filepath.Join(ws, ".scriptloop", "history.db"))
	require.NoError(t, err)
	runs, err := h.Pipelines(1)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.Len(t, runs, 1)

	out.Reset()
	replayFile = ""
	require.NoError(t, runReplay(cmd, []string{runs[0].ID}))
	assert.Contains(t, out.String(), "== code (3 messages) ==")
}

func TestRunMission_EventsOnFailure(t *testing.T) {
	srv, _ := fakeModel(t, "I would rather not write code.")
	setupWorkspace(t, srv.URL)
	emitEvents = true
	t.Cleanup(func() { emitEvents = false })

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	err := runMission(cmd, []string{"compute the mean"})
	require.Error(t, err)

	rd := bridge.NewReader(&out)
	var last bridge.Event
	for {
		ev, err := rd.Next()
		if err != nil {
			break
		}
		last = ev
	}
	require.Equal(t, bridge.TypePipelineFinished, last.Type)
	var fin bridge.FinishedPayload
	require.NoError(t, last.Decode(&fin))
	assert.False(t, fin.Success)
	assert.Contains(t, fin.Error, "debug iterations exhausted")
}

func TestRunReplay_RequiresSource(t *testing.T) {
	setupWorkspace(t, "http://unused")
	err := runReplay(&cobra.Command{}, nil)
	assert.Error(t, err)
}

func TestRunMission_InvalidConfig(t *testing.T) {
	ws := setupWorkspace(t, "http://unused")
	cfg := config.DefaultConfig()
	cfg.LLM.Tiers = nil
	require.NoError(t, cfg.Save(filepath.Join(ws, ".scriptloop", "config.yaml")))

	err := runMission(&cobra.Command{}, []string{"m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
	assert.False(t, errors.Is(err, os.ErrNotExist))
}

func TestPrintCandidateDiffs(t *testing.T) {
	j := journal.New()
	require.NoError(t, j.Create("code"))
	appendMsg := func(role conversation.Role, content string) {
		require.NoError(t, j.Append("code", conversation.NewMessage(role, "", content)))
	}
	appendMsg(conversation.RoleUser, "mission")
	appendMsg(conversation.RoleAssistant, "```go\npackage main\n\nfunc main() {}\n```")
	appendMsg(conversation.RoleUser, "fix it")
	appendMsg(conversation.RoleAssistant, "no code here")
	appendMsg(conversation.RoleSurrogate, "```go\npackage main\n\nfunc main() { println(1) }\n```")

	var buf bytes.Buffer
	printCandidateDiffs(&buf, j)
	out := buf.String()
	assert.Contains(t, out, "code[1]: first candidate, 3 line(s)")
	assert.Contains(t, out, "code[4]: +1 -1")
	assert.Contains(t, out, "-func main() {}")
	assert.Contains(t, out, "+func main() { println(1) }")
	assert.NotContains(t, out, "code[3]")
}
