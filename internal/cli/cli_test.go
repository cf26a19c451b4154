package cli

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"keyvoxdesk/internal/domain"
	"keyvoxdesk/internal/historycache"
	"keyvoxdesk/internal/session"
)

func TestRenderStatusConnected(t *testing.T) {
	t.Parallel()

	m := session.NewModel(0)
	m.Status = domain.ConnectionConnected
	m.Port = 9877
	m.EngineState = domain.EngineStateIdle
	m.Config = &domain.EngineConfig{Backend: "faster-whisper", Model: "tiny"}
	m.Dictionary = map[string]string{"gh": "GitHub", "k8s": "Kubernetes"}
	m.DictionaryHydrated = true
	m.Jobs[domain.JobDownload] = domain.BackgroundJob{Kind: domain.JobDownload, Status: domain.JobDownloading, ProgressPct: 40, Active: true}

	out := renderStatus(m)
	for _, want := range []string{"Keyvox · idle · downloading 40%", "9877", "faster-whisper/tiny", "2 entries", "downloading 40%"} {
		require.Contains(t, out, want)
	}
}

func TestRenderStatusOffline(t *testing.T) {
	t.Parallel()

	m := session.NewModel(0)
	m.LastError = &domain.Notice{Message: "Connection lost", Detail: "socket closed"}

	out := renderStatus(m)
	require.Contains(t, out, "Keyvox · offline")
	require.Contains(t, out, "not loaded")
	require.Contains(t, out, "Connection lost: socket closed")
}

func TestRenderDictionarySortsKeys(t *testing.T) {
	t.Parallel()

	out := renderDictionary(map[string]string{"zed": "Zed", "gh": "GitHub"})
	require.Less(t, strings.Index(out, "gh"), strings.Index(out, "zed"))
	require.Contains(t, out, "=> GitHub")
	require.Equal(t, "no dictionary entries", renderDictionary(nil))
}

func TestWatchModelFollowsSnapshotsAndQuits(t *testing.T) {
	t.Parallel()

	updates := make(chan session.Model, 1)
	model := newWatchModel(session.NewModel(0), updates)

	next := session.NewModel(0)
	next.Status = domain.ConnectionConnecting
	updated, cmd := model.Update(snapshotMsg{model: next})
	require.NotNil(t, cmd)
	require.Contains(t, updated.View(), "Keyvox · connecting")

	updated, cmd = updated.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	require.IsType(t, tea.QuitMsg{}, cmd())
	require.Empty(t, updated.View())
}

func TestWaitForSnapshotReportsClosedChannel(t *testing.T) {
	t.Parallel()

	updates := make(chan session.Model)
	close(updates)
	require.IsType(t, updatesClosedMsg{}, waitForSnapshot(updates)())
}

func TestWaitForJobStopsAtTerminalStatus(t *testing.T) {
	t.Parallel()

	updates := make(chan session.Model, 3)
	for _, job := range []domain.BackgroundJob{
		{Kind: domain.JobDownload, Status: domain.JobDownloading, ProgressPct: 10, Active: true},
		{Kind: domain.JobDownload, Status: domain.JobDownloading, ProgressPct: 70, Active: true},
		{Kind: domain.JobDownload, Status: domain.JobCompleted, ProgressPct: 100},
	} {
		m := session.NewModel(0)
		m.Jobs[domain.JobDownload] = job
		updates <- m
	}

	var seen []int
	job, err := waitForJob(context.Background(), updates, domain.JobDownload, func(j domain.BackgroundJob) {
		seen = append(seen, j.ProgressPct)
	})
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, job.Status)
	require.Equal(t, []int{10, 70, 100}, seen)
}

func TestSubscribeLatestKeepsNewestSnapshot(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := session.NewStore(0)
	go store.Run(ctx)

	updates, unsubscribe := subscribeLatest(store)
	defer unsubscribe()

	store.Dispatch(session.StatusChanged{Status: domain.ConnectionConnecting})
	store.Dispatch(session.OwnershipChanged{Ownership: domain.OwnershipManaged})
	require.NoError(t, store.Sync(ctx))

	latest := <-updates
	require.Equal(t, domain.OwnershipManaged, latest.Ownership)
}

func TestDictImportDryRunNeedsNoEngine(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "words.txt")
	require.NoError(t, os.WriteFile(path, []byte("# team\ngh => GitHub\nkay eight s => Kubernetes\n"), 0o600))

	var out bytes.Buffer
	err := Execute(context.Background(), []string{"dict", "import", "--dry-run", path}, &out, &out)
	require.NoError(t, err)
	require.Contains(t, out.String(), "GitHub")
	require.Contains(t, out.String(), "kay eight s")
}

func TestDictListReadsRunningEngine(t *testing.T) {
	isolate(t)
	t.Setenv("KEYVOXDESK_BACKEND_DEFAULT_PORT", startEngine(t))

	var out bytes.Buffer
	err := Execute(context.Background(), []string{"dict", "list"}, &out, &out)
	require.NoError(t, err)
	require.Contains(t, out.String(), "gh")
	require.Contains(t, out.String(), "=> GitHub")
}

func TestSendPrintsCommandResult(t *testing.T) {
	isolate(t)
	t.Setenv("KEYVOXDESK_BACKEND_DEFAULT_PORT", startEngine(t))

	var out bytes.Buffer
	err := Execute(context.Background(), []string{"send", "get_config"}, &out, &out)
	require.NoError(t, err)
	require.Contains(t, out.String(), `"model": "tiny"`)
}

func TestSendRejectsMalformedPayload(t *testing.T) {
	isolate(t)

	var out bytes.Buffer
	err := Execute(context.Background(), []string{"send", "get_history", "[1,2]"}, &out, &out)
	require.ErrorContains(t, err, "payload must be a JSON object")
}

func TestStatusFailsWithoutEngine(t *testing.T) {
	isolate(t)
	t.Setenv("KEYVOXDESK_BACKEND_DEFAULT_PORT", closedPort(t))
	t.Setenv("KEYVOXDESK_BACKEND_PROBE_TIMEOUT", "200ms")

	var out bytes.Buffer
	err := Execute(context.Background(), []string{"status"}, &out, &out)
	require.ErrorContains(t, err, "engine unavailable")
}

func TestHistoryCachedReadsLocalCache(t *testing.T) {
	home := isolate(t)
	dbPath := filepath.Join(home, "history.db")
	t.Setenv("KEYVOXDESK_CACHE_HISTORY_DB", dbPath)

	cache, err := historycache.Open(dbPath, 10)
	require.NoError(t, err)
	require.NoError(t, cache.Replace(context.Background(), []domain.HistoryEntry{
		{ID: 2, CreatedAt: "2026-10-19T09:00:00Z", Text: "ship the release", Status: "ok"},
	}))
	require.NoError(t, cache.Close())

	var out bytes.Buffer
	err = Execute(context.Background(), []string{"history", "--cached"}, &out, &out)
	require.NoError(t, err)
	require.Contains(t, out.String(), "ship the release")
}

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("KEYVOX_HOME", "")
	t.Setenv("KEYVOXDESK_BACKEND_PORT_WINDOW", "1")
	t.Setenv("KEYVOXDESK_CACHE_STATE_FILE", filepath.Join(home, "state.json"))
	return home
}

func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	return port
}

// startEngine serves a minimal engine that answers every command with ok.
func startEngine(t *testing.T) string {
	t.Helper()

	results := map[string]string{
		"get_config":     `{"hotkey":"ctrl_r","backend":"faster-whisper","model":"tiny"}`,
		"get_dictionary": `{"entries":{"gh":"GitHub"}}`,
		"get_history":    `{"entries":[]}`,
	}
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var cmd map[string]any
			if err := ws.ReadJSON(&cmd); err != nil {
				return
			}
			cmdType, _ := cmd["type"].(string)
			result, ok := results[cmdType]
			if !ok {
				result = `{}`
			}
			requestID, _ := cmd["request_id"].(string)
			frame := `{"type":"response","protocol_version":"1","request_id":"` + requestID +
				`","response_type":"` + cmdType + `","ok":true,"result":` + result + `}`
			_ = ws.SetWriteDeadline(time.Now().Add(time.Second))
			if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	_, port, err := net.SplitHostPort(strings.TrimPrefix(server.URL, "http://"))
	require.NoError(t, err)
	return port
}
