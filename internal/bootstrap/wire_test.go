package bootstrap

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"keyvoxdesk/internal/domain"
	"keyvoxdesk/internal/lifecycle"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("KEYVOX_HOME", "")
	return home
}

func TestBuildSuccess(t *testing.T) {
	isolate(t)

	services, err := Build(Options{Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer services.Close(context.Background())

	if services.Controller == nil || services.Client == nil || services.Store == nil {
		t.Fatalf("expected a fully wired graph")
	}
	if services.Config.Backend.DefaultPort != 9876 {
		t.Fatalf("unexpected default port: %d", services.Config.Backend.DefaultPort)
	}
	if services.cache == nil {
		t.Fatalf("expected history cache under the config dir")
	}
}

func TestBuildFailsOnInvalidConfig(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, "bad.toml")
	if err := os.WriteFile(path, []byte("[reconnect]\nmax_attempts = 0\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if _, err := Build(Options{ConfigPath: path, Logger: zap.NewNop()}); err == nil {
		t.Fatalf("expected build error due to invalid config")
	}
}

func TestAttachHydratesFromRunningEngine(t *testing.T) {
	home := isolate(t)
	port := startEngine(t)
	t.Setenv("KEYVOXDESK_BACKEND_DEFAULT_PORT", port)
	t.Setenv("KEYVOXDESK_BACKEND_PORT_WINDOW", "1")
	t.Setenv("KEYVOXDESK_CACHE_STATE_FILE", filepath.Join(home, "state.json"))

	services, err := Build(Options{Logger: zap.NewNop(), NoCache: true})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	services.RunStore(ctx)
	defer services.Close(context.Background())

	bound, err := services.Attach(ctx)
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if services.State.LastPort() != bound {
		t.Fatalf("bound port %d not remembered", bound)
	}

	snap := services.Controller.Snapshot()
	if snap.Status != domain.ConnectionConnected {
		t.Fatalf("unexpected status: %s", snap.Status)
	}
	if snap.Config == nil || snap.Config.Model != "tiny" {
		t.Fatalf("config not hydrated: %+v", snap.Config)
	}
	if snap.Dictionary["gh"] != "GitHub" || !snap.DictionaryHydrated {
		t.Fatalf("dictionary not hydrated: %+v", snap.Dictionary)
	}
}

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
			frame := `{"type":"response","protocol_version":"1","request_id":"` + cmd["request_id"].(string) +
				`","response_type":"` + cmdType + `","ok":true,"result":` + result + `}`
			if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	_, port, err := net.SplitHostPort(strings.TrimPrefix(server.URL, "http://"))
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	return port
}

func TestServeMetricsExposesRegistry(t *testing.T) {
	isolate(t)

	services, err := Build(Options{Logger: zap.NewNop(), NoCache: true})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if err := services.ServeMetrics("127.0.0.1:0"); err != nil {
		t.Fatalf("serve metrics: %v", err)
	}
	if err := services.ServeMetrics("127.0.0.1:0"); err == nil {
		t.Fatalf("expected error when serving twice")
	}
	services.Metrics.IncDecodeErrors()

	resp, err := http.Get("http://" + services.MetricsAddr() + "/metrics")
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "keyvoxdesk_decode_errors_total 1") {
		t.Fatalf("decode error counter not exposed:\n%s", body)
	}

	if err := services.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if services.MetricsAddr() != "" {
		t.Fatalf("metrics endpoint still registered after close")
	}
}

func TestStartAfterCloseAcquiresNothing(t *testing.T) {
	isolate(t)

	services, err := Build(Options{Logger: zap.NewNop(), NoCache: true})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if err := services.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := services.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := services.ServeMetrics("127.0.0.1:0"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from ServeMetrics, got %v", err)
	}
	if services.Coordinator.Phase() != lifecycle.PhaseUnattempted {
		t.Fatalf("unexpected phase: %s", services.Coordinator.Phase())
	}
}
