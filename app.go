package main

import (
	"context"
	"fmt"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"
	"go.uber.org/zap"

	"keyvoxdesk/internal/bootstrap"
	"keyvoxdesk/internal/domain"
	"keyvoxdesk/internal/session"
	"keyvoxdesk/internal/usecase"
)

const (
	eventSession = "keyvox:session"
	eventNotice  = "keyvox:notice"

	shutdownTimeout = 5 * time.Second
)

// App is the Wails application root.
type App struct {
	ctx        context.Context
	configPath string

	services *bootstrap.Services
	bootErr  error
}

func NewApp(configPath string) *App {
	return &App{configPath: configPath}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(bootstrap.Options{
		ConfigPath: a.configPath,
		Shell:      a,
		Events:     a,
		Clipboard:  &wailsClipboard{},
	})
	if err != nil {
		a.bootErr = err
		a.Notice(domain.Notice{Level: domain.NoticeBlocking, Code: domain.ErrorCodeStartup, Message: "Startup failed", Detail: err.Error()})
		return
	}
	a.services = services

	go func() {
		if err := services.Start(ctx); err != nil {
			services.Logger.Warn("engine session not acquired", zap.Error(err))
		}
	}()
}

func (a *App) shutdown(_ context.Context) {
	if a.services == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.services.Close(ctx); err != nil {
		a.services.Logger.Warn("shutdown incomplete", zap.Error(err))
	}
}

// GetSnapshot returns the current session model.
func (a *App) GetSnapshot() (session.Model, error) {
	controller, err := a.controller()
	if err != nil {
		return session.NewModel(0), err
	}
	return controller.Snapshot(), nil
}

// StartBackend attaches to or launches the engine.
func (a *App) StartBackend() (int, error) {
	controller, err := a.controller()
	if err != nil {
		return 0, err
	}
	return controller.StartBackend(a.ctx)
}

// StopBackend shuts the engine down.
func (a *App) StopBackend() error {
	controller, err := a.controller()
	if err != nil {
		return err
	}
	return controller.StopBackend(a.ctx)
}

// Reconnect performs one immediate reconnect attempt.
func (a *App) Reconnect() (int, error) {
	controller, err := a.controller()
	if err != nil {
		return 0, err
	}
	return controller.ManualReconnect(a.ctx)
}

// Refresh reloads every cached value from the engine.
func (a *App) Refresh() error {
	controller, err := a.controller()
	if err != nil {
		return err
	}
	return controller.Refresh(a.ctx)
}

func (a *App) SetDictionaryEntry(key, value string) error {
	controller, err := a.controller()
	if err != nil {
		return err
	}
	return controller.SetDictionary(a.ctx, key, value)
}

func (a *App) DeleteDictionaryEntry(key string) error {
	controller, err := a.controller()
	if err != nil {
		return err
	}
	return controller.DeleteDictionary(a.ctx, key)
}

func (a *App) DownloadModel(backend, model string) (string, error) {
	controller, err := a.controller()
	if err != nil {
		return "", err
	}
	status, err := controller.DownloadModel(a.ctx, backend, model)
	return string(status), err
}

// PickStorageFolder opens a folder picker; an empty result means cancelled.
func (a *App) PickStorageFolder() (string, error) {
	controller, err := a.controller()
	if err != nil {
		return "", err
	}
	return controller.PickStorageFolder(a.ctx)
}

func (a *App) MigrateStorage(path string) error {
	controller, err := a.controller()
	if err != nil {
		return err
	}
	return controller.MigrateStorage(a.ctx, path)
}

func (a *App) ValidateModelConfig(backend, model, device string) (domain.ValidationResult, error) {
	controller, err := a.controller()
	if err != nil {
		return domain.ValidationResult{}, err
	}
	return controller.ValidateModelConfig(a.ctx, backend, model, device)
}

// PreviewCorrections applies the cached dictionary to text.
func (a *App) PreviewCorrections(text string) (usecase.Preview, error) {
	controller, err := a.controller()
	if err != nil {
		return usecase.Preview{}, err
	}
	return controller.PreviewCorrections(text), nil
}

func (a *App) CopyText(text string) error {
	controller, err := a.controller()
	if err != nil {
		return err
	}
	return controller.CopyText(a.ctx, text)
}

func (a *App) DismissError() {
	if controller, err := a.controller(); err == nil {
		controller.DismissError()
	}
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}
	if a.services == nil {
		return map[string]string{}
	}
	cfg := a.services.Config
	return map[string]string{
		"backendCommand": a.services.Host.ResolveCommand(cfg.Backend.Command),
		"host":           cfg.Backend.Host,
		"defaultPort":    fmt.Sprint(cfg.Backend.DefaultPort),
		"portWindow":     fmt.Sprint(cfg.Backend.PortWindow),
		"historyCache":   cfg.Cache.HistoryDB,
		"ownership":      string(a.services.Coordinator.Ownership()),
	}
}

func (a *App) controller() (*usecase.Controller, error) {
	if a.bootErr != nil {
		return nil, a.bootErr
	}
	if a.services == nil {
		return nil, fmt.Errorf("application is not initialized")
	}
	return a.services.Controller, nil
}

// SessionChanged emits a session snapshot to the frontend.
func (a *App) SessionChanged(snapshot session.Model) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventSession, snapshot)
}

// Notice emits a user-visible notice to the frontend.
func (a *App) Notice(notice domain.Notice) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventNotice, map[string]string{
		"level":   string(notice.Level),
		"code":    string(notice.Code),
		"title":   noticeTitle(notice.Code),
		"message": notice.Message,
		"detail":  notice.Detail,
	})
}

// PickFolder opens the native directory dialog.
func (a *App) PickFolder(_ context.Context, title string) (string, error) {
	if a.ctx == nil {
		return "", fmt.Errorf("application is not initialized")
	}
	return runtime.OpenDirectoryDialog(a.ctx, runtime.OpenDialogOptions{
		Title:                title,
		CanCreateDirectories: true,
	})
}

// SetStatus shows the status indicator text in the window title.
func (a *App) SetStatus(text string) {
	if a.ctx == nil {
		return
	}
	runtime.WindowSetTitle(a.ctx, text)
}

func noticeTitle(code domain.ErrorCode) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Engine unavailable"
	case domain.ErrorCodeTransport:
		return "Connection lost"
	case domain.ErrorCodeCommand:
		return "Request failed"
	case domain.ErrorCodeProtocol:
		return "Unexpected message"
	case domain.ErrorCodeReconnectPaused:
		return "Reconnect paused"
	case domain.ErrorCodeHost:
		return "Desktop error"
	case domain.ErrorCodeEngine:
		return "Engine error"
	default:
		return "Error"
	}
}

type wailsClipboard struct{}

func (c *wailsClipboard) SetText(ctx context.Context, text string) error {
	return runtime.ClipboardSetText(ctx, text)
}
