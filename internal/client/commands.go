package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"keyvoxdesk/internal/domain"
	"keyvoxdesk/internal/protocol"
)

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.SendCommand(ctx, protocol.CmdPing, nil, 0)
	return err
}

func (c *Client) GetCapabilities(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.SendCommand(ctx, protocol.CmdGetCapabilities, nil, 0)
	if err != nil {
		return nil, err
	}
	var result protocol.CapabilitiesResult
	if err := resp.DecodeResult(&result); err != nil {
		return nil, err
	}
	if len(result.Capabilities) == 0 {
		return resp.Result, nil
	}
	return result.Capabilities, nil
}

func (c *Client) GetConfig(ctx context.Context) (domain.EngineConfig, error) {
	resp, err := c.SendCommand(ctx, protocol.CmdGetConfig, nil, 0)
	if err != nil {
		return domain.EngineConfig{}, err
	}
	var cfg domain.EngineConfig
	if err := resp.DecodeResult(&cfg); err != nil {
		return domain.EngineConfig{}, err
	}
	return cfg, nil
}

func (c *Client) GetHistory(ctx context.Context, limit, offset int) ([]domain.HistoryEntry, error) {
	payload := map[string]any{}
	if limit > 0 {
		payload["limit"] = limit
	}
	if offset > 0 {
		payload["offset"] = offset
	}
	resp, err := c.SendCommand(ctx, protocol.CmdGetHistory, payload, 0)
	if err != nil {
		return nil, err
	}
	var result protocol.HistoryResult
	if err := resp.DecodeResult(&result); err != nil {
		return nil, err
	}
	return result.Entries, nil
}

func (c *Client) GetDictionary(ctx context.Context) (map[string]string, error) {
	resp, err := c.SendCommand(ctx, protocol.CmdGetDictionary, nil, 0)
	if err != nil {
		return nil, err
	}
	var result protocol.DictionaryResult
	if err := resp.DecodeResult(&result); err != nil {
		return nil, err
	}
	if result.Entries == nil {
		result.Entries = map[string]string{}
	}
	return result.Entries, nil
}

// SetDictionary upserts one correction. Keys are case-insensitive and are
// sent lowercased.
func (c *Client) SetDictionary(ctx context.Context, key, value string) error {
	key = strings.ToLower(strings.TrimSpace(key))
	value = strings.TrimSpace(value)
	if key == "" || value == "" {
		return fmt.Errorf("dictionary key and value must be non-empty")
	}
	_, err := c.SendCommand(ctx, protocol.CmdSetDictionary, map[string]any{"key": key, "value": value}, 0)
	return err
}

func (c *Client) DeleteDictionary(ctx context.Context, key string) error {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return fmt.Errorf("dictionary key must be non-empty")
	}
	_, err := c.SendCommand(ctx, protocol.CmdDeleteDictionary, map[string]any{"key": key}, 0)
	return err
}

func (c *Client) GetStorageStatus(ctx context.Context) (domain.StorageStatus, error) {
	resp, err := c.SendCommand(ctx, protocol.CmdGetStorageStatus, nil, 0)
	if err != nil {
		return domain.StorageStatus{}, err
	}
	var status domain.StorageStatus
	if err := resp.DecodeResult(&status); err != nil {
		return domain.StorageStatus{}, err
	}
	return status, nil
}

// SetStorageRoot starts a storage migration. Progress arrives as
// storage_migration events; the response only acknowledges the request.
func (c *Client) SetStorageRoot(ctx context.Context, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("storage root must be non-empty")
	}
	_, err := c.SendCommand(ctx, protocol.CmdSetStorageRoot, map[string]any{"path": path}, 0)
	return err
}

// DownloadModel requests a model download. Progress arrives as
// model_download_progress events.
func (c *Client) DownloadModel(ctx context.Context, backend, model string) (protocol.DownloadModelResult, error) {
	if strings.TrimSpace(model) == "" {
		return protocol.DownloadModelResult{}, fmt.Errorf("model must be non-empty")
	}
	payload := map[string]any{"model": model}
	if backend != "" {
		payload["backend"] = backend
	}
	resp, err := c.SendCommand(ctx, protocol.CmdDownloadModel, payload, 0)
	if err != nil {
		return protocol.DownloadModelResult{}, err
	}
	var result protocol.DownloadModelResult
	if len(resp.Result) > 0 {
		if err := resp.DecodeResult(&result); err != nil {
			return protocol.DownloadModelResult{}, err
		}
	}
	if result.Model == "" {
		result.Model = model
	}
	return result, nil
}

func (c *Client) ValidateModelConfig(ctx context.Context, backend, model, device string) (protocol.ValidateModelResult, error) {
	payload := map[string]any{"backend": backend, "model": model}
	if device != "" {
		payload["device"] = device
	}
	resp, err := c.SendCommand(ctx, protocol.CmdValidateModelConfig, payload, 0)
	if err != nil {
		return protocol.ValidateModelResult{}, err
	}
	var result protocol.ValidateModelResult
	if err := resp.DecodeResult(&result); err != nil {
		return protocol.ValidateModelResult{}, err
	}
	if result.Backend == "" {
		result.Backend = backend
	}
	if result.Model == "" {
		result.Model = model
	}
	return result, nil
}

// Shutdown asks the engine to exit. The engine may close the socket before
// replying, so a disconnect is treated as success.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.SendCommand(ctx, protocol.CmdShutdown, nil, 0)
	if errors.Is(err, ErrSocketDisconnected) {
		return nil
	}
	return err
}
