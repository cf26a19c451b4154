package protocol

import (
	"encoding/json"

	"keyvoxdesk/internal/domain"
)

// Command names understood by the engine.
const (
	CmdPing                = "ping"
	CmdGetCapabilities     = "get_capabilities"
	CmdGetConfig           = "get_config"
	CmdGetHistory          = "get_history"
	CmdGetDictionary       = "get_dictionary"
	CmdSetDictionary       = "set_dictionary"
	CmdDeleteDictionary    = "delete_dictionary"
	CmdGetStorageStatus    = "get_storage_status"
	CmdSetStorageRoot      = "set_storage_root"
	CmdDownloadModel       = "download_model"
	CmdValidateModelConfig = "validate_model_config"
	CmdShutdown            = "shutdown"
)

// CapabilitiesResult is kept as a raw object; the desktop only displays it.
type CapabilitiesResult struct {
	Capabilities json.RawMessage `json:"capabilities"`
}

type HistoryResult struct {
	Entries []domain.HistoryEntry `json:"entries"`
	Total   int                   `json:"total,omitempty"`
}

type DictionaryResult struct {
	Entries map[string]string `json:"entries"`
}

type ValidateModelResult struct {
	Backend string   `json:"backend"`
	Model   string   `json:"model"`
	Valid   bool     `json:"valid"`
	Issues  []string `json:"issues,omitempty"`
}

type DownloadModelResult struct {
	Status domain.JobStatus `json:"status"`
	Model  string           `json:"model"`
}
