package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/gophsync/internal/flagx"
	"github.com/dmitrijs2005/gophsync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Empty
// values keep what the earlier stage set.
type JsonConfig struct {
	ServerURL    string         `json:"server_url"`
	Namespace    string         `json:"namespace"`
	Token        string         `json:"token"`
	IdentityFile string         `json:"identity_file"`
	DatabasePath string         `json:"database_path"`
	MaxFrameSize int            `json:"max_frame_size"`
	SyncTimeout  timex.Duration `json:"sync_timeout"`
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// parseJson overlays Config with values loaded from the file named by -c
// or -config. Read or unmarshal errors panic.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	setString(&cfg.ServerURL, jc.ServerURL)
	setString(&cfg.Namespace, jc.Namespace)
	setString(&cfg.Token, jc.Token)
	setString(&cfg.IdentityFile, jc.IdentityFile)
	setString(&cfg.DatabasePath, jc.DatabasePath)
	if jc.MaxFrameSize > 0 {
		cfg.MaxFrameSize = jc.MaxFrameSize
	}
	if jc.SyncTimeout.Duration > 0 {
		cfg.SyncTimeout = jc.SyncTimeout.Duration
	}
}
