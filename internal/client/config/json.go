package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/mkorolev/listsync/internal/flagx"
	"github.com/mkorolev/listsync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It relies on
// timex.Duration so JSON can specify intervals either as strings like "1s"
// or as integer nanoseconds. After parsing, values are copied into the
// runtime Config (which uses time.Duration).
type JsonConfig struct {
	ServerEndpointAddr string         `json:"server_endpoint_addr"`
	AccessToken        string         `json:"access_token"`
	DatabaseDSN        string         `json:"database_dsn"`
	ReconnectBase      timex.Duration `json:"reconnect_base"`
	ReconnectCap       timex.Duration `json:"reconnect_cap"`
}

// parseJson overlays Config with values loaded from a JSON file. The file
// path comes from the -c or -config command-line flags; when neither is set,
// no JSON is loaded. Panics on read or unmarshal errors.
//
// Intended usage is: defaults -> parseJson -> parseFlags, where later stages
// override earlier ones.
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

	cfg.ServerEndpointAddr = jc.ServerEndpointAddr
	cfg.AccessToken = jc.AccessToken
	cfg.DatabaseDSN = jc.DatabaseDSN
	cfg.ReconnectBase = time.Duration(jc.ReconnectBase.Duration)
	cfg.ReconnectCap = time.Duration(jc.ReconnectCap.Duration)
}
