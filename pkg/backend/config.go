// Package backend holds the upstream server list: loading it from the JSON
// configuration file and selecting the next server round-robin.
package backend

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"

	"github.com/WhileEndless/go-rawproxy/pkg/errors"
)

// Backend is one upstream HTTP/1.1 server. Immutable after load.
type Backend struct {
	Host string `json:"ip"`
	Port int    `json:"port"`
}

// Addr returns the host:port pool key for this backend.
func (b Backend) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

type fileConfig struct {
	BackendServers []Backend `json:"backend_servers"`
}

// Load reads the backend list from path. The file must contain a JSON object
// with a non-empty "backend_servers" array; list order dictates round-robin
// order. Loaded once at start-up, no hot-reload.
func Load(path string) ([]Backend, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfigError(path, "reading file", err)
	}

	var cfg fileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.NewConfigError(path, "decoding JSON", err)
	}

	if len(cfg.BackendServers) == 0 {
		return nil, errors.NewConfigError(path, `missing or empty "backend_servers"`, nil)
	}

	for i, b := range cfg.BackendServers {
		if b.Host == "" {
			return nil, errors.NewConfigError(path, fmt.Sprintf("backend %d: missing ip", i), nil)
		}
		if b.Port <= 0 || b.Port > 65535 {
			return nil, errors.NewConfigError(path, fmt.Sprintf("backend %d: port %d out of range", i, b.Port), nil)
		}
	}

	return cfg.BackendServers, nil
}
