package nodeconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Bootstrap is the minimal local agent.yaml read before the node has ever
// talked to the control plane: just enough to dial the first poll. Every
// other setting (poll period, bin_path, program list) comes from the
// control-plane-synced NodeConfig once reachable.
type Bootstrap struct {
	Host       string `yaml:"host"`
	DataPort   int    `yaml:"data_port"`
	FilePort   int    `yaml:"file_port"`
	StreamPort int    `yaml:"stream_port"`
}

// LoadBootstrap reads agent.yaml. Returns the zero Bootstrap, not an error,
// if the file does not exist; the caller decides whether an empty host is
// fatal (cmd/agentd refuses to start without one).
func LoadBootstrap(path string) (Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Bootstrap{}, nil
		}
		return Bootstrap{}, fmt.Errorf("reading bootstrap file %s: %w", path, err)
	}
	var b Bootstrap
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Bootstrap{}, fmt.Errorf("parsing bootstrap file %s: %w", path, err)
	}
	return b, nil
}
