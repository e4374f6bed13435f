package simnode

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the subset of spex.conf the node cares about.
// The file uses the bitcoind format: key=value lines grouped under
// bracketed network sections, with # comments. Only the [regtest]
// section is read.
type Config struct {
	RPCUser     string
	RPCPassword string
	RPCPort     int

	// Listen controls whether the node accepts peer connections.
	// The simulator has no peers, so this is parsed and ignored.
	Listen bool
}

// LoadConfig reads a spex.conf file.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	section := ""

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.Trim(line, "[]")
			continue
		}
		if section != "regtest" {
			continue
		}

		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return Config{}, fmt.Errorf("malformed config line %q", line)
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)

		switch k {
		case "rpcuser":
			cfg.RPCUser = v
		case "rpcpassword":
			cfg.RPCPassword = v
		case "rpcport":
			p, err := strconv.Atoi(v)
			if err != nil {
				return Config{}, fmt.Errorf("invalid rpcport %q: %w", v, err)
			}
			cfg.RPCPort = p
		case "listen":
			cfg.Listen = v == "1"
		default:
			// Unknown keys are tolerated, like bitcoind does.
		}
	}
	if err := sc.Err(); err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	if cfg.RPCPort == 0 {
		return Config{}, fmt.Errorf("config %s does not set rpcport in [regtest]", path)
	}
	return cfg, nil
}
