package config

import (
	"os"
	"path/filepath"
)

const defaultBaseDir = ".io-mcp"

// Paths holds resolved filesystem paths for io-mcp data.
type Paths struct {
	Base   string // ~/.io-mcp
	Config string // ~/.io-mcp/config.yaml
	Cache  string // ~/.io-mcp/cache (TTS artifacts)
	Logs   string // ~/.io-mcp/logs
}

// ResolvePaths computes all standard paths from the home directory.
// If IO_MCP_HOME is set, it overrides the default base directory.
func ResolvePaths() (Paths, error) {
	base := os.Getenv("IO_MCP_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, err
		}
		base = filepath.Join(home, defaultBaseDir)
	}

	return Paths{
		Base:   base,
		Config: filepath.Join(base, "config.yaml"),
		Cache:  filepath.Join(base, "cache"),
		Logs:   filepath.Join(base, "logs"),
	}, nil
}

// EnsureDirs creates all standard directories if they don't exist.
func (p Paths) EnsureDirs() error {
	for _, d := range []string{p.Base, p.Cache, p.Logs} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}
