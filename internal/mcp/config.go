// Package mcp locates the MCP server configuration file passed through
// to the Claude CLI. The lookup runs lazily, once per process, and the
// result is memoized; it is deliberately kept out of the dispatch hot
// path.
package mcp

import (
	"os"
	"path/filepath"
	"sync"
)

var (
	once       sync.Once
	cachedPath string
)

// candidatePaths returns the search order for the MCP config file: the
// working directory's project file first, then the user-level file.
func candidatePaths() []string {
	paths := []string{".mcp.json", filepath.Join(".claude", "mcp.json")}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".claude", "mcp.json"))
	}
	return paths
}

// ConfigPath returns the path of the MCP server config file, or "" when
// none exists. The first call performs the filesystem probe; later
// calls return the memoized answer.
func ConfigPath() string {
	once.Do(func() {
		for _, p := range candidatePaths() {
			if info, err := os.Stat(p); err == nil && !info.IsDir() {
				cachedPath = p
				return
			}
		}
	})
	return cachedPath
}
