package runtime

import (
	"os"
	"strings"
	"sync"
)

// BuildInfo is the static build metadata logged at stage startup.
type BuildInfo struct {
	Version string
	Commit  string
}

var (
	buildInfoOnce sync.Once
	buildInfo     BuildInfo
)

// ReadBuildInfo reads VERSION and GITHUB_SHA files from dir, falling
// back to "dev" when they are absent. The empty dir means the working
// directory; that result is cached for the process.
func ReadBuildInfo(dir string) BuildInfo {
	if dir == "" {
		buildInfoOnce.Do(func() { buildInfo = readBuildInfo(".") })
		return buildInfo
	}
	return readBuildInfo(dir)
}

func readBuildInfo(dir string) BuildInfo {
	info := BuildInfo{Version: "dev"}
	if data, err := os.ReadFile(dir + "/VERSION"); err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			info.Version = v
		}
	}
	if data, err := os.ReadFile(dir + "/GITHUB_SHA"); err == nil {
		info.Commit = strings.TrimSpace(string(data))
	}
	return info
}
