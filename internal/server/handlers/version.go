package handlers

import (
	"net/http"
	"runtime"
	"sync"

	"github.com/go-chi/render"
)

// VersionReply is the body of GET /version.
type VersionReply struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

func (v VersionReply) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

var (
	versionMu   sync.RWMutex
	versionInfo = VersionReply{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

// SetVersionInfo records build metadata reported by VersionHandler.
func SetVersionInfo(version, commit, buildDate string) {
	versionMu.Lock()
	defer versionMu.Unlock()
	versionInfo = VersionReply{Version: version, Commit: commit, BuildDate: buildDate}
}

// VersionHandler serves build metadata.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	versionMu.RLock()
	reply := versionInfo
	versionMu.RUnlock()
	reply.GoVersion = runtime.Version()
	_ = render.Render(w, r, reply)
}
