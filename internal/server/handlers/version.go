package handlers

import (
	"net/http"
	"runtime"
)

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// VersionHandler reports build information.
func VersionHandler(info BuildInfo) http.HandlerFunc {
	if info.Version == "" {
		info.Version = "dev"
	}
	info.GoVersion = runtime.Version()
	return func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, info)
	}
}
