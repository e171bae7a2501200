package handlers

import "net/http"

// VersionInfo carries build-time identity, set from main via ldflags.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

var versionInfo = VersionInfo{Version: "dev", Commit: "HEAD", BuildDate: "unknown"}

// SetVersionInfo records the build identity served by /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo = VersionInfo{Version: version, Commit: commit, BuildDate: buildDate}
}

// VersionHandler serves GET /version.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, versionInfo)
}
