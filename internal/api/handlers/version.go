package handlers

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"
)

// VersionInfo contains build information of the running binary.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
	GoVersion string `json:"go_version"`
}

// VersionHandler serves build information.
type VersionHandler struct {
	info VersionInfo
}

// NewVersionHandler creates a new VersionHandler.
func NewVersionHandler(version, commit, buildDate string) *VersionHandler {
	return &VersionHandler{
		info: VersionInfo{
			Version:   version,
			Commit:    commit,
			BuildDate: buildDate,
			GoVersion: runtime.Version(),
		},
	}
}

// RegisterPublicRoutes registers the version route.
func (h *VersionHandler) RegisterPublicRoutes(r *gin.Engine) {
	r.GET("/version", h.Get)
}

// Get returns the version information.
// GET /version
func (h *VersionHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, h.info)
}
