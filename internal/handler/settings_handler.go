package handler

import (
	"net/http"

	"aibench/internal/provider"
	"aibench/internal/service"

	"github.com/gin-gonic/gin"
)

type SettingsHandler struct {
	settings *service.SettingsService
	registry *provider.Registry
}

func NewSettingsHandler(settings *service.SettingsService, registry *provider.Registry) *SettingsHandler {
	return &SettingsHandler{settings: settings, registry: registry}
}

// GetSettings key 以掩码形式返回
func (h *SettingsHandler) GetSettings(c *gin.Context) {
	view, err := h.settings.Get(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"settings": view,
	})
}

func (h *SettingsHandler) UpdateSettings(c *gin.Context) {
	var req service.UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	view, err := h.settings.Update(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"settings": view,
	})
}

// ListProviders 已注册的 provider 及是否需要 key
func (h *SettingsHandler) ListProviders(c *gin.Context) {
	names := h.registry.Names()
	providers := make([]gin.H, 0, len(names))
	for _, name := range names {
		providers = append(providers, gin.H{
			"name":             name,
			"requires_api_key": h.registry.RequiresAPIKey(name),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"providers": providers,
	})
}
