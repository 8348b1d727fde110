package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qinjingliuan/berryllm-studio/internal/ai"
	"github.com/qinjingliuan/berryllm-studio/internal/common"
)

type providerView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Dialect    string     `json:"dialect"`
	APIURL     string     `json:"api_url"`
	Configured bool       `json:"configured"`
	Models     []ai.Model `json:"models"`
}

// ListProviders lists the provider table. API keys are never returned.
func (h *Handler) ListProviders(c *gin.Context) {
	descs := h.Registry.List()
	out := make([]providerView, 0, len(descs))
	for _, d := range descs {
		out = append(out, providerView{
			ID:         d.ID,
			Name:       d.Name,
			Dialect:    d.Dialect.String(),
			APIURL:     d.APIURL,
			Configured: d.APIURL != "" && (d.APIKey != "" || !d.Dialect.RequiresKey()),
			Models:     d.Models,
		})
	}
	common.OK(c, gin.H{"providers": out})
}

// TestProvider probes the provider endpoint with its credentials.
func (h *Handler) TestProvider(c *gin.Context) {
	providerID := c.Param("provider")
	start := time.Now()
	if err := h.Mux.TestConnection(c.Request.Context(), providerID); err != nil {
		failErr(c, "TestProvider", err)
		return
	}
	common.OK(c, gin.H{
		"provider":   providerID,
		"reachable":  true,
		"latency_ms": time.Since(start).Milliseconds(),
	})
}
