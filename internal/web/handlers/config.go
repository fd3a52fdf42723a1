package handlers

import (
	"net/http"

	"github.com/kozaktomas/doorbell/internal/config"
	"github.com/kozaktomas/doorbell/internal/recognizer"
)

// ConfigHandler handles configuration endpoints
type ConfigHandler struct {
	config *config.Config
	svc    *recognizer.Service
}

// NewConfigHandler creates a new config handler
func NewConfigHandler(cfg *config.Config, svc *recognizer.Service) *ConfigHandler {
	return &ConfigHandler{
		config: cfg,
		svc:    svc,
	}
}

// ConfigResponse represents the configuration response
type ConfigResponse struct {
	SimThreshold  float32 `json:"sim_threshold"`
	TopK          int     `json:"top_k"`
	UnknownDupSim float64 `json:"unknown_dup_sim"`
	EmbedDim      int     `json:"embed_dim"`
	StrictDim     bool    `json:"strict_dim"`
	EmbeddingURL  string  `json:"embedding_url"`
	MQTTEnabled   bool    `json:"mqtt_enabled"`
}

// Get returns the effective matching configuration
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	engine := h.svc.Engine()
	respondJSON(w, http.StatusOK, ConfigResponse{
		SimThreshold:  engine.SimThreshold(),
		TopK:          engine.TopK(),
		UnknownDupSim: h.config.Match.UnknownDupSim,
		EmbedDim:      h.svc.Store().Dim(),
		StrictDim:     h.config.Match.StrictDim,
		EmbeddingURL:  h.config.Embedding.URL,
		MQTTEnabled:   h.config.MQTT.Broker != "",
	})
}
