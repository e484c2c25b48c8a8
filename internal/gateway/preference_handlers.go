package gateway

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vrabby/vrabby/internal/agent"
	"github.com/vrabby/vrabby/internal/project"
)

// PreferenceResponse is the stored per-project agent/model preference.
type PreferenceResponse struct {
	ProjectID       string     `json:"project_id"`
	PreferredAgent  agent.Kind `json:"preferred_agent"`
	PreferredModel  string     `json:"preferred_model,omitempty"`
	FallbackEnabled bool       `json:"fallback_enabled"`
	Warning         string     `json:"warning,omitempty"`
}

// SetPreferenceRequest changes the preferred agent and/or the fallback
// toggle. Either field alone is a valid request.
type SetPreferenceRequest struct {
	Agent           string `json:"agent"`
	FallbackEnabled *bool  `json:"fallback_enabled"`
}

// SetModelRequest changes the preferred model. An empty model reverts to the
// agent's default.
type SetModelRequest struct {
	Model string `json:"model"`
}

func preferenceResponse(p *project.Project) PreferenceResponse {
	return PreferenceResponse{
		ProjectID:       p.ID,
		PreferredAgent:  p.PreferredAgent,
		PreferredModel:  p.PreferredModel,
		FallbackEnabled: p.FallbackEnabled,
	}
}

func (s *Server) handleGetPreference(c *gin.Context) {
	proj, err := s.projects.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, s.logger, err, "project not found")
		return
	}
	c.JSON(http.StatusOK, preferenceResponse(proj))
}

func (s *Server) handleSetPreference(c *gin.Context) {
	var req SetPreferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Agent == "" && req.FallbackEnabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent or fallback_enabled is required"})
		return
	}

	proj, err := s.projects.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, s.logger, err, "project not found")
		return
	}

	if req.Agent != "" {
		kind, err := agent.ParseKind(req.Agent)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		proj.PreferredAgent = kind
	}
	if req.FallbackEnabled != nil {
		proj.FallbackEnabled = *req.FallbackEnabled
	}

	if err := s.projects.Update(c.Request.Context(), proj); err != nil {
		respondStoreError(c, s.logger, err, "project not found")
		return
	}
	c.JSON(http.StatusOK, preferenceResponse(proj))
}

func (s *Server) handleSetModelPreference(c *gin.Context) {
	var req SetModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	proj, err := s.projects.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, s.logger, err, "project not found")
		return
	}

	if err := s.projects.SetPreferredModel(c.Request.Context(), proj.ID, req.Model); err != nil {
		respondStoreError(c, s.logger, err, "project not found")
		return
	}
	proj.PreferredModel = req.Model

	resp := preferenceResponse(proj)
	if req.Model != "" {
		if _, ok := s.registry.ResolveModel(proj.PreferredAgent, req.Model); !ok {
			resp.Warning = fmt.Sprintf("model %q is not in %s's model table; runs will use the agent default", req.Model, proj.PreferredAgent)
		}
	}
	c.JSON(http.StatusOK, resp)
}
