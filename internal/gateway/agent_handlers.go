package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vrabby/vrabby/internal/agent"
)

// AgentStatus describes one CLI agent for the status grid: the availability
// probe plus the model table clients may pick from.
type AgentStatus struct {
	Agent     agent.Kind `json:"agent"`
	Preferred bool       `json:"preferred,omitempty"`
	agent.Availability
	Models []agent.ModelInfo `json:"models,omitempty"`
}

// CLIStatusResponse lists every registered agent for a project.
type CLIStatusResponse struct {
	ProjectID      string        `json:"project_id"`
	PreferredAgent agent.Kind    `json:"preferred_agent"`
	Agents         []AgentStatus `json:"agents"`
}

func (s *Server) handleCLIStatus(c *gin.Context) {
	proj, err := s.projects.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, s.logger, err, "project not found")
		return
	}

	snapshot := s.registry.Snapshot(c.Request.Context())
	kinds := s.registry.Kinds()
	agents := make([]AgentStatus, 0, len(kinds))
	for _, kind := range kinds {
		agents = append(agents, AgentStatus{
			Agent:        kind,
			Preferred:    kind == proj.PreferredAgent,
			Availability: snapshot[kind],
			Models:       s.registry.Models(kind),
		})
	}

	c.JSON(http.StatusOK, CLIStatusResponse{
		ProjectID:      proj.ID,
		PreferredAgent: proj.PreferredAgent,
		Agents:         agents,
	})
}

func (s *Server) handleAgentStatus(c *gin.Context) {
	proj, err := s.projects.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, s.logger, err, "project not found")
		return
	}

	kind, err := agent.ParseKind(c.Param("agent"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	av, err := s.registry.Availability(c.Request.Context(), kind)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not registered"})
		return
	}

	c.JSON(http.StatusOK, AgentStatus{
		Agent:        kind,
		Preferred:    kind == proj.PreferredAgent,
		Availability: av,
		Models:       s.registry.Models(kind),
	})
}
