package server

import (
	"time"

	"github.com/deploymate/deploymate/internal/application"
	"github.com/deploymate/deploymate/internal/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Deps wires the HTTP surface to the application core. The keyed mutex and
// job poller are shared with the background scheduler so user actions and
// periodic refreshes see one coherent state.
type Deps struct {
	Log       *zap.Logger
	Factory   domain.GatewayFactory
	Groups    domain.GroupStore
	History   domain.HistoryStore
	Scheduler *application.Scheduler
	Poller    *application.Poller
	Locks     *application.KeyedMutex

	OAuth        *oauth2.Config
	ClientOrigin string
	SessionTTL   time.Duration

	JobPollAttempts int
	JobPollInterval time.Duration
}

func New(deps Deps) *gin.Engine {
	r := gin.New()
	if gin.Mode() != gin.TestMode {
		r.Use(gin.Logger())
		r.Use(gin.Recovery())
	}

	h := &handlers{
		deps:     deps,
		sessions: NewSessionStore(deps.SessionTTL),
	}
	draw(r, h)
	return r
}

func draw(r *gin.Engine, h *handlers) {
	r.Use(h.cors)

	r.GET("/health", h.health)
	r.GET("/auth/gitlab", h.authRedirect)
	r.GET("/auth/gitlab/callback", h.authCallback)
	r.GET("/auth/logout", h.authLogout)
	r.GET("/auth/status", h.authStatus)

	{
		api := r.Group("/api", h.requireAuth)
		api.GET("/projects", h.listProjects)
		api.GET("/projects/:id", h.getProject)
		api.GET("/projects/:id/branches", h.listBranches)
		api.POST("/projects/:id/branches/release", h.createReleaseBranch)
		api.GET("/projects/:id/pipelines", h.listPipelines)
		api.POST("/projects/:id/pipelines/:pipelineId/retry", h.retryPipeline)
		api.GET("/projects/:id/pipelines/:pipelineId/jobs", h.listPipelineJobs)
		api.POST("/projects/:id/trigger-pipeline", h.triggerPipeline)
		api.POST("/projects/:id/jobs/:jobId/play", h.playJob)
		api.GET("/projects/:id/environments", h.listEnvironments)
		api.POST("/projects/:id/environments/:environmentId/stop", h.stopEnvironment)

		api.GET("/groups", h.getGroups)
		api.POST("/groups", h.saveGroups)

		api.GET("/bulk-deployments", h.listHistory)
		api.POST("/bulk-deployments", h.appendHistory)

		api.GET("/dashboard", h.dashboard)
		api.POST("/modules/:groupId/deploy", h.moduleDeploy)
		api.POST("/modules/:groupId/release", h.moduleRelease)
		api.POST("/modules/:groupId/promote", h.modulePromote)
	}
}
