package httpapi

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers kbcore's maintenance API with the router.
//
// Description:
//
//	Registers the four routes spec.md §6.2 names under the given router
//	group. The router group should already have any shared middleware
//	(otelgin tracing, gin.Recovery) applied.
//
// Inputs:
//
//	rg - Gin router group (the root group; these routes are not nested
//	     under /v1, matching the literal paths spec.md §6.2 names)
//	handlers - The handlers instance
//	refreshUser, refreshPassword - Basic auth credentials for the public
//	     refresh route
//	internalKeyID, internalSecret - HMAC credentials for the /internal/
//	     routes
//
// Endpoints:
//
//	POST /knowledge/refresh/ - refresh the global dataset (Basic auth)
//	POST /internal/knowledge/profiles/:id/sync/ - sync a profile (HMAC)
//	POST /internal/knowledge/profiles/:id/cleanup/ - cleanup a profile (HMAC)
//	POST /internal/knowledge/prune/ - prune storage bookkeeping (HMAC)
//
// Example:
//
//	handlers := httpapi.NewHandlers(kb, nil)
//	httpapi.RegisterRoutes(router.Group("/"), handlers, cfg.RefreshUser, cfg.RefreshPassword, cfg.InternalKeyID, cfg.InternalAPIKey)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers, refreshUser, refreshPassword, internalKeyID, internalSecret string) {
	knowledge := rg.Group("/knowledge")
	{
		knowledge.POST("/refresh/", BasicAuth(refreshUser, refreshPassword), handlers.HandleRefresh)
	}

	internal := rg.Group("/internal/knowledge", HMACAuth(internalKeyID, internalSecret))
	{
		internal.POST("/profiles/:id/sync/", handlers.HandleSyncProfile)
		internal.POST("/profiles/:id/cleanup/", handlers.HandleCleanupProfile)
		internal.POST("/prune/", handlers.HandlePrune)
	}
}
