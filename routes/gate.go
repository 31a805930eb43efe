package routes

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// Gate answers the API prefix with 503 until Open installs the routes, so the
// listener can start before the database and services are ready.
type Gate struct {
	api atomic.Pointer[gin.Engine]
}

func NewGate() *Gate {
	return &Gate{}
}

// Mount registers the gated prefix on router. Call it before serving.
func (g *Gate) Mount(router *gin.Engine) {
	router.Any("/api/v1/*path", g.serve)
}

// Open builds the API on its own engine and starts routing to it.
func (g *Gate) Open(deps Dependencies) {
	api := gin.New()
	SetupRoutes(api, deps)
	g.api.Store(api)
}

func (g *Gate) serve(c *gin.Context) {
	api := g.api.Load()
	if api == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Service is starting, try again shortly"})
		return
	}
	api.ServeHTTP(c.Writer, c.Request)
	c.Abort()
}
