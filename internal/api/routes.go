// Package api serves the solver's monitoring surface: a small gin API
// for progress snapshots, a websocket stream for dashboards, and a
// token-guarded checkpoint trigger.
package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PatatasFritas/FriedKangaroo/pkg/models"
)

// ProgressSource is anything that can snapshot the running search; the
// local solver and the coordination server both qualify.
type ProgressSource interface {
	Progress() models.Progress
}

// Saver triggers a checkpoint. Optional: nil disables the endpoint.
type Saver interface {
	SaveServerWork()
}

// requireSaveToken guards the endpoints that can mutate the search (the
// checkpoint trigger flips saveRequest and parks every walker, so it
// must not be open to arbitrary dashboard visitors). The token comes
// from KANGAROO_API_TOKEN; when unset, the guard is disabled for local
// runs but loudly so in release mode.
func requireSaveToken() gin.HandlerFunc {
	token := os.Getenv("KANGAROO_API_TOKEN")
	if token == "" && os.Getenv("GIN_MODE") == "release" {
		log.Println("[API] WARNING: KANGAROO_API_TOKEN is not set in release mode; " +
			"anyone reaching this port can force checkpoints and park the walkers.")
	}

	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		bearer := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		// Constant-time comparison prevents timing-based token enumeration.
		if bearer == "" || subtle.ConstantTimeCompare([]byte(bearer), []byte(token)) != 1 {
			log.Printf("[API] Denied %s %s from %s: bad or missing bearer token",
				c.Request.Method, c.FullPath(), c.ClientIP())
			c.JSON(http.StatusForbidden, gin.H{
				"error": "save trigger requires a valid bearer token",
				"hint":  "Authorization: Bearer <KANGAROO_API_TOKEN>",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// SetupRouter builds the monitoring API:
//
//	GET  /api/v1/health  liveness
//	GET  /api/v1/status  progress snapshot
//	GET  /api/v1/stream  websocket event feed
//	POST /api/v1/save    checkpoint trigger (KANGAROO_API_TOKEN guarded)
func SetupRouter(src ProgressSource, saver Saver, wsHub *Hub) *gin.Engine {
	r := gin.Default()

	pub := r.Group("/api/v1")
	{
		pub.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
		pub.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, src.Progress())
		})
		pub.GET("/stream", wsHub.Subscribe)
	}

	mut := r.Group("/api/v1")
	mut.Use(requireSaveToken())
	{
		mut.POST("/save", func(c *gin.Context) {
			if saver == nil {
				c.JSON(http.StatusNotImplemented, gin.H{"error": "no work file configured"})
				return
			}
			log.Printf("[API] Checkpoint requested by %s", c.ClientIP())
			go saver.SaveServerWork()
			c.JSON(http.StatusAccepted, gin.H{"status": "save requested"})
		})
	}

	return r
}

// RunProgressBroadcaster pushes a progress event to the hub every two
// seconds until stop closes. Call in a goroutine next to the hub's Run.
func RunProgressBroadcaster(src ProgressSource, hub *Hub, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			hub.BroadcastEvent("progress", src.Progress())
		}
	}
}
