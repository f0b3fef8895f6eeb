// Package http is the admin/control surface: engine, room, and session
// operations over JSON.
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"mediabroker/internal/config"
	"mediabroker/internal/coordinator"
	"mediabroker/internal/core"
	"mediabroker/internal/domain"
	"mediabroker/internal/engine"
	"mediabroker/internal/metrics"
	"mediabroker/internal/session"
)

// statusFor maps the typed error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrEngineNotFound),
		errors.Is(err, core.ErrSessionNotFound),
		errors.Is(err, core.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrRoomAlreadyExists),
		errors.Is(err, core.ErrAlreadyStarted):
		return http.StatusConflict
	case errors.Is(err, core.ErrNoMediaserver),
		errors.Is(err, core.ErrConnectionClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, core.ErrMissingOffer),
		errors.Is(err, core.ErrMissingParameters),
		errors.Is(err, core.ErrIncompatibleVersion):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func SetupRouter(cfg *config.Config, reg *engine.Registry, coord *coordinator.Coordinator, m *metrics.Metrics) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": coord.Count()})
	})
	if m != nil {
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}

	api := r.Group("/api/v1")

	api.GET("/engines", func(c *gin.Context) {
		c.JSON(http.StatusOK, reg.ListAll())
	})

	api.POST("/engines", func(c *gin.Context) {
		var ec domain.EngineConfig
		if err := c.ShouldBindJSON(&ec); err != nil {
			fail(c, core.ErrMissingParameters)
			return
		}
		if _, err := reg.Connect(c.Request.Context(), ec); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"name": ec.Name})
	})

	api.DELETE("/engines/:name", func(c *gin.Context) {
		if err := reg.Stop(domain.EngineID(c.Param("name"))); err != nil {
			fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.GET("/engines/:name/rooms", func(c *gin.Context) {
		eng, err := findEngine(reg, c.Param("name"))
		if err != nil {
			fail(c, err)
			return
		}
		rooms, err := eng.ListRooms()
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, rooms)
	})

	api.GET("/engines/:name/rooms/:room", func(c *gin.Context) {
		eng, err := findEngine(reg, c.Param("name"))
		if err != nil {
			fail(c, err)
			return
		}
		info, err := eng.GetRoom(domain.RoomID(c.Param("room")))
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, info)
	})

	api.PUT("/engines/:name/rooms/:room", func(c *gin.Context) {
		eng, err := findEngine(reg, c.Param("name"))
		if err != nil {
			fail(c, err)
			return
		}
		var opts domain.RoomOptions
		if err := c.ShouldBindJSON(&opts); err != nil {
			fail(c, core.ErrMissingParameters)
			return
		}
		if err := eng.CreateRoom(domain.RoomID(c.Param("room")), opts); err != nil {
			fail(c, err)
			return
		}
		c.Status(http.StatusCreated)
	})

	api.DELETE("/engines/:name/rooms/:room", func(c *gin.Context) {
		eng, err := findEngine(reg, c.Param("name"))
		if err != nil {
			fail(c, err)
			return
		}
		if err := eng.DestroyRoom(domain.RoomID(c.Param("room"))); err != nil {
			fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/sessions", func(c *gin.Context) {
		var req session.StartRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, core.ErrMissingParameters)
			return
		}
		id, res, err := coord.Start(c.Request.Context(), req)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"session_id": id, "result": res})
	})

	api.POST("/sessions/:sid/answer", func(c *gin.Context) {
		var body struct {
			Answer webrtc.SessionDescription `json:"answer"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			fail(c, core.ErrMissingParameters)
			return
		}
		res, err := coord.Answer(c.Request.Context(), c.Param("sid"), body.Answer)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})

	api.POST("/sessions/:sid/update", func(c *gin.Context) {
		var req session.UpdateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, core.ErrMissingParameters)
			return
		}
		res, err := coord.Update(c.Request.Context(), c.Param("sid"), req)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})

	api.POST("/sessions/:sid/candidates", func(c *gin.Context) {
		var body struct {
			Candidate *domain.Candidate `json:"candidate"`
			Last      bool              `json:"last,omitempty"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			fail(c, core.ErrMissingParameters)
			return
		}
		sid := c.Param("sid")
		var err error
		if body.Last {
			err = coord.CandidateEnd(sid)
		} else if body.Candidate != nil {
			err = coord.Candidate(sid, *body.Candidate)
		} else {
			err = core.ErrMissingParameters
		}
		if err != nil {
			fail(c, err)
			return
		}
		c.Status(http.StatusAccepted)
	})

	api.DELETE("/sessions/:sid", func(c *gin.Context) {
		if err := coord.Stop(c.Param("sid"), "client stop"); err != nil {
			fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}

func findEngine(reg *engine.Registry, name string) (*engine.Engine, error) {
	_, eng, _, err := reg.Find(domain.EngineID(name))
	if err != nil {
		return nil, err
	}
	return eng, nil
}
