package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vimeo/leaderwatch/entry"
)

// election is the part of *leaderwatch.Elector the status server reads.
type election interface {
	IsLeader() bool
	LeaderInfo() (entry.LeaderInfo, bool)
	Session() (entry.SessionID, bool)
	Leading() <-chan struct{}
}

// maximum wait for GET /leadership?wait=...
const maxLeadershipWait = time.Minute

type statusServer struct {
	el  election
	log *zap.Logger
}

func newRouter(el election, gatherer prometheus.Gatherer, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	s := &statusServer{el: el, log: log}
	router.GET("/leader", s.getLeader)
	router.GET("/leadership", s.getLeadership)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	return router
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// getLeader handles GET /leader
func (s *statusServer) getLeader(c *gin.Context) {
	li, ok := s.el.LeaderInfo()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no known leader"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"leader":    li,
		"host_port": li.HostPort(),
	})
}

// getLeadership handles GET /leadership. With ?wait=<duration> it blocks
// until this process becomes leader or the wait elapses.
func (s *statusServer) getLeadership(c *gin.Context) {
	if waitStr := c.Query("wait"); waitStr != "" {
		wait, err := time.ParseDuration(waitStr)
		if err != nil || wait < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wait duration"})
			return
		}
		if wait > maxLeadershipWait {
			wait = maxLeadershipWait
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		// a timeout just means we're still a follower
		select {
		case <-s.el.Leading():
		case <-timer.C:
		case <-c.Request.Context().Done():
		}
	}

	resp := gin.H{"leader": s.el.IsLeader()}
	if sid, ok := s.el.Session(); ok {
		resp["session"] = sid
	}
	c.JSON(http.StatusOK, resp)
}
