// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"net/http"
	"net/http/pprof"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pingcap/flowcoord/pkg/logutil"
	"github.com/pingcap/flowcoord/pkg/version"
)

// Status is the status of a flowcoord server.
type Status struct {
	Version     string `json:"version"`
	GitHash     string `json:"git_hash"`
	ProcessorID string `json:"processor_id"`
	GroupID     string `json:"group_id"`
	Pid         int    `json:"pid"`
	// IsLeader is true if the processor is the leader of its group.
	IsLeader bool   `json:"is_leader"`
	State    string `json:"state"`
}

// StatusProvider provides the status of the server.
type StatusProvider interface {
	Status() Status
}

// LogLevelRequest is the body of the log level API.
type LogLevelRequest struct {
	Level string `json:"log_level"`
}

// RegisterRoutes registers the status, log, pprof and metrics routes.
func RegisterRoutes(router *gin.Engine, provider StatusProvider, gatherer prometheus.Gatherer) {
	router.GET("/status", func(c *gin.Context) {
		st := provider.Status()
		st.Version = version.ReleaseVersion
		st.GitHash = version.GitHash
		st.Pid = os.Getpid()
		c.IndentedJSON(http.StatusOK, st)
	})

	router.POST("/admin/log", handleAdminLogLevel)

	// pprof debug API
	pprofGroup := router.Group("/debug/pprof/")
	pprofGroup.GET("", gin.WrapF(pprof.Index))
	pprofGroup.GET("/:any", gin.WrapF(pprof.Index))
	pprofGroup.GET("/cmdline", gin.WrapF(pprof.Cmdline))
	pprofGroup.GET("/profile", gin.WrapF(pprof.Profile))
	pprofGroup.GET("/symbol", gin.WrapF(pprof.Symbol))
	pprofGroup.GET("/trace", gin.WrapF(pprof.Trace))

	router.Any("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

func handleAdminLogLevel(c *gin.Context) {
	var req LogLevelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.IndentedJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := logutil.SetLogLevel(req.Level); err != nil {
		c.IndentedJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log.Warn("log level changed", zap.String("level", req.Level))
	c.Status(http.StatusOK)
}
