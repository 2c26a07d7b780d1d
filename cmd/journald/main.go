// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	_ "github.com/cubefs/cubefs/blobstore/util/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"

	"github.com/cubefs/itemdb/journal"
	"github.com/cubefs/itemdb/journal/remote"
	"github.com/cubefs/itemdb/metrics"
)

const (
	defaultShutdownTimeoutS = 10
	defaultJanitorIntervalS = 600
)

// Config of the journal server. The kv journal is owned by this process,
// repositories reach it with the remote journal type.
type Config struct {
	GrpcBindAddr     string           `json:"grpc_bind_addr"`
	HttpBindAddr     string           `json:"http_bind_addr"`
	KV               journal.KVConfig `json:"kv"`
	JanitorIntervalS int              `json:"janitor_interval_s"`
	MaxProcessors    int              `json:"max_processors"`
	LogLevel         log.Level        `json:"log_level"`
}

func main() {
	config.Init("f", "", "journald.json")

	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}
	initConfig(cfg)
	registerLogLevel()
	log.SetOutputLevel(cfg.LogLevel)

	span, ctx := trace.StartSpanFromContext(context.Background(), "")
	kvLog, err := journal.OpenKVLog(ctx, cfg.KV)
	if err != nil {
		log.Fatalf("open journal %s failed: %s", cfg.KV.Path, errors.Detail(err))
	}
	span.Infof("journal %s opened at revision %d", cfg.KV.Path, kvLog.Revision())

	journalServer := remote.NewServer(kvLog)
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		metrics.GRPCMetrics.UnaryServerInterceptor(),
		remote.UnaryInterceptorWithTracer,
	))
	remote.RegisterJournalServer(grpcServer, journalServer)
	metrics.GRPCMetrics.InitializeMetrics(grpcServer)

	lis, err := net.Listen("tcp", cfg.GrpcBindAddr)
	if err != nil {
		log.Fatalf("listen %s failed: %s", cfg.GrpcBindAddr, err)
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatal("grpc server exits:", err)
		}
	}()
	log.Info("grpc server is running at:", cfg.GrpcBindAddr)

	httpServer := serveHTTP(cfg.HttpBindAddr)

	done := make(chan struct{})
	go janitor(kvLog, time.Duration(cfg.JanitorIntervalS)*time.Second, done)

	// wait for signal
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	close(done)
	grpcServer.GracefulStop()
	journalServer.Close()
	stopCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()
	httpServer.Shutdown(stopCtx)
	kvLog.Close()
	log.Info("journal server stopped")
}

func initConfig(cfg *Config) {
	if cfg.GrpcBindAddr == "" {
		cfg.GrpcBindAddr = ":9700"
	}
	if cfg.HttpBindAddr == "" {
		cfg.HttpBindAddr = ":9701"
	}
	if cfg.KV.Path == "" {
		cfg.KV.Path = "./run/journal"
	}
	if cfg.JanitorIntervalS <= 0 {
		cfg.JanitorIntervalS = defaultJanitorIntervalS
	}
	if cfg.MaxProcessors > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcessors)
	}
}

func serveHTTP(addr string) *http.Server {
	metricsHandler := promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
	rpc.GET("/metrics", func(c *rpc.Context) {
		metricsHandler.ServeHTTP(c.Writer, c.Request)
	})

	ph := profile.NewProfileHandler(addr)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: rpc.MiddlewareHandlerWith(rpc.DefaultRouter, ph),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	log.Info("http server is running at:", addr)
	return httpServer
}

// janitor drops records every member has applied.
func janitor(kvLog *journal.KVLog, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			span, ctx := trace.StartSpanFromContext(context.Background(), "")
			rev, err := kvLog.Janitor(ctx)
			if err != nil {
				span.Warnf("journal janitor failed: %s", errors.Detail(err))
				continue
			}
			span.Debugf("journal janitor removed records up to %d", rev)
		case <-done:
			return
		}
	}
}

func registerLogLevel() {
	logLevelPath, logLevelHandler := log.ChangeDefaultLevelHandler()
	profile.HandleFunc(http.MethodPost, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
	profile.HandleFunc(http.MethodGet, logLevelPath, func(c *rpc.Context) {
		logLevelHandler.ServeHTTP(c.Writer, c.Request)
	})
}
