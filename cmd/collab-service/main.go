package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/zeromicro/go-zero/core/conf"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/rest"
	"go.uber.org/zap"

	"github.com/aetherflow/collabsync/internal/config"
	"github.com/aetherflow/collabsync/internal/handler"
	"github.com/aetherflow/collabsync/internal/middleware"
	"github.com/aetherflow/collabsync/internal/svc"
)

var configFile = flag.String("f", "etc/collab-service.yaml", "the config file")

func main() {
	flag.Parse()

	var c config.Config
	conf.MustLoad(*configFile, &c)

	// 创建REST服务器 (按 c.Log 初始化 logx)
	server := rest.MustNewServer(c.RestConf, rest.WithCors())
	defer server.Stop()

	// 创建服务上下文
	svcCtx, err := svc.NewServiceContext(c)
	logx.Must(err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		svcCtx.Close(ctx)
	}()

	// 注册全局中间件
	server.Use(middleware.RequestIDMiddleware)
	server.Use(middleware.IdentityMiddleware)
	server.Use(middleware.LoggerMiddleware(svcCtx.Logger))

	// 可选：限流中间件
	if c.RateLimit.Enable {
		server.Use(middleware.RateLimitMiddleware(c.RateLimit.Rate, c.RateLimit.Burst))
	}

	// 注册路由
	handler.RegisterHandlers(server, svcCtx)

	// 指标单独端口
	if c.Metrics.Enable {
		metricsServer := startMetricsServer(c.Metrics, svcCtx)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsServer.Shutdown(ctx)
		}()
	}

	fmt.Printf("Starting collab service at %s:%d...\n", c.Host, c.Port)
	logx.Infof("Collab service started at %s:%d", c.Host, c.Port)

	// 阻塞直到收到退出信号
	server.Start()
}

func startMetricsServer(mc config.MetricsConfig, svcCtx *svc.ServiceContext) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(mc.Path, svcCtx.Metrics.Handler())

	srv := &http.Server{
		Addr:              net.JoinHostPort(mc.Host, strconv.Itoa(mc.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		svcCtx.Logger.Info("Metrics server started", zap.String("addr", srv.Addr), zap.String("path", mc.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			svcCtx.Logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
