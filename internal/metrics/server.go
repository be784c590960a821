package metrics

import (
	"context"
	"errors"
	"expvar"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

var serverLog = logrus.WithField("component", "metrics")

// Health /healthz 的内容；OK 为 false 时返回 503
type Health struct {
	OK       bool   `json:"ok"`
	Feed     string `json:"feed,omitempty"`
	Degraded bool   `json:"degraded"`
	Network  string `json:"network,omitempty"`
}

// HealthFunc 由调用方提供当前健康状态
type HealthFunc func() Health

// Router 指标与调试路由：
// - /healthz
// - expvar: /debug/vars
// - pprof:  /debug/pprof
func Router(health HealthFunc) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		if health == nil {
			c.JSON(http.StatusOK, Health{OK: true})
			return
		}
		h := health()
		status := http.StatusOK
		if !h.OK {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, h)
	})

	debug := r.Group("/debug")
	debug.GET("/vars", gin.WrapH(expvar.Handler()))

	// pprof：显式注册，避免依赖 DefaultServeMux 的全局副作用
	prof := debug.Group("/pprof")
	prof.GET("/", gin.WrapF(pprof.Index))
	prof.GET("/cmdline", gin.WrapF(pprof.Cmdline))
	prof.GET("/profile", gin.WrapF(pprof.Profile))
	prof.GET("/symbol", gin.WrapF(pprof.Symbol))
	prof.POST("/symbol", gin.WrapF(pprof.Symbol))
	prof.GET("/trace", gin.WrapF(pprof.Trace))
	for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
		prof.GET("/"+name, gin.WrapH(pprof.Handler(name)))
	}
	return r
}

// StartAsync 启动指标服务（非阻塞），并在 ctx.Done() 时优雅关闭。
// 建议仅监听 localhost。
func StartAsync(ctx context.Context, listenAddr string, health HealthFunc) (*http.Server, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	s := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           Router(health),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLog.WithError(err).Error("指标服务退出")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	serverLog.WithField("addr", s.Addr).Info("指标服务已启动")
	return s, nil
}
