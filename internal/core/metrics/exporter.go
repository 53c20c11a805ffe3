package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dep2p/dcutr-perf/internal/util/logger"
)

var log = logger.Logger("metrics")

// NewRegistry 创建带 Go 运行时与进程采集器的注册表
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Exporter 在 HTTP 上导出 /metrics
type Exporter struct {
	srv *http.Server
	ln  net.Listener
}

// NewExporter 创建导出器
func NewExporter(addr string, g prometheus.Gatherer) *Exporter {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &Exporter{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start 监听并在后台提供服务
func (e *Exporter) Start() error {
	ln, err := net.Listen("tcp", e.srv.Addr)
	if err != nil {
		return err
	}
	e.ln = ln
	go func() {
		if err := e.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("指标服务退出", "err", err)
		}
	}()
	log.Info("指标服务已启动", "addr", ln.Addr().String())
	return nil
}

// Addr 实际监听地址
func (e *Exporter) Addr() string {
	if e.ln == nil {
		return e.srv.Addr
	}
	return e.ln.Addr().String()
}

// Stop 关闭服务
func (e *Exporter) Stop(ctx context.Context) error {
	return e.srv.Shutdown(ctx)
}
