// Package introspect 提供本地自省 HTTP 服务
//
// 该服务运行在本地端口，提供 JSON 格式的诊断信息，用于调试和监控。
// 建议绑定到 127.0.0.1，不暴露到网络。
//
// 端点：
//   - GET /debug/introspect             - 完整诊断报告 (JSON)
//   - GET /debug/introspect/node        - 节点信息
//   - GET /debug/introspect/connections - 连接信息
//   - GET /debug/introspect/relay       - 中继预约与电路（中继节点）
//   - GET /debug/introspect/holepunch   - 打洞尝试（测速节点）
//   - GET /debug/introspect/perf        - 最近的测速结果（测速节点）
//   - GET /debug/pprof/*                - Go pprof 端点
//   - GET /health                       - 健康检查
package introspect

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/dep2p/dcutr-perf/internal/core/host"
	"github.com/dep2p/dcutr-perf/internal/core/nat/holepunch"
	"github.com/dep2p/dcutr-perf/internal/core/perf"
	"github.com/dep2p/dcutr-perf/internal/core/protocol/identify"
	"github.com/dep2p/dcutr-perf/internal/core/relay/server"
	"github.com/dep2p/dcutr-perf/internal/util/logger"
)

var log = logger.Logger("introspect")

// DefaultAddr 默认监听地址
const DefaultAddr = "127.0.0.1:6060"

// Config 服务配置
type Config struct {
	// Addr 监听地址，默认 "127.0.0.1:6060"
	Addr string

	// Host 必需
	Host *host.Host

	// 以下组件可选，未提供时对应端点返回 404
	Identify  *identify.Service
	Relay     *server.Server
	HolePunch *holepunch.Coordinator
	Perf      *perf.Service
}

// Server 本地自省 HTTP 服务
type Server struct {
	cfg Config

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	running  bool
	wg       sync.WaitGroup
}

// New 创建自省服务
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{cfg: cfg}
}

// Handler 返回路由，便于测试直接调用
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/introspect", s.get(func() any { return s.report() }))
	mux.HandleFunc("/debug/introspect/node", s.get(func() any { return s.node() }))
	mux.HandleFunc("/debug/introspect/connections", s.get(func() any { return s.connections() }))
	if s.cfg.Relay != nil {
		mux.HandleFunc("/debug/introspect/relay", s.get(func() any { return s.relay() }))
	}
	if s.cfg.HolePunch != nil {
		mux.HandleFunc("/debug/introspect/holepunch", s.get(func() any { return s.attempts() }))
	}
	if s.cfg.Perf != nil {
		mux.HandleFunc("/debug/introspect/perf", s.get(func() any { return s.perfResults() }))
	}

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.HandleFunc("/health", s.get(func() any {
		return HealthInfo{Status: "ok", Timestamp: time.Now()}
	}))
	return mux
}

// Start 启动服务
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("自省服务异常退出", "err", err)
		}
	}()

	s.running = true
	log.Info("自省服务已启动", "addr", listener.Addr().String())
	return nil
}

// Stop 停止服务
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	log.Info("自省服务已停止")
	return err
}

// Addr 返回实际监听地址
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// ============================================================================
//                              HTTP 处理器
// ============================================================================

func (s *Server) get(collect func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, collect())
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Debug("写入自省响应失败", "err", err)
	}
}
