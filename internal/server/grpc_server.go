package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/stats"
	"google.golang.org/grpc/status"

	"github.com/matteso1/vlogkv/internal/metrics"
	"github.com/matteso1/vlogkv/internal/protocol"
	"github.com/matteso1/vlogkv/internal/storage"
)

const (
	serviceName = "vlogkv.KV"
	callMethod  = "/" + serviceName + "/Call"
)

// KVServer is the gRPC service surface: one unary method carrying a typed,
// framed request.
type KVServer interface {
	Call(ctx context.Context, req *protocol.CallRequest) (*protocol.CallResponse, error)
}

var kvServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*KVServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vlogkv.proto",
}

func callHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(protocol.CallRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: callMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).Call(ctx, req.(*protocol.CallRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Server implements the vlogkv gRPC service.
type Server struct {
	// Storage engine
	store *storage.Engine

	handler *Handler
	metrics *metrics.Metrics
	logger  *slog.Logger

	// gRPC server
	grpc *grpc.Server
	// Metrics endpoint, nil when disabled
	http *http.Server

	// Config
	config ServerConfig
}

// ServerConfig configures the server.
type ServerConfig struct {
	Port    int
	DataDir string
	// MetricsPort serves /metrics over HTTP; 0 disables it.
	MetricsPort int
	Engine      storage.EngineConfig
	Logger      *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:        9092,
		DataDir:     "./data",
		MetricsPort: 9100,
		Engine:      storage.DefaultEngineConfig(),
	}
}

// NewServer opens the storage engine and builds the gRPC server.
func NewServer(config ServerConfig) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.Engine.Logger == nil {
		config.Engine.Logger = logger
	}

	// Open storage
	store, err := storage.Open(config.DataDir, config.Engine)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	m := metrics.NewMetrics()
	s := &Server{
		store:   store,
		handler: NewHandler(store, m, logger),
		metrics: m,
		logger:  logger,
		config:  config,
	}
	s.registerGauges()

	s.grpc = grpc.NewServer(
		grpc.UnaryInterceptor(s.observe),
		grpc.StatsHandler(connTracker{metrics: m}),
	)
	s.grpc.RegisterService(&kvServiceDesc, s)

	return s, nil
}

func (s *Server) registerGauges() {
	s.metrics.RegisterGauge("vlogkv_index_pending_records", "Index writes not yet merged into the snapshot map",
		func() float64 { return float64(s.store.Stats().Index.PendingCount) })
	s.metrics.RegisterGauge("vlogkv_index_keys", "Keys in the index snapshot map",
		func() float64 { return float64(s.store.Stats().Index.KeyCount) })
	s.metrics.RegisterGauge("vlogkv_index_compactions", "Successful index snapshot writes",
		func() float64 { return float64(s.store.Stats().Index.Compactions) })
	s.metrics.RegisterGauge("vlogkv_index_compaction_failures", "Failed index snapshot writes",
		func() float64 { return float64(s.store.Stats().Index.CompactionFailures) })
	s.metrics.RegisterGauge("vlogkv_value_log_bytes", "Size of the value log file",
		func() float64 { return float64(s.store.Stats().Values.Size) })
}

// Start listens on the configured port and serves until Stop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	if s.config.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		s.http = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.config.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	s.logger.Info("vlogkv server listening", "port", s.config.Port, "metrics_port", s.config.MetricsPort)
	return s.Serve(lis)
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the server and closes the storage engine, which
// flushes and compacts the index.
func (s *Server) Stop() error {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.http.Shutdown(ctx)
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// Metrics returns the server's metrics collector.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Call serves one request and flushes the index log afterwards.
func (s *Server) Call(ctx context.Context, req *protocol.CallRequest) (*protocol.CallResponse, error) {
	frame, err := s.handler.Handle(req.Type, req.Payload)
	if tickErr := s.handler.Tick(); tickErr != nil {
		s.logger.Error("log flush failed", "error", tickErr)
		if err == nil {
			err = tickErr
		}
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &protocol.CallResponse{Frame: frame}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrUnknownRequestType), errors.Is(err, ErrMalformedRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, storage.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// observe logs every call at debug level.
func (s *Server) observe(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	attrs := []any{"method", info.FullMethod, "code", status.Code(err).String(), "duration", time.Since(start)}
	if call, ok := req.(*protocol.CallRequest); ok {
		attrs = append(attrs, "type", call.Type.String())
	}
	if err != nil {
		s.logger.Warn("call failed", append(attrs, "error", err)...)
	} else {
		s.logger.Debug("call", attrs...)
	}
	return resp, err
}

// connTracker keeps the active connection gauge in step with the transport.
type connTracker struct {
	metrics *metrics.Metrics
}

func (c connTracker) TagRPC(ctx context.Context, _ *stats.RPCTagInfo) context.Context {
	return ctx
}

func (c connTracker) HandleRPC(context.Context, stats.RPCStats) {}

func (c connTracker) TagConn(ctx context.Context, _ *stats.ConnTagInfo) context.Context {
	return ctx
}

func (c connTracker) HandleConn(_ context.Context, s stats.ConnStats) {
	switch s.(type) {
	case *stats.ConnBegin:
		c.metrics.ConnectionOpened()
	case *stats.ConnEnd:
		c.metrics.ConnectionClosed()
	}
}
