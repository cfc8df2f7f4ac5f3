package server

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/matteso1/vlogkv/internal/metrics"
	"github.com/matteso1/vlogkv/internal/protocol"
)

var (
	// ErrUnknownRequestType is returned for a request tag the handler does not serve.
	ErrUnknownRequestType = errors.New("unknown request type")

	// ErrMalformedRequest is returned when a request payload cannot be decoded.
	ErrMalformedRequest = errors.New("malformed request")
)

// Engine is the storage the handler serves requests from.
type Engine interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	FlushLog() error
}

// Handler turns one fully framed request into a response frame.
// It knows nothing about connections; the transport calls Handle once per
// request and Tick once per I/O round.
type Handler struct {
	engine  Engine
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewHandler creates a handler over engine.
func NewHandler(engine Engine, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if m == nil {
		m = metrics.NewMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, metrics: m, logger: logger}
}

// Handle dispatches a request by type and returns the framed response.
func (h *Handler) Handle(requestType protocol.RequestType, payload []byte) ([]byte, error) {
	switch requestType {
	case protocol.PutRequestType:
		return h.handlePut(payload)
	case protocol.GetRequestType:
		return h.handleGet(payload)
	}
	h.metrics.RecordError()
	return nil, fmt.Errorf("%w: %s", ErrUnknownRequestType, requestType)
}

func (h *Handler) handleGet(payload []byte) ([]byte, error) {
	start := time.Now()

	var req protocol.GetRequest
	if err := req.Unmarshal(payload); err != nil {
		h.metrics.RecordError()
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	h.logger.Debug("get_request", "request_id", req.RequestID, "key", req.Key)

	value, found, err := h.engine.Get(req.Key)
	if err != nil {
		h.metrics.RecordError()
		return nil, fmt.Errorf("get %q: %w", req.Key, err)
	}

	resp := &protocol.GetResponse{RequestID: req.RequestID}
	if found {
		resp.Offset = value
	}
	h.metrics.RecordGet(found, len(value), time.Since(start))

	return protocol.Frame(protocol.GetResponseType, resp.Marshal()), nil
}

func (h *Handler) handlePut(payload []byte) ([]byte, error) {
	start := time.Now()

	var req protocol.PutRequest
	if err := req.Unmarshal(payload); err != nil {
		h.metrics.RecordError()
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	h.logger.Debug("put_request", "request_id", req.RequestID, "key", req.Key, "bytes", len(req.Offset))

	if err := h.engine.Put(req.Key, req.Offset); err != nil {
		h.metrics.RecordError()
		return nil, fmt.Errorf("put %q: %w", req.Key, err)
	}
	h.metrics.RecordPut(len(req.Offset), time.Since(start))

	resp := &protocol.PutResponse{RequestID: req.RequestID}
	return protocol.Frame(protocol.PutResponseType, resp.Marshal()), nil
}

// Tick flushes the index log. The transport calls it once per processing
// round so accepted writes reach disk with bounded delay.
func (h *Handler) Tick() error {
	if err := h.engine.FlushLog(); err != nil {
		h.metrics.RecordError()
		return fmt.Errorf("flush log: %w", err)
	}
	h.metrics.RecordFlush()
	return nil
}
