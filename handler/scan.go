package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bedrock-chat/internal/channel"
	"bedrock-chat/internal/domain"
)

type CapabilityScanner interface {
	Scan(ctx context.Context) (domain.CapabilityMatrix, error)
}

// ScanRequest is the manual invocation payload. Scheduled invocations carry
// no connection id.
type ScanRequest struct {
	ConnectionID string `json:"connection_id"`
}

type ScanResponse struct {
	Models    int    `json:"models"`
	Granted   int    `json:"granted"`
	Timestamp string `json:"timestamp"`
}

type ScanHandler struct {
	scanner CapabilityScanner
	conns   *channel.Factory
	log     *slog.Logger
}

// NewScanHandler builds the scan entry point. conns may be nil when no
// WebSocket endpoint is configured; results are then never pushed.
func NewScanHandler(scanner CapabilityScanner, conns *channel.Factory, logger *slog.Logger) (*ScanHandler, error) {
	if scanner == nil {
		return nil, errors.New("handler: scanner must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ScanHandler{scanner: scanner, conns: conns, log: logger}, nil
}

// Handle runs one scan. Any payload that is not a ScanRequest, such as an
// EventBridge scheduled event, is treated as a scheduled run.
func (h *ScanHandler) Handle(ctx context.Context, raw json.RawMessage) (ScanResponse, error) {
	var req ScanRequest
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			h.log.Warn("ignoring unreadable scan payload", "err", err)
			req = ScanRequest{}
		}
	}

	start := now()
	matrix, err := h.scanner.Scan(ctx)
	if err != nil {
		h.log.Error("model scan failed", "err", err)
		return ScanResponse{}, fmt.Errorf("handler: scan: %w", err)
	}
	resp := ScanResponse{
		Models:    len(matrix),
		Granted:   len(matrix.Visible()),
		Timestamp: now().UTC().Format(time.RFC3339),
	}
	h.log.Info("model scan completed", "models", resp.Models, "granted", resp.Granted, "duration", now().Sub(start))

	if id := strings.TrimSpace(req.ConnectionID); id != "" {
		if h.conns == nil {
			h.log.Warn("scan result not pushed, no websocket endpoint configured", "connection_id", id)
			return resp, nil
		}
		err := h.conns.For(id).Send(ctx, domain.ModelScan{
			Type:      domain.EventModelScan,
			Results:   matrix,
			Timestamp: resp.Timestamp,
		})
		if err != nil {
			h.log.Warn("failed to push scan result", "connection_id", id, "err", err)
		}
	}
	return resp, nil
}

var now = time.Now
