package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	// DefaultWritePath is appended to a node address when none is configured.
	DefaultWritePath = "/api/v1/write"

	CompressionZstd = "zstd"
	CompressionNone = "none"
)

// ErrUnknownNode is returned when a node id has no configured address.
var ErrUnknownNode = errors.New("unknown node")

// StatusError reports a non-2xx reply from a node.
type StatusError struct {
	NodeID     uint32
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("node %d: unexpected status %d: %s", e.NodeID, e.StatusCode, e.Body)
}

// HTTPConfig configures node delivery.
type HTTPConfig struct {
	// Nodes maps node ids to base addresses, e.g. "http://10.0.0.7:8080".
	Nodes map[uint32]string

	// WritePath is the request path on every node.
	WritePath string

	// Compression is "zstd" (default) or "none".
	Compression string

	// Timeout bounds a request when the context has no deadline.
	Timeout time.Duration
}

// HTTPNodes posts batches to storage nodes over HTTP.
type HTTPNodes struct {
	nodes     map[uint32]string
	writePath string
	client    *http.Client
	encoder   *zstd.Encoder
}

// NewHTTPNodes creates a node client. client may be nil.
func NewHTTPNodes(cfg HTTPConfig, client *http.Client) (*HTTPNodes, error) {
	h := &HTTPNodes{
		nodes:     make(map[uint32]string, len(cfg.Nodes)),
		writePath: cfg.WritePath,
		client:    client,
	}
	if h.writePath == "" {
		h.writePath = DefaultWritePath
	}
	if !strings.HasPrefix(h.writePath, "/") {
		h.writePath = "/" + h.writePath
	}
	for id, addr := range cfg.Nodes {
		h.nodes[id] = strings.TrimRight(addr, "/")
	}
	if h.client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		h.client = &http.Client{Timeout: timeout}
	}

	switch cfg.Compression {
	case "", CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		h.encoder = enc
	case CompressionNone:
	default:
		return nil, fmt.Errorf("unsupported compression %q", cfg.Compression)
	}
	return h, nil
}

// Send posts batch to one node.
func (h *HTTPNodes) Send(ctx context.Context, nodeID uint32, batch []byte) error {
	addr, ok := h.nodes[nodeID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNode, nodeID)
	}

	body := batch
	if h.encoder != nil {
		body = h.encoder.EncodeAll(batch, make([]byte, 0, len(batch)/2))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+h.writePath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request for node %d: %w", nodeID, err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if h.encoder != nil {
		req.Header.Set("Content-Encoding", CompressionZstd)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to node %d: %w", nodeID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{NodeID: nodeID, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Close releases the encoder.
func (h *HTTPNodes) Close() error {
	if h.encoder != nil {
		return h.encoder.Close()
	}
	return nil
}
