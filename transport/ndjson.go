package transport

import (
	"encoding/json"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/agentlanes/agentlanes/engine"
)

// NDJSONWriter emits each event as one line-delimited JSON object. It is the
// headless output contract: every line is a flat {"channel": ...} document.
// Safe for concurrent emitters; lines never interleave.
type NDJSONWriter struct {
	mu     sync.Mutex
	w      io.Writer
	logger *zap.Logger
}

// NewNDJSONWriter wraps the given writer, typically stdout.
func NewNDJSONWriter(w io.Writer, logger *zap.Logger) *NDJSONWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NDJSONWriter{w: w, logger: logger}
}

// Emit writes one event line. Encoding or write failures are logged and
// dropped; event delivery must never fail the execution.
func (n *NDJSONWriter) Emit(ev engine.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		n.logger.Warn("event encoding failed", zap.String("channel", ev.Channel), zap.Error(err))
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, err := n.w.Write(append(data, '\n')); err != nil {
		n.logger.Warn("event write failed", zap.Error(err))
	}
}
