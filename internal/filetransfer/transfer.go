// Package filetransfer moves files between operator and device over a
// tunnel channel. Uploads stream operator -> device and end with a JSON
// result trailer; downloads stream device -> operator from an optional
// resume offset.
package filetransfer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/edgewire/edgewire/internal/logging"
	"github.com/edgewire/edgewire/internal/mux"
	"github.com/edgewire/edgewire/internal/protocol"
)

// Config holds device-side file transfer settings.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// MaxFileSize caps upload size in bytes. 0 means unlimited.
	MaxFileSize int64 `yaml:"max_file_size"`

	// AllowedPaths lists absolute directory prefixes transfers may
	// touch. Empty denies all paths.
	AllowedPaths []string `yaml:"allowed_paths"`

	// RateLimit caps transfer throughput in bytes per second.
	// 0 means unlimited.
	RateLimit int64 `yaml:"rate_limit"`
}

// Result is the JSON trailer the device writes after an upload.
type Result struct {
	OK      bool   `json:"ok"`
	Written int64  `json:"written,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Handler serves file-transfer channels on the device.
type Handler struct {
	cfg    Config
	logger *slog.Logger
}

// NewHandler creates a device-side file transfer handler.
func NewHandler(cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Handler{cfg: cfg, logger: logger}
}

// normalizePath brings a path into NFC form and cleans it. Paths
// arrive from different operator platforms; macOS in particular sends
// decomposed Unicode that would dodge prefix checks otherwise.
func normalizePath(path string) string {
	return filepath.Clean(norm.NFC.String(path))
}

// resolvePath validates a requested path against the allowlist.
func (h *Handler) resolvePath(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty path")
	}
	path := normalizePath(raw)
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path must be absolute: %s", raw)
	}
	for _, prefix := range h.cfg.AllowedPaths {
		prefix = normalizePath(prefix)
		if path == prefix || strings.HasPrefix(path, prefix+string(filepath.Separator)) {
			return path, nil
		}
	}
	return "", fmt.Errorf("path not in allowed paths: %s", path)
}

// Accept is the device-side open handler for file-transfer channels.
// Path and size problems surface as OPEN rejections so the operator
// never streams into a doomed transfer.
func (h *Handler) Accept(ch *mux.Channel, metadata []byte) (func(*mux.Channel), *mux.Reject) {
	if !h.cfg.Enabled {
		return nil, &mux.Reject{Reason: protocol.ReasonNotAuthorized, Message: "file transfer disabled"}
	}

	var meta protocol.FileMeta
	if err := protocol.DecodeMeta(metadata, &meta); err != nil {
		return nil, &mux.Reject{Reason: protocol.ReasonProtocolError, Message: "bad file metadata"}
	}

	path, err := h.resolvePath(meta.Path)
	if err != nil {
		h.logger.Warn("file transfer path rejected",
			logging.KeyPath, meta.Path,
			logging.KeyError, err)
		return nil, &mux.Reject{Reason: protocol.ReasonNotAuthorized, Message: err.Error()}
	}

	switch meta.Direction {
	case "upload":
		if h.cfg.MaxFileSize > 0 && meta.Size > h.cfg.MaxFileSize {
			return nil, &mux.Reject{Reason: protocol.ReasonResourceLimit, Message: "file exceeds size limit"}
		}
		return func(c *mux.Channel) {
			defer c.Close()
			h.receive(c, path, &meta)
		}, nil

	case "download":
		info, err := os.Stat(path)
		if err != nil {
			return nil, &mux.Reject{Reason: protocol.ReasonTargetUnreachable, Message: "no such file"}
		}
		if info.IsDir() {
			return nil, &mux.Reject{Reason: protocol.ReasonProtocolError, Message: "path is a directory"}
		}
		if meta.Offset < 0 || meta.Offset > info.Size() {
			return nil, &mux.Reject{Reason: protocol.ReasonProtocolError, Message: "offset beyond end of file"}
		}
		return func(c *mux.Channel) {
			defer c.Close()
			h.send(c, path, meta.Offset)
		}, nil

	default:
		return nil, &mux.Reject{Reason: protocol.ReasonProtocolError, Message: "unknown direction"}
	}
}

// receive streams the channel into path via a temp file in the same
// directory, renamed into place only on success.
func (h *Handler) receive(c *mux.Channel, path string, meta *protocol.FileMeta) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".edgewire-upload-*")
	if err != nil {
		writeResult(c, Result{OK: false, Error: err.Error()})
		return
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	src := NewRateLimitedReader(context.Background(), c, h.cfg.RateLimit)
	if h.cfg.MaxFileSize > 0 {
		src = io.LimitReader(src, h.cfg.MaxFileSize+1)
	}

	written, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && h.cfg.MaxFileSize > 0 && written > h.cfg.MaxFileSize {
		err = fmt.Errorf("file exceeds size limit of %d bytes", h.cfg.MaxFileSize)
	}
	if err == nil && meta.Mode != 0 {
		err = os.Chmod(tmpName, os.FileMode(meta.Mode)&os.ModePerm)
	}
	if err == nil {
		err = os.Rename(tmpName, path)
	}
	if err != nil {
		h.logger.Warn("upload failed",
			logging.KeyPath, path,
			logging.KeyError, err)
		writeResult(c, Result{OK: false, Error: err.Error()})
		return
	}

	h.logger.Info("upload complete",
		logging.KeyPath, path,
		logging.KeyCount, written)
	writeResult(c, Result{OK: true, Written: written})
}

// send streams path from offset onto the channel and half-closes.
func (h *Handler) send(c *mux.Channel, path string, offset int64) {
	f, err := os.Open(path)
	if err != nil {
		c.CloseWithReason(protocol.ReasonInternalError)
		return
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			c.CloseWithReason(protocol.ReasonInternalError)
			return
		}
	}

	dst := NewRateLimitedWriter(context.Background(), c, h.cfg.RateLimit)
	sent, err := io.Copy(dst, f)
	if err != nil {
		h.logger.Warn("download aborted",
			logging.KeyPath, path,
			logging.KeyError, err)
		return
	}
	c.CloseWrite()
	h.logger.Info("download complete",
		logging.KeyPath, path,
		logging.KeyCount, sent)
}

func writeResult(c *mux.Channel, res Result) {
	_ = json.NewEncoder(c).Encode(res)
	c.CloseWrite()
}
