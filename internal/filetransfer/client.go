package filetransfer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/edgewire/edgewire/internal/mux"
	"github.com/edgewire/edgewire/internal/protocol"
)

// ChannelOpener opens tunnel channels toward a device. *mux.Session
// satisfies it.
type ChannelOpener interface {
	OpenChannel(ctx context.Context, channelType uint8, metadata []byte) (*mux.Channel, error)
}

// Send uploads localPath to remotePath on the device and returns the
// byte count the device confirmed writing.
func Send(ctx context.Context, opener ChannelOpener, deviceID, localPath, remotePath string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", localPath)
	}

	meta, err := encodeFileEnvelope(deviceID, protocol.FileMeta{
		Direction: "upload",
		Path:      remotePath,
		Mode:      uint32(info.Mode().Perm()),
		Size:      info.Size(),
	})
	if err != nil {
		return 0, err
	}

	ch, err := opener.OpenChannel(ctx, protocol.ChannelFileTransfer, meta)
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	if _, err := io.Copy(ch, f); err != nil {
		return 0, fmt.Errorf("upload stream: %w", err)
	}
	ch.CloseWrite()

	var res Result
	if err := json.NewDecoder(ch).Decode(&res); err != nil {
		return 0, fmt.Errorf("read upload result: %w", err)
	}
	if !res.OK {
		return 0, fmt.Errorf("upload rejected by device: %s", res.Error)
	}
	if res.Written != info.Size() {
		return res.Written, fmt.Errorf("device wrote %d of %d bytes", res.Written, info.Size())
	}
	return res.Written, nil
}

// Fetch downloads remotePath from the device into localPath. With
// resume set, an existing partial local file continues from its
// current size instead of starting over. Returns the bytes received
// in this call.
func Fetch(ctx context.Context, opener ChannelOpener, deviceID, remotePath, localPath string, resume bool) (int64, error) {
	var offset int64
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if resume {
		if info, err := os.Stat(localPath); err == nil && !info.IsDir() {
			offset = info.Size()
			flags = os.O_WRONLY | os.O_APPEND
		}
	}

	meta, err := encodeFileEnvelope(deviceID, protocol.FileMeta{
		Direction: "download",
		Path:      remotePath,
		Offset:    offset,
	})
	if err != nil {
		return 0, err
	}

	ch, err := opener.OpenChannel(ctx, protocol.ChannelFileTransfer, meta)
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	f, err := os.OpenFile(localPath, flags, 0o644)
	if err != nil {
		return 0, err
	}

	n, copyErr := io.Copy(f, ch)
	if err := f.Close(); copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return n, fmt.Errorf("download stream: %w", copyErr)
	}
	return n, nil
}

// encodeFileEnvelope builds the operator OPEN metadata for a transfer.
func encodeFileEnvelope(deviceID string, meta protocol.FileMeta) ([]byte, error) {
	inner, err := protocol.EncodeMeta(meta)
	if err != nil {
		return nil, err
	}
	return protocol.EncodeMeta(protocol.OperatorMeta{
		DeviceID: deviceID,
		Meta:     inner,
	})
}
