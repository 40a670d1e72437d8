//go:build linux

package agent

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/edgewire/edgewire/internal/logging"
	"github.com/edgewire/edgewire/internal/mux"
	"github.com/edgewire/edgewire/internal/protocol"
)

var baudRates = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
}

// acceptSerial bridges a local serial device onto the channel, raw
// bytes both ways.
func (a *Agent) acceptSerial(ch *mux.Channel, metadata []byte) (func(*mux.Channel), *mux.Reject) {
	if !a.cfg.SerialEnabled {
		return nil, &mux.Reject{Reason: protocol.ReasonNotAuthorized, Message: "serial bridge disabled"}
	}

	var meta protocol.SerialMeta
	if err := protocol.DecodeMeta(metadata, &meta); err != nil || meta.Path == "" {
		return nil, &mux.Reject{Reason: protocol.ReasonProtocolError, Message: "bad serial metadata"}
	}

	f, err := os.OpenFile(meta.Path, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, &mux.Reject{Reason: protocol.ReasonTargetUnreachable, Message: err.Error()}
	}

	if meta.Baud > 0 {
		if err := configureSerial(f, meta.Baud); err != nil {
			f.Close()
			return nil, &mux.Reject{Reason: protocol.ReasonProtocolError, Message: err.Error()}
		}
	}

	a.logger.Debug("serial bridge opened", logging.KeyPath, meta.Path)
	return func(c *mux.Channel) {
		defer f.Close()
		defer c.Close()

		go func() {
			io.Copy(f, c)
			f.Close()
		}()
		io.Copy(c, f)
	}, nil
}

// configureSerial puts the port in raw 8N1 mode at the given rate.
func configureSerial(f *os.File, baud int) error {
	code, ok := baudRates[baud]
	if !ok {
		return fmt.Errorf("unsupported baud rate %d", baud)
	}

	fd := int(f.Fd())
	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("read termios: %w", err)
	}

	tio.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	tio.Oflag &^= unix.OPOST
	tio.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	tio.Cflag &^= unix.CSIZE | unix.PARENB | unix.CBAUD
	tio.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | code
	tio.Ispeed = code
	tio.Ospeed = code
	tio.Cc[unix.VMIN] = 1
	tio.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tio); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}
