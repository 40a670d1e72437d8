//go:build !linux

package agent

import (
	"github.com/edgewire/edgewire/internal/mux"
	"github.com/edgewire/edgewire/internal/protocol"
)

func (a *Agent) acceptSerial(_ *mux.Channel, _ []byte) (func(*mux.Channel), *mux.Reject) {
	return nil, &mux.Reject{Reason: protocol.ReasonUnsupportedType, Message: "serial bridge requires linux"}
}
