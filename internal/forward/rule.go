// Package forward implements port forwarding over tunnel channels: the
// operator side listens locally and opens one channel per connection or
// flow; the device side dials the real target and bridges bytes back.
package forward

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Protocols accepted in forward rules.
const (
	ProtoTCP = "tcp"
	ProtoUDP = "udp"
)

// Rule is one parsed forward specification.
type Rule struct {
	// LocalPort is the operator-side listen port.
	LocalPort uint16

	// Host is the device-side target host. Empty means the device's
	// own loopback.
	Host string

	// Port is the device-side target port.
	Port uint16

	// Proto is "tcp" or "udp".
	Proto string
}

// Target returns the device-side dial target.
func (r Rule) Target() string {
	host := r.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(int(r.Port)))
}

// String renders the rule in the grammar accepted by ParseRule.
func (r Rule) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d:", r.LocalPort)
	if r.Host != "" {
		b.WriteString(r.Host)
		b.WriteByte(':')
	}
	fmt.Fprintf(&b, "%d/%s", r.Port, r.Proto)
	return b.String()
}

// ParseRule parses a forward specification of the form
//
//	[local_port:][host:]port[/protocol]
//
// A bare port forwards the same port number from the device loopback.
// When host is omitted the target is the device's own loopback. The
// protocol defaults to tcp.
func ParseRule(s string) (Rule, error) {
	rule := Rule{Proto: ProtoTCP}

	spec := s
	if i := strings.LastIndexByte(spec, '/'); i >= 0 {
		proto := strings.ToLower(spec[i+1:])
		if proto != ProtoTCP && proto != ProtoUDP {
			return Rule{}, fmt.Errorf("invalid forward rule %q: unknown protocol %q", s, proto)
		}
		rule.Proto = proto
		spec = spec[:i]
	}

	parts := strings.Split(spec, ":")
	switch len(parts) {
	case 1:
		// "554" forwards local 554 to device loopback 554.
		port, err := parsePort(parts[0])
		if err != nil {
			return Rule{}, fmt.Errorf("invalid forward rule %q: %w", s, err)
		}
		rule.LocalPort = port
		rule.Port = port
	case 2:
		// "8080:554" or "host:554".
		port, err := parsePort(parts[1])
		if err != nil {
			return Rule{}, fmt.Errorf("invalid forward rule %q: %w", s, err)
		}
		rule.Port = port
		if local, lerr := parsePort(parts[0]); lerr == nil {
			rule.LocalPort = local
		} else {
			rule.Host = parts[0]
			rule.LocalPort = port
		}
	case 3:
		// "8080:host:554".
		local, err := parsePort(parts[0])
		if err != nil {
			return Rule{}, fmt.Errorf("invalid forward rule %q: %w", s, err)
		}
		port, err := parsePort(parts[2])
		if err != nil {
			return Rule{}, fmt.Errorf("invalid forward rule %q: %w", s, err)
		}
		rule.LocalPort = local
		rule.Host = parts[1]
		rule.Port = port
	default:
		return Rule{}, fmt.Errorf("invalid forward rule %q", s)
	}

	if rule.Port == 0 {
		return Rule{}, fmt.Errorf("invalid forward rule %q: target port 0", s)
	}
	return rule, nil
}

// ParseRules parses a list of forward specifications, failing on the
// first invalid one.
func ParseRules(specs []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, s := range specs {
		r, err := ParseRule(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("bad port %q", s)
	}
	return uint16(n), nil
}
