package cluster

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/quty-io/fabric/internal/ferrors"
)

// Address is a normalized (proto, ip, port) peer address, per spec.md §3.
type Address struct {
	Proto string
	IP    string
	Port  int
}

// Key is the canonical "ip:port" map key used by nodeIps.
func (a Address) Key() string { return fmt.Sprintf("%s:%d", a.IP, a.Port) }

// URL builds the dial URL for this address and an upgrade path.
func (a Address) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s:%d%s", a.Proto, a.IP, a.Port, path)
}

// parseAddress normalizes one discovery entry — a bare "ip", an
// "ip:port" string, or a {ip,port} map (as produced by JSON discovery
// fetches) — defaulting proto to "ws" and port to defaultPort.
func parseAddress(raw any, defaultPort int) (Address, error) {
	switch v := raw.(type) {
	case string:
		return parseAddressString(v, defaultPort)
	case map[string]any:
		ip, _ := v["ip"].(string)
		if ip == "" {
			return Address{}, ferrors.New(ferrors.Malformed, "address map missing ip")
		}
		port := defaultPort
		if p, ok := v["port"]; ok {
			switch pv := p.(type) {
			case float64:
				port = int(pv)
			case string:
				if n, err := strconv.Atoi(pv); err == nil {
					port = n
				}
			}
		}
		proto := "ws"
		if p, ok := v["proto"].(string); ok && p != "" {
			proto = p
		}
		return Address{Proto: proto, IP: ip, Port: port}, nil
	default:
		return Address{}, ferrors.New(ferrors.Malformed, "unsupported address shape")
	}
}

func parseAddressString(s string, defaultPort int) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, ferrors.New(ferrors.Malformed, "empty address")
	}

	proto := "ws"
	if idx := strings.Index(s, "://"); idx >= 0 {
		proto = s[:idx]
		s = s[idx+3:]
	}

	ip := s
	port := defaultPort
	if idx := strings.LastIndex(s, ":"); idx >= 0 {
		ip = s[:idx]
		if p, err := strconv.Atoi(s[idx+1:]); err == nil {
			port = p
		}
	}
	if ip == "" {
		return Address{}, ferrors.New(ferrors.Malformed, "address missing host")
	}
	return Address{Proto: proto, IP: ip, Port: port}, nil
}
