package util

import (
	"context"
	"net"

	"github.com/quty-io/fabric/internal/ferrors"
)

// ResolveIPv4 returns the deduplicated set of IPv4 addresses for host. AAAA
// records are discarded; a host with only IPv6 answers resolves to an
// empty, non-error set (the caller decides whether that's fatal).
func ResolveIPv4(ctx context.Context, host string) ([]string, error) {
	var resolver net.Resolver
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.ResolveFailed, "resolve "+host, err)
	}

	seen := make(map[string]struct{}, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		v4 := a.IP.To4()
		if v4 == nil {
			continue
		}
		s := v4.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}
