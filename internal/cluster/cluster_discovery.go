package cluster

import (
	"context"
	"fmt"

	"github.com/quty-io/fabric/internal/logger"
	"github.com/quty-io/fabric/internal/util"
)

// runDiscoveryOnce unions the three sources of spec.md §4.7.3 — DNS
// service resolution, a static address list, and an HTTP JSON fetch —
// and calls AddNode for every distinct address found. AddNode itself
// already no-ops on an address already tracked or pending, so the union
// here only needs to dedupe within a single pass to avoid redundant log
// noise, not for correctness.
func (cl *Cluster) runDiscoveryOnce(ctx context.Context) {
	seen := make(map[string]struct{})

	for _, addr := range cl.discoverService(ctx) {
		cl.considerDiscovered(addr, seen)
	}
	for _, addr := range cl.discoverStatic() {
		cl.considerDiscovered(addr, seen)
	}
	for _, addr := range cl.discoverFetch(ctx) {
		cl.considerDiscovered(addr, seen)
	}
}

func (cl *Cluster) considerDiscovered(raw string, seen map[string]struct{}) {
	addr, err := parseAddressString(raw, cl.cfg.Port)
	if err != nil {
		return
	}
	key := addr.Key()
	if _, dup := seen[key]; dup {
		return
	}
	seen[key] = struct{}{}
	cl.AddNode(raw)
}

func (cl *Cluster) discoverService(ctx context.Context) []string {
	if cl.cfg.Discovery.Service == "" {
		return nil
	}
	ips, err := util.ResolveIPv4(ctx, cl.cfg.Discovery.Service)
	if err != nil {
		logger.Tagged("cluster").Debug().Err(err).Str("service", cl.cfg.Discovery.Service).Msg("discovery DNS lookup failed")
		return nil
	}
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, fmt.Sprintf("%s:%d", ip, cl.cfg.Port))
	}
	return out
}

func (cl *Cluster) discoverStatic() []string {
	return cl.cfg.Discovery.Nodes
}

// discoverFetch pulls a JSON array of addresses from a configured URL,
// caching the result for the discovery cache's TTL (an extra supplement
// over spec.md, which treats fetch as always-live) so a flaky or
// rate-limited discovery endpoint doesn't stall every tick.
func (cl *Cluster) discoverFetch(ctx context.Context) []string {
	if cl.cfg.Discovery.Fetch == "" {
		return nil
	}

	if cl.disco != nil && cl.disco.IsEnabled() {
		if cached, ok := cl.disco.Get(ctx, cl.cfg.Discovery.Fetch); ok {
			return cached
		}
	}

	raw, err := util.FetchJson(ctx, cl.cfg.Discovery.Fetch, "GET", map[string]string{"id": cl.selfId}, nil, util.DefaultFetchTimeout)
	if err != nil {
		logger.Tagged("cluster").Debug().Err(err).Str("url", cl.cfg.Discovery.Fetch).Msg("discovery fetch failed")
		return nil
	}

	items, ok := raw.([]any)
	if !ok {
		logger.Tagged("cluster").Warn().Str("url", cl.cfg.Discovery.Fetch).Msg("discovery fetch did not return a JSON array")
		return nil
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		addr, err := parseAddress(item, cl.cfg.Port)
		if err != nil {
			continue
		}
		out = append(out, addr.Key())
	}

	if cl.disco != nil && cl.disco.IsEnabled() {
		cl.disco.Put(ctx, cl.cfg.Discovery.Fetch, out)
	}
	return out
}
