// Package isp resolves the provider name behind a client's source IP for
// connection-log display. Results are cached with a TTL; the cache is
// persisted so restarts do not re-resolve the whole fleet.
package isp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/oschwald/maxminddb-golang/v2"
)

const (
	unknownISP   = "Unknown ISP"
	privateRange = "Private Range"
	invalidIP    = "Invalid IP"
)

// asnRecord is a minimal struct for fast MMDB decoding.
type asnRecord struct {
	Organization string `maxminddb:"autonomous_system_organization"`
}

type cacheEntry struct {
	ISP       string    `json:"isp"`
	Timestamp time.Time `json:"timestamp"`
}

// Resolver answers "which provider does this IP belong to". An ASN MMDB
// database is preferred when configured; reverse DNS is the fallback.
type Resolver struct {
	cachePath string
	ttl       time.Duration
	mmdbPath  string
	refresh   time.Duration
	logger    *slog.Logger

	dnsAddr   string
	dnsClient *dns.Client

	mu     sync.Mutex
	cache  map[string]cacheEntry
	reader *maxminddb.Reader
}

// New builds a Resolver. mmdbPath may be empty; the resolver then relies
// on reverse DNS alone. A missing or corrupt cache file starts empty.
func New(mmdbPath, cachePath string, ttl, refresh time.Duration, logger *slog.Logger) (*Resolver, error) {
	r := &Resolver{
		cachePath: cachePath,
		ttl:       ttl,
		mmdbPath:  mmdbPath,
		refresh:   refresh,
		logger:    logger,
		dnsAddr:   "1.1.1.1:53",
		dnsClient: &dns.Client{Timeout: 5 * time.Second},
		cache:     make(map[string]cacheEntry),
	}

	if mmdbPath != "" {
		reader, err := maxminddb.Open(mmdbPath)
		if err != nil {
			return nil, fmt.Errorf("isp: opening mmdb %q: %w", mmdbPath, err)
		}
		r.reader = reader
		logger.Info("isp: mmdb loaded", "path", mmdbPath, "type", reader.Metadata.DatabaseType)
	}

	r.loadCache()
	return r, nil
}

func (r *Resolver) loadCache() {
	data, err := os.ReadFile(r.cachePath)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &r.cache); err != nil {
		r.logger.Warn("isp: corrupt cache, starting empty", "path", r.cachePath, "err", err)
		r.cache = make(map[string]cacheEntry)
	}
}

// saveCache is called with r.mu held.
func (r *Resolver) saveCache() {
	data, err := json.Marshal(r.cache)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.cachePath), 0o755); err != nil {
		return
	}
	if err := os.WriteFile(r.cachePath, data, 0o600); err != nil {
		r.logger.Warn("isp: writing cache failed", "err", err)
	}
}

// Lookup resolves ip to a provider name. It never fails: unresolvable
// addresses come back as "Unknown ISP".
func (r *Resolver) Lookup(ctx context.Context, ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return invalidIP
	}
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() {
		return privateRange
	}

	r.mu.Lock()
	if e, ok := r.cache[ip]; ok && time.Since(e.Timestamp) < r.ttl {
		r.mu.Unlock()
		return e.ISP
	}
	r.mu.Unlock()

	name := r.lookupMMDB(addr)
	if name == "" {
		name = r.lookupPTR(ctx, ip)
	}
	if name == "" {
		name = unknownISP
	}

	r.mu.Lock()
	r.cache[ip] = cacheEntry{ISP: name, Timestamp: time.Now().UTC()}
	r.saveCache()
	r.mu.Unlock()
	return name
}

func (r *Resolver) lookupMMDB(addr netip.Addr) string {
	r.mu.Lock()
	reader := r.reader
	r.mu.Unlock()
	if reader == nil {
		return ""
	}
	var rec asnRecord
	if err := reader.Lookup(addr).Decode(&rec); err != nil {
		return ""
	}
	return rec.Organization
}

func (r *Resolver) lookupPTR(ctx context.Context, ip string) string {
	rev, err := dns.ReverseAddr(ip)
	if err != nil {
		return ""
	}
	msg := new(dns.Msg)
	msg.SetQuestion(rev, dns.TypePTR)

	resp, _, err := r.dnsClient.ExchangeContext(ctx, msg, r.dnsAddr)
	if err != nil || resp == nil {
		return ""
	}
	for _, ans := range resp.Answer {
		if ptr, ok := ans.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, ".")
		}
	}
	return ""
}

// Evict drops cache entries older than the TTL. Run from housekeeping.
func (r *Resolver) Evict(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	for ip, e := range r.cache {
		if now.Sub(e.Timestamp) >= r.ttl {
			delete(r.cache, ip)
			changed = true
		}
	}
	if changed {
		r.saveCache()
	}
}

// StartRefresh reloads the MMDB database periodically, mirroring upstream
// database updates without a restart.
func (r *Resolver) StartRefresh(ctx context.Context) {
	if r.mmdbPath == "" || r.refresh <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(r.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reader, err := maxminddb.Open(r.mmdbPath)
				if err != nil {
					r.logger.Error("isp: mmdb reload failed", "err", err)
					continue
				}
				r.mu.Lock()
				old := r.reader
				r.reader = reader
				r.mu.Unlock()
				if old != nil {
					old.Close()
				}
				r.logger.Info("isp: mmdb reloaded", "path", r.mmdbPath)
			}
		}
	}()
}

// Close releases the MMDB reader.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader != nil {
		return r.reader.Close()
	}
	return nil
}
