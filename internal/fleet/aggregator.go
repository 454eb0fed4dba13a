package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nsmelov/wgfleet/internal/metrics"
	"github.com/nsmelov/wgfleet/internal/wgstatus"
)

// KeyMapper resolves daemon public keys to usernames.
type KeyMapper interface {
	KeyToName(ctx context.Context) (map[string]string, error)
}

// ConnRecorder receives (username, endpoint) observations for the
// connection log.
type ConnRecorder interface {
	Record(username, endpoint string, now time.Time) error
}

// Aggregator merges status snapshots from every fleet member into one
// username-keyed view.
type Aggregator struct {
	local   Source
	remotes []Source
	keys    KeyMapper
	conns   ConnRecorder
	logger  *slog.Logger

	now func() time.Time
}

func NewAggregator(local Source, remotes []Source, keys KeyMapper, conns ConnRecorder, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		local:   local,
		remotes: remotes,
		keys:    keys,
		conns:   conns,
		logger:  logger,
		now:     time.Now,
	}
}

// ActiveClients returns who is live right now and where, keyed by
// username. The local daemon is merged first and remote servers after, in
// configuration order, so on a key collision the remote record wins: it
// was fetched later in the cycle and represents the freshest data for
// failover setups. A failing server contributes nothing and does not
// abort the others.
func (a *Aggregator) ActiveClients(ctx context.Context) (map[string]wgstatus.ActiveClient, error) {
	keyToName, err := a.keys.KeyToName(ctx)
	if err != nil {
		return nil, fmt.Errorf("fleet: resolving key map: %w", err)
	}

	merged := make(map[string]wgstatus.ActiveClient)
	sources := append([]Source{a.local}, a.remotes...)
	for _, src := range sources {
		raw, err := src.QueryStatus(ctx)
		if err != nil {
			metrics.SourceQueryErrors.WithLabelValues(src.Name()).Inc()
			a.logger.Warn("fleet: status query failed", "server", src.Name(), "err", err)
			continue
		}
		for _, client := range wgstatus.Parse(raw, keyToName, src.Name()) {
			merged[client.Username] = client
			if a.conns != nil && client.Endpoint != "" {
				if err := a.conns.Record(client.Username, client.Endpoint, a.now()); err != nil {
					a.logger.Warn("fleet: recording connection failed",
						"username", client.Username, "err", err)
				}
			}
		}
	}

	metrics.ActiveClients.Set(float64(len(merged)))
	return merged, nil
}
