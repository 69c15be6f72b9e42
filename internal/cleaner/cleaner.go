package cleaner

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/UltraSive/kvmodel/internal/datastore"
)

// Start sweeps every target on each tick of interval until stop is closed.
// Lazy expiry on reads stays authoritative; sweeping only reclaims memory
// and disk held by entries nobody reads again.
func Start(targets map[string]datastore.Sweeper, interval time.Duration, chunkSize int, log *zap.Logger, stop <-chan struct{}) {
	if log == nil {
		log = zap.NewNop()
	}
	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-t.C:
				RunOnce(targets, chunkSize, log)
			case <-stop:
				return
			}
		}
	}()
}

// RunOnce sweeps each target once, at most chunkSize entries per target,
// and returns the total number of entries removed.
func RunOnce(targets map[string]datastore.Sweeper, chunkSize int, log *zap.Logger) int {
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)

	total := 0
	for _, name := range names {
		n, err := targets[name].Sweep(chunkSize)
		if err != nil {
			log.Warn("sweep failed", zap.String("collection", name), zap.Error(err))
			continue
		}
		if n > 0 {
			log.Debug("swept expired entries", zap.String("collection", name), zap.Int("removed", n))
		}
		total += n
	}
	return total
}
