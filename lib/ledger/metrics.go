package ledger

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// --------------------------------------------------------------------------
// Client metrics
// --------------------------------------------------------------------------

// clientMetrics is a private metrics set, several clients in one process never
// share counters.
type clientMetrics struct {
	set *metrics.Set

	submitted  *metrics.Counter
	completed  *metrics.Counter
	overloaded *metrics.Counter
	rejected   *metrics.Counter
	stale      *metrics.Counter
	faults     *metrics.Counter
	latency    *metrics.Histogram
}

func newClientMetrics(clusterID string, pool *packetPool) *clientMetrics {
	set := metrics.NewSet()
	name := func(metric string) string {
		return fmt.Sprintf(`ledger_client_%s{cluster=%q}`, metric, clusterID)
	}

	m := &clientMetrics{
		set:        set,
		submitted:  set.NewCounter(name("packets_submitted_total")),
		completed:  set.NewCounter(name("packets_completed_total")),
		overloaded: set.NewCounter(name("submit_overloaded_total")),
		rejected:   set.NewCounter(name("packets_rejected_total")),
		stale:      set.NewCounter(name("stale_completions_total")),
		faults:     set.NewCounter(name("bridge_faults_total")),
		latency:    set.NewHistogram(name("completion_seconds")),
	}
	set.NewGauge(name("packets_in_flight"), func() float64 {
		return float64(pool.InUse())
	})
	set.NewGauge(name("packet_pool_capacity"), func() float64 {
		return float64(pool.Capacity())
	})
	return m
}

// Stats is a point in time view of a client's counters.
type Stats struct {
	Capacity         int
	InFlight         int
	Submitted        uint64
	Completed        uint64
	Overloaded       uint64
	Rejected         uint64
	StaleCompletions uint64
	BridgeFaults     uint64
}

// Stats returns the client's current counters.
func (c *Client) Stats() Stats {
	return Stats{
		Capacity:         c.pool.Capacity(),
		InFlight:         c.pool.InUse(),
		Submitted:        c.metrics.submitted.Get(),
		Completed:        c.metrics.completed.Get(),
		Overloaded:       c.metrics.overloaded.Get(),
		Rejected:         c.metrics.rejected.Get(),
		StaleCompletions: c.metrics.stale.Get(),
		BridgeFaults:     c.metrics.faults.Get(),
	}
}

// WriteMetrics writes the client's metrics in Prometheus text format.
func (c *Client) WriteMetrics(w io.Writer) {
	c.metrics.set.WritePrometheus(w)
}
