// Package metrics exposes prometheus counters for the signing pipeline and
// key rotation. Collection is always on; exposition is file-based, not a
// network listener, per spec §1's Non-goal that all I/O is stdin/stdout
// plus local files.
package metrics

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// Metrics holds the counters touched by the signing and rotation paths.
type Metrics struct {
	SignedTotal        prometheus.Counter
	UnsignedTotal      *prometheus.CounterVec // labeled by reason
	KeysRotatedTotal   prometheus.Counter
	KeysPublishedTotal prometheus.Counter

	registry *prometheus.Registry
}

// New registers a fresh set of counters against its own registry, so tests
// can construct more than one Metrics without colliding on the default
// global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		registry: reg,
		SignedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dkimout_signed_total",
			Help: "Messages successfully signed.",
		}),
		UnsignedTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dkimout_unsigned_total",
			Help: "Messages emitted unsigned, by reason.",
		}, []string{"reason"}),
		KeysRotatedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dkimout_keys_rotated_total",
			Help: "Signing keys generated by the rotation scheduler.",
		}),
		KeysPublishedTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dkimout_keys_published_total",
			Help: "Private keys appended to the revocation list.",
		}),
	}
}

// Dump writes the current counters to path in the Prometheus text exposition
// format, truncating any previous contents. It is meant to be called from a
// signal handler (SIGUSR1) rather than served over the network.
func (m *Metrics) Dump(path string) error {
	families, err := m.registry.Gather()
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := expfmt.NewEncoder(f, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
