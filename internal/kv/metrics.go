package kv

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var commitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "treekv",
	Name:      "commits_total",
	Help:      "Commits attempted, by result (ok, noop, conflict, error).",
}, []string{"result"})

var updatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "treekv",
	Name:      "updates_total",
	Help:      "Updates attempted, by result (local, fast-forward, current, ahead, diverged, error).",
}, []string{"result"})

var droppedKeysTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "treekv",
	Name:      "conflict_dropped_keys_total",
	Help:      "Staged keys dropped after losing a commit race.",
})

// RegisterMetrics registers the bucket counters with reg. Registering twice
// with the same registry is not an error.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{commitsTotal, updatesTotal, droppedKeysTotal} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
