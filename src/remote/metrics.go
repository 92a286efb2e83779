package remote

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/prometheus/common/expfmt"
)

// runnerMetrics tracks the counters worth pushing to a gateway for a
// long-lived Runner: how often we retried after a MissingDigests response,
// how often polling timed out, and how many times the connection was reset.
type runnerMetrics struct {
	missingDigestsCounter  prometheus.Counter
	timeoutCounter         prometheus.Counter
	connectionResetCounter prometheus.Counter
}

func newRunnerMetrics() *runnerMetrics {
	return &runnerMetrics{
		missingDigestsCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remote_execution_missing_digests_total",
			Help: "Number of times Execute was retried after a MissingDigests response",
		}),
		timeoutCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remote_execution_timeout_total",
			Help: "Number of Run calls that gave up after exceeding their deadline",
		}),
		connectionResetCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remote_execution_connection_reset_total",
			Help: "Number of times the gRPC connection to the execution server was reset",
		}),
	}
}

// push sends the current counter values to a Prometheus pushgateway, if one
// is configured. Errors are logged rather than returned: a metrics push
// failure must never fail the execution it's reporting on.
func (m *runnerMetrics) push(gatewayURL string) {
	if gatewayURL == "" {
		return
	}
	if err := push.New(gatewayURL, "remote_execution").
		Collector(m.missingDigestsCounter).
		Collector(m.timeoutCounter).
		Collector(m.connectionResetCounter).
		Format(expfmt.FmtText).
		Push(); err != nil {
		log.Warningf("error pushing to prometheus pushgateway: %s", err)
	}
}
