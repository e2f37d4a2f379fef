// Package metrics instruments the signed-request pipeline with prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder collects stats about requests made to an ACME server. The zero
// value is usable and records nothing.
type Recorder struct {
	requestTime     *prometheus.HistogramVec
	nonceFetches    prometheus.Counter
	badNonceRetries prometheus.Counter
}

// New builds a Recorder and registers its collectors. A nil registerer
// returns a no-op Recorder.
func New(registerer prometheus.Registerer) *Recorder {
	if registerer == nil {
		return &Recorder{}
	}

	r := &Recorder{
		requestTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "acme_request_time",
				Help: "Time taken by requests to the ACME server",
			},
			[]string{"kind", "method", "code"}),
		nonceFetches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "acme_nonce_fetches",
				Help: "Number of explicit new-nonce requests",
			}),
		badNonceRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "acme_bad_nonce_retries",
				Help: "Number of requests re-signed after a badNonce rejection",
			}),
	}
	registerer.MustRegister(r.requestTime, r.nonceFetches, r.badNonceRetries)
	return r
}

// ObserveRequest records one request/response exchange.
func (r *Recorder) ObserveRequest(kind, method string, code int, elapsed time.Duration) {
	if r == nil || r.requestTime == nil {
		return
	}
	r.requestTime.With(prometheus.Labels{
		"kind":   kind,
		"method": method,
		"code":   strconv.Itoa(code),
	}).Observe(elapsed.Seconds())
}

// NonceFetch records an explicit request to the newNonce endpoint.
func (r *Recorder) NonceFetch() {
	if r == nil || r.nonceFetches == nil {
		return
	}
	r.nonceFetches.Inc()
}

// BadNonceRetry records a transparent re-sign after a badNonce rejection.
func (r *Recorder) BadNonceRetry() {
	if r == nil || r.badNonceRetries == nil {
		return
	}
	r.badNonceRetries.Inc()
}
