// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package skyline

import (
	"expvar"

	"github.com/prometheus/client_golang/prometheus"
)

// clientMetrics record client activity counters.
type clientMetrics struct {
	packetRecv      expvar.Int
	packetSent      expvar.Int
	packetDropped   expvar.Int
	decodeErrors    expvar.Int
	requestsOut     expvar.Int // number of correlated requests sent
	requestsFailed  expvar.Int // number of requests resolved with an error
	requestsTimeout expvar.Int // number of requests that timed out
	channelsJoined  expvar.Int // gauge
	subsInvoked     expvar.Int // number of subscriber callbacks run
	dictEpoch       expvar.Int // gauge
	dictRejected    expvar.Int // number of dictionary pushes rejected

	emap *expvar.Map
}

// A metricDef describes how an expvar entry is exported to Prometheus.
type metricDef struct {
	key   string
	help  string
	gauge bool
}

var metricDefs = []metricDef{
	{"packets_received", "Frames received from the server.", false},
	{"packets_sent", "Frames sent to the server.", false},
	{"packets_dropped", "Frames received and discarded.", false},
	{"decode_errors", "Frames that could not be decoded.", false},
	{"requests_out", "Correlated requests sent.", false},
	{"requests_failed", "Requests resolved with an error.", false},
	{"requests_timeout", "Requests that timed out.", false},
	{"requests_pending", "Requests awaiting a response.", true},
	{"channels_joined", "Channels currently joined.", true},
	{"subscribers_invoked", "Subscriber callbacks invoked.", false},
	{"dictionary_epoch", "Epoch of the current dictionary.", true},
	{"dictionary_rejected", "Dictionary pushes rejected.", false},
}

func newClientMetrics(pending func() int) *clientMetrics {
	m := &clientMetrics{emap: new(expvar.Map)}
	m.emap.Set("packets_received", &m.packetRecv)
	m.emap.Set("packets_sent", &m.packetSent)
	m.emap.Set("packets_dropped", &m.packetDropped)
	m.emap.Set("decode_errors", &m.decodeErrors)
	m.emap.Set("requests_out", &m.requestsOut)
	m.emap.Set("requests_failed", &m.requestsFailed)
	m.emap.Set("requests_timeout", &m.requestsTimeout)
	m.emap.Set("requests_pending", expvar.Func(func() any { return pending() }))
	m.emap.Set("channels_joined", &m.channelsJoined)
	m.emap.Set("subscribers_invoked", &m.subsInvoked)
	m.emap.Set("dictionary_epoch", &m.dictEpoch)
	m.emap.Set("dictionary_rejected", &m.dictRejected)
	return m
}

// collectors returns Prometheus collectors that read the values of m.
// Each collector carries a constant "client" label with the given name.
func (m *clientMetrics) collectors(name string) []prometheus.Collector {
	var out []prometheus.Collector
	for _, def := range metricDefs {
		v := m.emap.Get(def.key)
		if v == nil {
			continue
		}
		opts := prometheus.Opts{
			Namespace:   "skyline",
			Subsystem:   "client",
			Name:        def.key,
			Help:        def.help,
			ConstLabels: prometheus.Labels{"client": name},
		}
		read := func() float64 { return metricValue(v) }
		if def.gauge {
			out = append(out, prometheus.NewGaugeFunc(prometheus.GaugeOpts(opts), read))
		} else {
			opts.Name += "_total"
			out = append(out, prometheus.NewCounterFunc(prometheus.CounterOpts(opts), read))
		}
	}
	return out
}

func metricValue(v expvar.Var) float64 {
	switch t := v.(type) {
	case *expvar.Int:
		return float64(t.Value())
	case *expvar.Float:
		return t.Value()
	case expvar.Func:
		if n, ok := t.Value().(int); ok {
			return float64(n)
		}
	}
	return 0
}
