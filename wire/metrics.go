// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package wire

import "github.com/prometheus/client_golang/prometheus"

// metrics record peer activity counters. They are shared by all peers in the
// process.
type metrics struct {
	packetRecv    prometheus.Counter
	packetSent    prometheus.Counter
	packetDropped prometheus.Counter
	callIn        prometheus.Counter // inbound calls received
	callInErr     prometheus.Counter // inbound calls reporting an error
	callOut       prometheus.Counter // outbound calls initiated
	callOutErr    prometheus.Counter // outbound calls reporting an error
	cancelIn      prometheus.Counter // cancellations received
	callActive    prometheus.Gauge   // inbound
	callPending   prometheus.Gauge   // outbound
}

var peerMetrics = newMetrics()

func newMetrics() *metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "transcend", Subsystem: "wire", Name: name, Help: help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "transcend", Subsystem: "wire", Name: name, Help: help,
		})
	}
	return &metrics{
		packetRecv:    counter("packets_received_total", "Packets received from remote peers."),
		packetSent:    counter("packets_sent_total", "Packets sent to remote peers."),
		packetDropped: counter("packets_dropped_total", "Packets received and discarded."),
		callIn:        counter("calls_in_total", "Inbound call requests received."),
		callInErr:     counter("calls_in_failed_total", "Inbound call requests resulting in errors."),
		callOut:       counter("calls_out_total", "Outbound call requests sent."),
		callOutErr:    counter("calls_out_failed_total", "Outbound call requests resulting in errors."),
		cancelIn:      counter("cancels_in_total", "Cancellation requests received."),
		callActive:    gauge("calls_active", "Inbound calls currently active."),
		callPending:   gauge("calls_pending", "Outbound calls currently pending."),
	}
}

// Collectors returns the metric collectors updated by all peers in this
// process, for registration with a prometheus registry.
func Collectors() []prometheus.Collector {
	m := peerMetrics
	return []prometheus.Collector{
		m.packetRecv, m.packetSent, m.packetDropped,
		m.callIn, m.callInErr, m.callOut, m.callOutErr, m.cancelIn,
		m.callActive, m.callPending,
	}
}
