// Copyright 2024 Richard Hughes <richard@hughsie.com>
//
// SPDX-License-Identifier: LGPL-2.1-or-later

// Package metrics exposes the Prometheus counters and gauges SPEC_FULL.md
// §4.3 requires HttpFront to serve on /metrics: bytes downloaded, bytes
// shared, items published, and estimated carbon/bandwidth savings.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric passim exports so callers construct it once
// and pass it down instead of reaching for global state.
type Registry struct {
	ItemsPublished   prometheus.Counter
	ItemsUnpublished prometheus.Counter
	BytesDownloaded  prometheus.Counter
	BytesShared      prometheus.Counter
	SharesServed     prometheus.Counter
	ItemsInCache     prometheus.Gauge
	DownloadSaving   prometheus.Gauge
	CarbonSaving     prometheus.Gauge
}

// NewRegistry creates and registers every metric on reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		ItemsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "passim", Name: "items_published_total",
			Help: "Number of items published to the local cache.",
		}),
		ItemsUnpublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "passim", Name: "items_unpublished_total",
			Help: "Number of items removed from the local cache, by expiry, share limit or request.",
		}),
		BytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "passim", Name: "bytes_downloaded_total",
			Help: "Bytes peers downloaded from the local cache instead of the internet.",
		}),
		BytesShared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "passim", Name: "bytes_shared_total",
			Help: "Bytes served to peers from the local cache.",
		}),
		SharesServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "passim", Name: "shares_served_total",
			Help: "Number of successful item downloads served to peers.",
		}),
		ItemsInCache: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "passim", Name: "items_in_cache",
			Help: "Number of items currently held in the local cache.",
		}),
		DownloadSaving: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "passim", Name: "download_saving_bytes",
			Help: "Estimated bytes saved by serving from the LAN instead of the internet.",
		}),
		CarbonSaving: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "passim", Name: "carbon_saving_kilograms",
			Help: "Estimated kilograms of CO2e saved, using the configured carbon cost per byte.",
		}),
	}
	reg.MustRegister(
		r.ItemsPublished, r.ItemsUnpublished, r.BytesDownloaded, r.BytesShared,
		r.SharesServed, r.ItemsInCache, r.DownloadSaving, r.CarbonSaving,
	)
	return r
}

// RecordShare updates the counters a single successful peer download
// produces: bytes shared, a share event and the derived carbon/bandwidth
// saving gauges (spec.md §4.3, "Carbon/bandwidth accounting").
func (r *Registry) RecordShare(bytes uint64, carbonCostPerByte float64) {
	r.BytesShared.Add(float64(bytes))
	r.BytesDownloaded.Add(float64(bytes))
	r.SharesServed.Inc()
	r.DownloadSaving.Add(float64(bytes))
	r.CarbonSaving.Add(float64(bytes) * carbonCostPerByte)
}
