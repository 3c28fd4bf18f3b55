package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LatestHeadBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "monitor",
		Subsystem: "crawler",
		Name:      "latest_head_block",
		Help:      "Shows the latest head block seen by the crawler of the particular chain.",
	}, []string{"chain_id", "address"})
	LatestProcessedBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "monitor",
		Subsystem: "crawler",
		Name:      "latest_processed_block",
		Help:      "Shows the latest fully persisted block. Events up to this block are already projected to DB rows.",
	}, []string{"chain_id", "address"})
	SyncedCrawler = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "monitor",
		Subsystem: "crawler",
		Name:      "synced",
		Help:      "Shows 1 if the crawler is considered as synced up to chain head.",
	}, []string{"chain_id", "address"})
	DetectedReorgs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "crawler",
		Name:      "detected_reorgs_total",
		Help:      "Counts chain reorganizations detected and rolled back.",
	}, []string{"chain_id", "address"})
	PersistedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "monitor",
		Subsystem: "crawler",
		Name:      "persisted_events_total",
		Help:      "Counts vault events projected into the transactions table.",
	}, []string{"chain_id", "address", "operation"})
)
