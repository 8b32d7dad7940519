package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RecipientsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_recipients_sent_total",
			Help: "Total recipients with a sent delivery record",
		},
	)

	RecipientsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_recipients_failed_total",
			Help: "Total recipients with a failed delivery record",
		},
	)

	RecipientsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_recipients_skipped_total",
			Help: "Total recipients skipped as duplicates at dispatch time",
		},
	)

	BatchesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_batches_failed_total",
			Help: "Total batches that failed transport-side",
		},
	)

	ContactsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audience_contacts_dropped_total",
			Help: "Total explicit contact IDs that no longer resolved",
		},
	)

	DraftsSaved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "draft_saves_total",
			Help: "Total draft snapshots persisted",
		},
	)

	DraftSaveFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "draft_save_failures_total",
			Help: "Total draft snapshot writes that failed",
		},
	)
)

func Init() {
	prometheus.MustRegister(
		RecipientsSent,
		RecipientsFailed,
		RecipientsSkipped,
		BatchesFailed,
		ContactsDropped,
		DraftsSaved,
		DraftSaveFailures,
	)
}
