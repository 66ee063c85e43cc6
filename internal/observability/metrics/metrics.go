package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	KeysPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keys_published_total",
			Help: "Key bundle publishes by result.",
		},
		[]string{"service", "result"},
	)

	PreKeyBundlesFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prekey_bundles_fetched_total",
			Help: "Pre-key bundle fetches by result.",
		},
		[]string{"service", "result"},
	)

	PreKeyPoolExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prekey_pool_exhausted_total",
			Help: "Bundle fetches served without a one-time pre-key.",
		},
		[]string{"service"},
	)

	OneTimePreKeysRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "one_time_prekeys_remaining",
			Help: "Pool size observed by the most recent fetch or status call.",
		},
		[]string{"service"},
	)

	SignedPreKeysRotatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signed_prekeys_rotated_total",
			Help: "Signed pre-key rotations by result.",
		},
		[]string{"service", "result"},
	)

	SessionsEstablishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessions_established_total",
			Help: "Pairwise session establishments by result.",
		},
		[]string{"service", "result"},
	)

	MessagesSealedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_sealed_total",
			Help: "Pairwise message encryptions by result.",
		},
		[]string{"service", "result"},
	)

	MessagesOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_opened_total",
			Help: "Pairwise message decryptions by result.",
		},
		[]string{"service", "result"},
	)

	GroupMessagesSealedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "group_messages_sealed_total",
			Help: "Group message encryptions by result.",
		},
		[]string{"service", "result"},
	)

	GroupMessagesOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "group_messages_opened_total",
			Help: "Group message decryptions by result.",
		},
		[]string{"service", "result"},
	)

	SenderKeyRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sender_key_rotations_total",
			Help: "Sender key rotations by reason.",
		},
		[]string{"service", "reason"},
	)
)

func MustRegister(serviceName string) {
	labels := prometheus.Labels{"service": serviceName}

	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(labels)
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(labels).(*prometheus.HistogramVec)
	KeysPublishedTotal = KeysPublishedTotal.MustCurryWith(labels)
	PreKeyBundlesFetchedTotal = PreKeyBundlesFetchedTotal.MustCurryWith(labels)
	PreKeyPoolExhaustedTotal = PreKeyPoolExhaustedTotal.MustCurryWith(labels)
	OneTimePreKeysRemaining = OneTimePreKeysRemaining.MustCurryWith(labels)
	SignedPreKeysRotatedTotal = SignedPreKeysRotatedTotal.MustCurryWith(labels)
	SessionsEstablishedTotal = SessionsEstablishedTotal.MustCurryWith(labels)
	MessagesSealedTotal = MessagesSealedTotal.MustCurryWith(labels)
	MessagesOpenedTotal = MessagesOpenedTotal.MustCurryWith(labels)
	GroupMessagesSealedTotal = GroupMessagesSealedTotal.MustCurryWith(labels)
	GroupMessagesOpenedTotal = GroupMessagesOpenedTotal.MustCurryWith(labels)
	SenderKeyRotationsTotal = SenderKeyRotationsTotal.MustCurryWith(labels)

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		KeysPublishedTotal,
		PreKeyBundlesFetchedTotal,
		PreKeyPoolExhaustedTotal,
		OneTimePreKeysRemaining,
		SignedPreKeysRotatedTotal,
		SessionsEstablishedTotal,
		MessagesSealedTotal,
		MessagesOpenedTotal,
		GroupMessagesSealedTotal,
		GroupMessagesOpenedTotal,
		SenderKeyRotationsTotal,
	)
}
