package relay

// Counter names reported through Recorder.
const (
	MetricSessionsOpened    = "sessions_opened"
	MetricSessionsRejected  = "sessions_rejected"
	MetricMessagesPublished = "messages_published"
	MetricWritesDenied      = "writes_denied"
	MetricReadsFiltered     = "reads_filtered"
	MetricMalformed         = "messages_malformed"
	MetricRateLimited       = "messages_rate_limited"
	MetricDeliveries        = "deliveries"
	MetricDeliveryFailures  = "delivery_failures"
)

// Recorder receives counter increments. metrics.Registry implements it.
type Recorder interface {
	Inc(name string, delta int)
}

type nopRecorder struct{}

func (nopRecorder) Inc(string, int) {}
