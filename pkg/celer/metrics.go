package celer

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "celer_http_requests_total",
			Help: "Total number of HTTP/2 requests completed with a response",
		},
		[]string{"method", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "celer_http_request_duration_seconds",
			Help:    "Time from request submission to response headers or failure",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	streamsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "celer_streams_in_flight",
			Help: "Number of request/response exchanges currently in progress",
		},
	)

	streamErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "celer_stream_errors_total",
			Help: "Total number of failed exchanges by failure kind",
		},
		[]string{"kind"},
	)

	pushesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "celer_pushes_received_total",
			Help: "Total number of PUSH_PROMISE frames handed to the push handler",
		},
	)
)

func statusLabel(code int) string {
	return strconv.Itoa(code)
}

// errorKind buckets an exchange failure for the stream_errors_total metric.
func errorKind(err error) string {
	var (
		goAway     GoAwayError
		reset      StreamResetError
		timeout    TimeoutError
		cancel     CancelError
		incomplete IncompleteResponseError
		invalid    InvalidRequestError
	)
	switch {
	case errors.As(err, &invalid):
		return "invalid_request"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &cancel):
		return "cancel"
	case errors.As(err, &reset):
		if reset.Unprocessed {
			return "refused"
		}
		return "reset"
	case errors.As(err, &goAway):
		return "goaway"
	case errors.As(err, &incomplete):
		return "incomplete"
	case errors.Is(err, ErrNoCapacity):
		return "no_capacity"
	case errors.Is(err, ErrGoingAway):
		return "goaway"
	case errors.Is(err, ErrClosedUnexpectedly), errors.Is(err, ErrConnClosed):
		return "transport"
	default:
		return "other"
	}
}
