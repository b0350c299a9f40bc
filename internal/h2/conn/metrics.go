package conn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var framesReceivedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "celer_frames_received_total",
		Help: "Total number of HTTP/2 frames received by frame type",
	},
	[]string{"type"},
)
