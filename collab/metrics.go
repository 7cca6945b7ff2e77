package collab

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	transportConnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_transport_connects_total",
			Help: "Broker connection attempts by result",
		},
		[]string{"result"},
	)

	transportDisconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collab_transport_disconnects_total",
			Help: "Broker connection epochs that ended",
		},
	)

	transportConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collab_transport_connected",
			Help: "Number of transports currently connected",
		},
	)

	publishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_publishes_total",
			Help: "Publishes by topic and result (sent, dropped)",
		},
		[]string{"topic", "result"},
	)

	inboundMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_inbound_messages_total",
			Help: "Inbound broker messages by topic",
		},
		[]string{"topic"},
	)

	treePropagationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_tree_propagations_total",
			Help: "Local tree changes by result (written, suppressed, failed)",
		},
		[]string{"result"},
	)

	treeAbsorptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_tree_absorptions_total",
			Help: "Remote tree snapshots absorbed into the local tree by result",
		},
		[]string{"result"},
	)

	documentAttachFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collab_document_attach_failures_total",
			Help: "Shared document attach failures",
		},
	)
)

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func RecordTransportConnect(success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	transportConnectsTotal.WithLabelValues(result).Inc()
	if success {
		transportConnected.Inc()
	}
}

func RecordTransportDisconnect() {
	transportDisconnectsTotal.Inc()
	transportConnected.Dec()
}

func RecordPublish(destination string, sent bool) {
	result := "sent"
	if !sent {
		result = "dropped"
	}
	publishesTotal.WithLabelValues(destinationTopic(destination), result).Inc()
}

func RecordInboundMessage(destination string) {
	inboundMessagesTotal.WithLabelValues(destinationTopic(destination)).Inc()
}

func RecordTreePropagation(result string) {
	treePropagationsTotal.WithLabelValues(result).Inc()
}

func RecordTreeAbsorption(success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	treeAbsorptionsTotal.WithLabelValues(result).Inc()
}

func RecordDocumentAttachFailure() {
	documentAttachFailuresTotal.Inc()
}

// the topic segment of `<prefix>/<topic>/<workspaceId>`.
// Keeps the label cardinality independent of workspace ids.
func destinationTopic(destination string) string {
	parts := strings.Split(strings.Trim(destination, "/"), "/")
	if len(parts) < 2 {
		return "unknown"
	}
	return parts[len(parts)-2]
}
