package observability

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_http_requests_total",
			Help: "Total number of HTTP requests processed by the messaging service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messaging_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "messaging_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	changeNotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_change_notifications_total",
			Help: "Change notifications received from the change feed.",
		},
		[]string{"source", "kind"},
	)
	changeDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_change_notifications_dropped_total",
			Help: "Change notifications dropped because a subscriber buffer was full.",
		},
		[]string{"source"},
	)
	refetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_refetch_total",
			Help: "Conversation list re-fetches by trigger and outcome.",
		},
		[]string{"trigger", "outcome"},
	)
	refetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "messaging_refetch_duration_seconds",
			Help:    "Conversation list re-fetch latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	messagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_messages_sent_total",
			Help: "Send attempts by outcome.",
		},
		[]string{"outcome"},
	)
	uploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_uploads_total",
			Help: "Attachment uploads by outcome.",
		},
		[]string{"outcome"},
	)
	uploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "messaging_upload_duration_seconds",
			Help:    "Attachment upload latencies in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "messaging_active_sessions",
			Help: "Number of live messaging sessions.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		changeNotificationsTotal,
		changeDroppedTotal,
		refetchTotal,
		refetchDuration,
		messagesSentTotal,
		uploadsTotal,
		uploadDuration,
		activeSessions,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		statusInfo := status.Convert(err)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, statusInfo.Code().String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncWSActive() {
	wsActiveConnections.Inc()
}

func DecWSActive() {
	wsActiveConnections.Dec()
}

func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

func IncChangeNotification(source, kind string) {
	changeNotificationsTotal.WithLabelValues(source, kind).Inc()
}

func IncChangeDropped(source string) {
	changeDroppedTotal.WithLabelValues(source).Inc()
}

// ObserveRefetch records one reconciler re-fetch.
func ObserveRefetch(trigger string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	refetchTotal.WithLabelValues(trigger, outcome).Inc()
	refetchDuration.Observe(time.Since(started).Seconds())
}

func IncMessageSent(outcome string) {
	messagesSentTotal.WithLabelValues(outcome).Inc()
}

func ObserveUpload(started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	uploadsTotal.WithLabelValues(outcome).Inc()
	uploadDuration.Observe(time.Since(started).Seconds())
}

func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}
