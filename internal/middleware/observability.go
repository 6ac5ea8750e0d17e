package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"peerchat/internal/metrics"
	"peerchat/internal/service"
	"peerchat/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Metric names recorded for admin HTTP requests.
const (
	HTTPRequests        = "http_requests_total"
	HTTPResponses       = "http_responses_total"
	HTTPRequestDuration = "http_request_duration"
)

// ObservabilityMiddleware adds a span, request metrics and access logging to
// every admin request. Metrics are labelled with the mux route template so
// query strings and ids do not explode label cardinality.
func ObservabilityMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := routeTemplate(r)

			ctx, span := tracing.StartSpan(r.Context(), "admin "+r.Method+" "+route,
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("client.address", clientIP(r)),
			)
			defer span.End()
			r = r.WithContext(ctx)

			metrics.IncrementCounter(HTTPRequests, map[string]string{
				"method":   r.Method,
				"endpoint": route,
			}, "Total admin HTTP requests")

			wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapper, r)

			duration := time.Since(start)
			status := strconv.Itoa(wrapper.statusCode)

			tracing.AddSpanAttributes(ctx,
				attribute.Int("http.response.status_code", wrapper.statusCode),
				attribute.Int64("http.response.size", wrapper.responseSize),
			)
			if wrapper.statusCode >= 400 {
				oteltrace.SpanFromContext(ctx).SetStatus(codes.Error, fmt.Sprintf("HTTP %d", wrapper.statusCode))
			}

			metrics.RecordTimer(HTTPRequestDuration, duration, map[string]string{
				"method":   r.Method,
				"endpoint": route,
			}, "Admin HTTP request duration")
			metrics.IncrementCounter(HTTPResponses, map[string]string{
				"method":      r.Method,
				"endpoint":    route,
				"status_code": status,
			}, "Admin HTTP responses by status code")

			logLevel := logrus.DebugLevel
			if wrapper.statusCode >= 400 && wrapper.statusCode < 500 {
				logLevel = logrus.WarnLevel
			} else if wrapper.statusCode >= 500 {
				logLevel = logrus.ErrorLevel
			}

			fields := logrus.Fields{
				service.LogFieldMethod:     r.Method,
				service.LogFieldPath:       r.URL.Path,
				service.LogFieldStatusCode: wrapper.statusCode,
				service.LogFieldDuration:   duration.Milliseconds(),
				service.LogFieldRemoteIP:   clientIP(r),
				service.LogFieldSize:       wrapper.responseSize,
			}
			if traceID := tracing.TraceID(ctx); traceID != "" {
				fields[service.LogFieldTraceID] = traceID
			}
			logger.WithFields(fields).Log(logLevel, "HTTP request completed")
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// clientIP returns the host part of RemoteAddr. The admin server binds to a
// local address, so forwarding headers are not trusted.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// responseWrapper captures the status code and response size.
type responseWrapper struct {
	http.ResponseWriter
	statusCode   int
	responseSize int64
}

func (rw *responseWrapper) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWrapper) Write(data []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(data)
	rw.responseSize += int64(n)
	return n, err
}

// Hijack lets the websocket upgrade take over the connection.
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (rw *responseWrapper) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWrapper) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
