package monitoring

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// PrometheusHandler returns an http.Handler that serves Prometheus text format metrics.
// This avoids pulling in the full prometheus/client_golang dependency.
// Mount it at "/metrics" in your HTTP server.
func (m *Monitor) PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(m.metrics.StartTime).Seconds()

		// Write metrics in Prometheus exposition format
		lines := []struct {
			name string
			help string
			typ  string
			val  interface{}
		}{
			// Ingest counters
			{"pyrolink_readings_ingested_total", "Total sensor readings ingested", "counter", atomic.LoadUint64(&m.metrics.ReadingsIngested)},
			{"pyrolink_malformed_frames_total", "Total malformed frames discarded", "counter", atomic.LoadUint64(&m.metrics.MalformedFrames)},
			{"pyrolink_readings_saved_total", "Total readings written to the local log", "counter", atomic.LoadUint64(&m.metrics.ReadingsSaved)},
			{"pyrolink_readings_sent_total", "Total readings delivered upstream", "counter", atomic.LoadUint64(&m.metrics.ReadingsSent)},
			{"pyrolink_send_failures_total", "Total upstream delivery failures", "counter", atomic.LoadUint64(&m.metrics.SendFailures)},

			// Windowing counters
			{"pyrolink_windows_emitted_total", "Total windows materialized into the vector store", "counter", atomic.LoadUint64(&m.metrics.WindowsEmitted)},
			{"pyrolink_late_drops_total", "Total readings dropped for arriving after their window closed", "counter", atomic.LoadUint64(&m.metrics.LateDrops)},
			{"pyrolink_dup_drops_total", "Total duplicate readings dropped", "counter", atomic.LoadUint64(&m.metrics.DupDrops)},

			// Session counters
			{"pyrolink_sessions_created_total", "Total recording sessions created", "counter", atomic.LoadUint64(&m.metrics.SessionsCreated)},
			{"pyrolink_sessions_stopped_total", "Total recording sessions stopped", "counter", atomic.LoadUint64(&m.metrics.SessionsStopped)},

			// Connection counters
			{"pyrolink_sensor_reconnects_total", "Total sensor reconnect attempts", "counter", atomic.LoadUint64(&m.metrics.SensorReconnects)},

			// Gauges
			{"pyrolink_recording_active", "Whether a recording session is active (0/1)", "gauge", atomic.LoadInt64(&m.metrics.RecordingActive)},
			{"pyrolink_ws_clients", "Number of connected websocket clients", "gauge", atomic.LoadInt64(&m.metrics.WSClients)},
			{"pyrolink_unsent_backlog", "Readings awaiting upstream delivery", "gauge", atomic.LoadInt64(&m.metrics.UnsentBacklog)},
			{"pyrolink_uptime_seconds", "Process uptime in seconds", "gauge", uptime},

			// Runtime metrics
			{"pyrolink_memory_alloc_bytes", "Current memory allocation in bytes", "gauge", memStats.Alloc},
			{"pyrolink_memory_sys_bytes", "Total memory obtained from OS", "gauge", memStats.Sys},
			{"pyrolink_goroutines", "Number of goroutines", "gauge", runtime.NumGoroutine()},
			{"pyrolink_gc_pause_total_ns", "Total GC pause time in nanoseconds", "counter", memStats.PauseTotalNs},
			{"pyrolink_gc_cycles_total", "Total number of completed GC cycles", "counter", memStats.NumGC},
		}

		for _, l := range lines {
			fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.typ)
			switch v := l.val.(type) {
			case uint64:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case int64:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case int:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case float64:
				fmt.Fprintf(w, "%s %f\n", l.name, v)
			case uint32:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			}
			fmt.Fprintln(w)
		}
	})
}
