// Package filters provides reusable pipeline filters: request logging,
// response compression and OpenTelemetry tracing. Each constructor returns a
// descriptor ready to be placed above the codec in a channel stack.
package filters

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/albertbausili/stratum/pkg/stratum"
)

// pathStateSize is the per-call region used to remember the request path
// between the receive walk and call teardown: one length byte plus the
// (possibly truncated) path bytes.
const pathStateSize = 256

func putPath(state []byte, path string) {
	n := len(path)
	if n > len(state)-1 {
		n = len(state) - 1
	}
	state[0] = byte(n)
	copy(state[1:], path[:n])
}

func getPath(state []byte) string {
	n := int(state[0])
	return string(state[1 : 1+n])
}

func metadataValue(md [][2]string, name string) string {
	for _, h := range md {
		if h[0] == name {
			return h[1]
		}
	}
	return ""
}

// LoggerConfig defines the configuration options for the Logger filter.
type LoggerConfig struct {
	// Output specifies where logs are written (defaults to os.Stdout)
	Output io.Writer
	// Format specifies the log format: "json" or "text" (default: "text")
	Format string
	// SkipPaths lists paths to skip logging (e.g., health checks)
	SkipPaths []string
}

// DefaultLoggerConfig returns a LoggerConfig with sensible defaults.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Output: os.Stdout,
		Format: "text",
	}
}

// Logger returns a filter that logs one line per finished call.
func Logger() *stratum.Filter {
	return LoggerWithConfig(DefaultLoggerConfig())
}

// LoggerWithConfig returns a call-logging filter with custom configuration.
// The path is captured when the receive walk completes; the entry itself is
// written at call teardown, when latency and status are final.
func LoggerWithConfig(config LoggerConfig) *stratum.Filter {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Format == "" {
		config.Format = "text"
	}

	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	return &stratum.Filter{
		Name:          "logger",
		CallStateSize: pathStateSize,

		StartStreamOp: func(elem *stratum.CallElement, batch *stratum.StreamOpBatch) {
			if batch.RecvInitialMetadata != nil {
				md := batch.RecvInitialMetadata
				state := elem.CallData
				next := batch.OnComplete
				batch.OnComplete = func(err error) {
					if err == nil {
						putPath(state, metadataValue(*md, ":path"))
					}
					if next != nil {
						next(err)
					}
				}
			}
			stratum.CallNextOp(elem, batch)
		},

		DestroyCall: func(elem *stratum.CallElement, final *stratum.CallFinalInfo, then func()) {
			defer func() {
				if then != nil {
					then()
				}
			}()

			path := getPath(elem.CallData)
			if skipMap[path] {
				return
			}

			now := time.Now().Format(time.RFC3339)
			if config.Format == "json" {
				entry := map[string]any{
					"time":     now,
					"path":     path,
					"duration": final.Latency.Milliseconds(),
				}
				if final.Status != nil {
					entry["error"] = final.Status.Error()
				}
				data, _ := json.Marshal(entry)
				_, _ = fmt.Fprintf(config.Output, "%s\n", data)
				return
			}
			_, _ = fmt.Fprintf(config.Output, "[%s] %s %dms", now, path, final.Latency.Milliseconds())
			if final.Status != nil {
				_, _ = fmt.Fprintf(config.Output, " error=%q", final.Status.Error())
			}
			_, _ = fmt.Fprintln(config.Output)
		},
	}
}
