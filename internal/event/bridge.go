package event

import (
	"context"
	"fmt"
	"os"
	"strings"

	"module/pkg/logging"
)

// LogTopicPrefix namespaces log-derived events: when the framework's
// BridgeLogsToEvents option is set, BridgeLog turns every log entry into a
// log/<level> topic event. Grounded on muster's pkg/logging dual CLI/TUI channel
// design, generalized here from one hardcoded TUI consumer to any number of
// event-topic subscribers.
const LogTopicPrefix = "log"

// BridgeLog drains ch (as returned by logging.Initcommon("sink", ...)) and
// posts each entry as a framework event on topic "log/<level>", with
// best-effort delivery: PostEvent errors (e.g. a cancelled context) are
// printed to stderr rather than propagated, since log delivery must never
// block the logger. BridgeLog returns when ch is closed or ctx is done.
func BridgeLog(ctx context.Context, ch <-chan logging.LogEntry, admin *Admin) {
	for {
		select {
		case entry, ok := <-ch:
			if !ok {
				return
			}
			topic := LogTopicPrefix + "/" + strings.ToLower(entry.Level.String())
			props := map[string]interface{}{
				"subsystem": entry.Subsystem,
				"message":   entry.Message,
				"timestamp": entry.Timestamp,
			}
			if entry.Err != nil {
				props["error"] = entry.Err.Error()
			}
			if err := admin.PostEvent(ctx, topic, props); err != nil {
				fmt.Fprintln(os.Stderr, "event: failed to post log event:", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
