package events

import "fmt"

// RunTopic is the per-run event stream consumed by the websocket feed.
func RunTopic(runID string) string {
	return fmt.Sprintf("run.%s", runID)
}
