package offlinecache

import (
	"encoding/json"
)

type MessageType string

const (
	// Activate the waiting worker now.
	MessageSkipWaiting MessageType = "SKIP_WAITING"
	// Reply with the active version.
	MessageGetVersion MessageType = "GET_VERSION"
	// Delete the active generation.
	MessageClearCache MessageType = "CLEAR_CACHE"
)

// Message is a control message from a page.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply is sent back on the channel the message came in on.
type Reply struct {
	Version string `json:"version,omitempty"`
	Success *bool  `json:"success,omitempty"`
}

// HandleMessage answers the messages a worker understands.
// It returns false for other types.
func (w *Worker) HandleMessage(msg Message) (*Reply, bool) {
	switch msg.Type {
	case MessageGetVersion:
		return &Reply{Version: w.config.Version}, true
	case MessageClearCache:
		success := true
		if _, err := w.config.Storage.Delete(w.name); err != nil {
			w.log.Error().Err(err).Msg("Could not clear cache")
			success = false
		} else {
			w.log.Info().Msg("Cache cleared")
		}
		return &Reply{Success: &success}, true
	}
	return nil, false
}
