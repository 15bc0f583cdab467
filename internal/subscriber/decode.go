package subscriber

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/italolelis/premium_downloader/internal/manager"
)

// ErrUnrecognizedFrame is returned for client frames that map to no message.
var ErrUnrecognizedFrame = errors.New("unrecognized client frame")

// Decode maps a client frame to a Manager message. Accepted shapes are
// {"downloads": ["<link>", ...]} and {"refresh": <any>}.
func Decode(data []byte) (manager.Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnrecognizedFrame, err)
	}

	if raw, ok := fields["downloads"]; ok {
		var links []string
		if err := json.Unmarshal(raw, &links); err != nil {
			return nil, fmt.Errorf("%w: downloads must be a list of links: %w", ErrUnrecognizedFrame, err)
		}

		return manager.SubscriberDownloads{Links: links}, nil
	}

	if _, ok := fields["refresh"]; ok {
		return manager.SubscriberRefresh{}, nil
	}

	return nil, ErrUnrecognizedFrame
}
