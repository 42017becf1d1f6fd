// Package hub fans JSON events out to websocket clients. One goroutine owns
// the client set; clients that fall behind are dropped.
package hub

import (
	"encoding/json"
	"fmt"
)

// Message is one encoded JSON frame. Data is shared by every client and
// must not be modified after Broadcast.
type Message struct {
	Data []byte
}

// Marshal encodes v into a Message.
func Marshal(v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("hub: encode message: %w", err)
	}
	return Message{Data: data}, nil
}
