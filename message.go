package tandem

import (
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Message is a message received from the broker.
type Message struct {
	Topic   string
	Payload []byte
}

// Text returns the payload as UTF-8 text. Invalid sequences are replaced with
// U+FFFD.
func (m Message) Text() string {
	if utf8.Valid(m.Payload) {
		return string(m.Payload)
	}
	return strings.ToValidUTF8(string(m.Payload), "�")
}

// Decode parses the payload as JSON and falls back to the text when it is not
// valid JSON.
func (m Message) Decode() any {
	if !gjson.ValidBytes(m.Payload) {
		return m.Text()
	}
	var v any
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		return m.Text()
	}
	return v
}

// JSON returns the payload for path lookups, e.g. msg.JSON().Get("user.name").
func (m Message) JSON() gjson.Result {
	return gjson.ParseBytes(m.Payload)
}

// Unmarshal decodes a JSON payload into v.
func (m Message) Unmarshal(v any) error {
	return json.Unmarshal(m.Payload, v)
}
