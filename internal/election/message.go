package election

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Kind identifies an election message variant.
type Kind string

const (
	KindInquire  Kind = "inquire"
	KindAnnounce Kind = "leader_announce"
	KindClaim    Kind = "leader_claim"
	KindKilled   Kind = "killed"
)

var ErrMalformedMessage = errors.New("malformed election message")

// Message is the envelope posted on the broadcast channel. Leader is only set
// for KindAnnounce.
type Message struct {
	Kind   Kind   `json:"kind"`
	Sender string `json:"sender"`
	Leader string `json:"leader,omitempty"`
}

// Inquire asks siblings who leads.
func Inquire(sender string) Message {
	return Message{Kind: KindInquire, Sender: sender}
}

// Announce tells siblings which member sender considers the leader.
func Announce(sender, leader string) Message {
	return Message{Kind: KindAnnounce, Sender: sender, Leader: leader}
}

// Claim is a sitting leader reasserting itself.
func Claim(sender string) Message {
	return Message{Kind: KindClaim, Sender: sender}
}

// Killed is sent by a leader that is going away.
func Killed(sender string) Message {
	return Message{Kind: KindKilled, Sender: sender}
}

// LeaderID returns the leader named by an announce or claim.
func (m Message) LeaderID() string {
	if m.Kind == KindClaim {
		return m.Sender
	}
	return m.Leader
}

// Validate reports ErrMalformedMessage for unknown kinds and missing ids.
func (m Message) Validate() error {
	if m.Sender == "" {
		return fmt.Errorf("%w: missing sender", ErrMalformedMessage)
	}
	switch m.Kind {
	case KindInquire, KindClaim, KindKilled:
		return nil
	case KindAnnounce:
		if m.Leader == "" {
			return fmt.Errorf("%w: announce without leader", ErrMalformedMessage)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedMessage, m.Kind)
	}
}

// Encode validates and marshals m.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode unmarshals and validates a broadcast value.
func Decode(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
