package domain

import "encoding/json"

// Direction marks whether a message was sent by the relay or received from
// an external sender.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Flag returns the isOutbound column value for the direction.
func (d Direction) Flag() string {
	if d == Outbound {
		return FlagOutbound
	}
	return FlagInbound
}

// Message is a single normalized row of the backing table.
type Message struct {
	Phone     string
	Text      string
	Timestamp int64
	Direction Direction
}

// Summary is the most recent message of one conversation.
type Summary struct {
	Phone         string
	LastText      string
	LastTimestamp int64
}

// AppendResult describes the row committed by a table append.
type AppendResult struct {
	UpdatedRange string
	UpdatedRows  int
}

// SendReceipt is the messaging API acknowledgement for one send. Raw holds
// the upstream response body verbatim.
type SendReceipt struct {
	MessageID string
	Raw       json.RawMessage
}
