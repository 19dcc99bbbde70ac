package protocol

import "fmt"

// --------------------------------------------------------------------------
// Channels
// --------------------------------------------------------------------------

// Channel is the closed set of logical channels multiplexed on one connection.
// The numeric value is the channel id written on the wire.
type Channel uint8

const (
	ChannelControl       Channel = iota // handshake, routing and errors
	ChannelChat                         // chat messages
	ChannelGameplayInput                // movement and state deltas (datagram)
	ChannelGameplayEvent                // skills and map entry
	ChannelEconomy                      // trade and inventory
)

// TransportKind tells whether a channel travels as datagrams or as stream frames
type TransportKind uint8

const (
	TransportDatagram TransportKind = iota
	TransportStream
)

// Delivery is the delivery guarantee of a channel
type Delivery uint8

const (
	DeliveryUnreliable Delivery = iota
	DeliveryReliableOrdered
)

// ChannelFromID parses a wire channel id
func ChannelFromID(id uint8) (Channel, error) {
	if id > uint8(ChannelEconomy) {
		return 0, &InvalidChannelError{ID: id}
	}
	return Channel(id), nil
}

// Transport returns the transport kind used for c
func (c Channel) Transport() TransportKind {
	if c == ChannelGameplayInput {
		return TransportDatagram
	}
	return TransportStream
}

// Delivery returns the delivery guarantee of c
func (c Channel) Delivery() Delivery {
	if c.Transport() == TransportDatagram {
		return DeliveryUnreliable
	}
	return DeliveryReliableOrdered
}

// IsCritical reports whether loss of a message on c is unacceptable
func (c Channel) IsCritical() bool {
	switch c {
	case ChannelControl, ChannelGameplayEvent, ChannelEconomy:
		return true
	default:
		return false
	}
}

func (c Channel) String() string {
	switch c {
	case ChannelControl:
		return "Control"
	case ChannelChat:
		return "Chat"
	case ChannelGameplayInput:
		return "GameplayInput"
	case ChannelGameplayEvent:
		return "GameplayEvent"
	case ChannelEconomy:
		return "Economy"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(c))
	}
}

func (k TransportKind) String() string {
	if k == TransportDatagram {
		return "datagram"
	}
	return "stream"
}
