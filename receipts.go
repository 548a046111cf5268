package convsync

// ReadState is the delivery state shown next to a message.
type ReadState string

const (
	ReadStatePending ReadState = "pending"
	ReadStateSent    ReadState = "sent"
	ReadStateRead    ReadState = "read"
)

// IsReadByCounterpart reports whether the side that did not author m has
// read it: m.CreatedAt <= counterpart's last-read marker.
func IsReadByCounterpart(m Message, c Conversation) bool {
	readAt := c.LastReadAt(m.Sender.Counterpart())
	if readAt.IsZero() {
		return false
	}
	return !m.CreatedAt.After(readAt)
}

// ReadStatus projects the delivery state of m. Pending messages are never read.
func ReadStatus(m Message, c Conversation) ReadState {
	switch {
	case m.Pending():
		return ReadStatePending
	case IsReadByCounterpart(m, c):
		return ReadStateRead
	default:
		return ReadStateSent
	}
}
