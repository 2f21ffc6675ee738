package fanout

import "sync"

// Frame is one push-channel message. Type is "data" or "control".
type Frame struct {
	Type   string `json:"type"`
	Data   string `json:"data,omitempty"`
	Base64 bool   `json:"base64,omitempty"`

	StreamNextOffset     string `json:"streamNextOffset,omitempty"`
	StreamCursor         string `json:"streamCursor,omitempty"`
	StreamWriteTimestamp string `json:"streamWriteTimestamp,omitempty"`
	StreamClosed         bool   `json:"streamClosed,omitempty"`
	UpToDate             bool   `json:"upToDate,omitempty"`
}

// channelBuffer bounds how far a subscriber may lag before it is
// dropped.
const channelBuffer = 64

// Channel is one push subscriber. Frames arrives in commit order;
// it is closed when the subscriber is dropped or released.
type Channel struct {
	Frames chan Frame

	mu     sync.Mutex
	closed bool
}

// send delivers without blocking; a full buffer reports failure.
func (c *Channel) send(f Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Frames <- f:
		return true
	default:
		return false
	}
}

func (c *Channel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Frames)
	}
}

// ChannelSet is the push subscribers of one stream.
type ChannelSet struct {
	mu       sync.Mutex
	channels map[*Channel]struct{}
}

func NewChannelSet() *ChannelSet {
	return &ChannelSet{channels: make(map[*Channel]struct{})}
}

// Open registers a new subscriber.
func (s *ChannelSet) Open() *Channel {
	c := &Channel{Frames: make(chan Frame, channelBuffer)}
	s.mu.Lock()
	s.channels[c] = struct{}{}
	s.mu.Unlock()
	return c
}

// Release removes and closes a subscriber.
func (s *ChannelSet) Release(c *Channel) {
	s.mu.Lock()
	delete(s.channels, c)
	s.mu.Unlock()
	c.close()
}

// Broadcast sends frames to every subscriber in order. A subscriber
// that cannot keep up is dropped rather than blocking the writer.
func (s *ChannelSet) Broadcast(frames ...Frame) {
	s.mu.Lock()
	targets := make([]*Channel, 0, len(s.channels))
	for c := range s.channels {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		ok := true
		for _, f := range frames {
			if !c.send(f) {
				ok = false
				break
			}
		}
		if !ok {
			s.Release(c)
		}
	}
}

// CloseAll drops every subscriber, used on stream delete.
func (s *ChannelSet) CloseAll() {
	s.mu.Lock()
	targets := make([]*Channel, 0, len(s.channels))
	for c := range s.channels {
		targets = append(targets, c)
		delete(s.channels, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		c.close()
	}
}

// Len reports the number of open subscribers.
func (s *ChannelSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}
