package blemesh

import (
	"context"
	"fmt"
	"sync"
)

// InboundChunk is one raw chunk received from a peer link.
type InboundChunk struct {
	PeerID string
	Data   []byte
}

// Transport is the radio boundary. Implementations deliver chunks in order
// per peer and are free to drop whole messages on link loss; the mesh layer
// treats nearby links as best-effort.
type Transport interface {
	// Send writes one chunk to a peer.
	Send(ctx context.Context, peerID string, chunk []byte) error
	// Chunks returns the inbound chunk stream. Closed when the transport closes.
	Chunks() <-chan InboundChunk
	// Close releases the underlying link resources.
	Close() error
}

// InboundMessage is a fully reassembled message from a peer.
type InboundMessage struct {
	PeerID string
	Data   []byte
}

// Messenger sends and receives whole messages over a chunk Transport,
// keeping one reassembler per peer.
type Messenger struct {
	transport Transport
	mtu       int

	mu         sync.Mutex
	assemblers map[string]*Reassembler

	messages chan InboundMessage
	done     chan struct{}
}

// NewMessenger wraps a transport with the chunk codec. The read loop runs
// until the transport's chunk stream closes or Close is called.
func NewMessenger(transport Transport, mtu int) (*Messenger, error) {
	if mtu < MinMTU {
		return nil, fmt.Errorf("mtu %d below minimum %d", mtu, MinMTU)
	}
	m := &Messenger{
		transport:  transport,
		mtu:        mtu,
		assemblers: make(map[string]*Reassembler),
		messages:   make(chan InboundMessage, 64),
		done:       make(chan struct{}),
	}
	go m.readLoop()
	return m, nil
}

// SendMessage chunks and writes one message to a peer.
func (m *Messenger) SendMessage(ctx context.Context, peerID string, msg []byte) error {
	chunks, err := Encode(msg, m.mtu)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		if err := m.transport.Send(ctx, peerID, chunk); err != nil {
			return fmt.Errorf("send to %s: %w", peerID, err)
		}
	}
	return nil
}

// Messages returns the reassembled inbound stream.
func (m *Messenger) Messages() <-chan InboundMessage {
	return m.messages
}

// Close stops the read loop and closes the transport.
func (m *Messenger) Close() error {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	return m.transport.Close()
}

func (m *Messenger) readLoop() {
	defer close(m.messages)
	for {
		select {
		case <-m.done:
			return
		case chunk, ok := <-m.transport.Chunks():
			if !ok {
				return
			}
			m.mu.Lock()
			ra := m.assemblers[chunk.PeerID]
			if ra == nil {
				ra = &Reassembler{}
				m.assemblers[chunk.PeerID] = ra
			}
			msg, err := ra.Add(chunk.Data)
			m.mu.Unlock()
			if err != nil {
				// Sequence break; the assembler already reset itself.
				continue
			}
			if msg != nil {
				select {
				case m.messages <- InboundMessage{PeerID: chunk.PeerID, Data: msg}:
				case <-m.done:
					return
				}
			}
		}
	}
}

// =============================================================================
// Loopback transport (dev/test)
// =============================================================================

// LoopbackTransport connects two Messengers in memory with ordered
// delivery, mirroring a single BLE connection.
type LoopbackTransport struct {
	peerID string
	out    *LoopbackTransport
	inbox  chan InboundChunk
	once   sync.Once
}

// NewLoopbackPair returns two linked transports; sends on one arrive on
// the other tagged with the sender's peer ID.
func NewLoopbackPair(peerA, peerB string, buffer int) (*LoopbackTransport, *LoopbackTransport) {
	if buffer <= 0 {
		buffer = 256
	}
	a := &LoopbackTransport{peerID: peerA, inbox: make(chan InboundChunk, buffer)}
	b := &LoopbackTransport{peerID: peerB, inbox: make(chan InboundChunk, buffer)}
	a.out = b
	b.out = a
	return a, b
}

func (t *LoopbackTransport) Send(ctx context.Context, peerID string, chunk []byte) error {
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	select {
	case t.out.inbox <- InboundChunk{PeerID: t.peerID, Data: cp}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *LoopbackTransport) Chunks() <-chan InboundChunk {
	return t.inbox
}

func (t *LoopbackTransport) Close() error {
	t.once.Do(func() { close(t.inbox) })
	return nil
}
