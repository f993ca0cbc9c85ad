// Package btppeer provides a scripted BTP server for tests. It speaks the wire
// format directly so tests can observe every frame the code under test sends.
package btppeer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cicada/internal/btp"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// Info is what the peer answers to the "info" sub-protocol.
type Info struct {
	Prefix        string `json:"prefix"`
	CurrencyCode  string `json:"currencyCode"`
	CurrencyScale int    `json:"currencyScale"`
}

// Peer is a single-client BTP server.
type Peer struct {
	t      *testing.T
	server *httptest.Server

	// Token is the auth_token the peer accepts; empty accepts anything.
	Token string
	Info  Info

	mu        sync.Mutex
	transport *btp.WebSocketTransport
	connected chan struct{}
	connOnce  sync.Once
	received  []*btp.Message
	frames    chan *btp.Message
	nextID    uint32
}

// New starts a peer; it is shut down with the test.
func New(t *testing.T) *Peer {
	p := &Peer{
		t:         t,
		Info:      Info{Prefix: "test.blah.", CurrencyCode: "XRP", CurrencyScale: 6},
		connected: make(chan struct{}),
		frames:    make(chan *btp.Message, 64),
		nextID:    1000,
	}
	upgrader := websocket.Upgrader{}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tr := btp.NewWebSocketTransport(ws, 0)
		p.mu.Lock()
		p.transport = tr
		p.mu.Unlock()
		p.connOnce.Do(func() { close(p.connected) })
		p.serve(tr)
	}))
	t.Cleanup(p.Close)
	return p
}

// URL returns the btp+ws URL with the given credentials.
func (p *Peer) URL(user, token string) string {
	host := strings.TrimPrefix(p.server.URL, "http://")
	if user == "" && token == "" {
		return "btp+ws://" + host + "/"
	}
	return "btp+ws://" + user + ":" + token + "@" + host + "/"
}

func (p *Peer) serve(tr *btp.WebSocketTransport) {
	ctx := context.Background()
	for {
		frame, err := tr.ReadFrame(ctx)
		if err != nil {
			return
		}
		m, err := btp.Decode(frame)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.received = append(p.received, m)
		p.mu.Unlock()

		switch m.Type {
		case btp.TypeMessage:
			p.answer(m)
		case btp.TypeFulfill, btp.TypeReject:
			p.write(&btp.Message{Type: btp.TypeResponse, RequestID: m.RequestID})
		}
		select {
		case p.frames <- m:
		default:
		}
	}
}

func (p *Peer) answer(m *btp.Message) {
	if _, ok := m.Find("auth"); ok {
		token, _ := m.Find("auth_token")
		if p.Token != "" && string(token.Data) != p.Token {
			p.write(&btp.Message{Type: btp.TypeError, RequestID: m.RequestID, ErrorCode: "F00", ErrorName: "NotAcceptedError", ErrorData: []byte("invalid auth_token")})
			return
		}
		p.write(&btp.Message{Type: btp.TypeResponse, RequestID: m.RequestID})
		return
	}
	if _, ok := m.Find("info"); ok {
		data, _ := json.Marshal(p.Info)
		p.write(&btp.Message{Type: btp.TypeResponse, RequestID: m.RequestID, ProtocolData: []btp.ProtocolData{{Name: "info", ContentType: btp.ContentTypeJSON, Data: data}}})
		return
	}
	p.write(&btp.Message{Type: btp.TypeError, RequestID: m.RequestID, ErrorCode: "F00", ErrorName: "NotAcceptedError"})
}

func (p *Peer) write(m *btp.Message) {
	frame, err := btp.Encode(m)
	require.NoError(p.t, err)
	p.WriteRaw(frame)
}

// WriteRaw sends frame as is.
func (p *Peer) WriteRaw(frame []byte) {
	p.waitConnected()
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.transport.WriteFrame(context.Background(), frame)
}

func (p *Peer) waitConnected() {
	select {
	case <-p.connected:
	case <-time.After(5 * time.Second):
		p.t.Fatal("btp client never connected")
	}
}

// SendPrepare sends a PREPARE and returns its request id. expiresAt is
// truncated to what the frame can carry.
func (p *Peer) SendPrepare(transferID uuid.UUID, amount uint64, condition [32]byte, expiresAt time.Time, ilpPacket []byte) uint32 {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()
	m := &btp.Message{
		Type:               btp.TypePrepare,
		RequestID:          id,
		TransferID:         transferID,
		Amount:             amount,
		ExecutionCondition: condition,
		ExpiresAt:          btp.Timestamp(expiresAt),
	}
	if ilpPacket != nil {
		m.ProtocolData = []btp.ProtocolData{{Name: "ilp", ContentType: btp.ContentTypeOctetStream, Data: ilpPacket}}
	}
	p.write(m)
	return id
}

// Next returns the next frame received from the client matching typ.
func (p *Peer) Next(typ btp.Type, timeout time.Duration) (*btp.Message, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case m := <-p.frames:
			if m.Type == typ {
				return m, true
			}
		case <-deadline:
			return nil, false
		}
	}
}

// Received returns every frame received so far.
func (p *Peer) Received() []*btp.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*btp.Message(nil), p.received...)
}

// Fulfills returns the FULFILL frames received for transferID.
func (p *Peer) Fulfills(transferID uuid.UUID) []*btp.Message {
	var out []*btp.Message
	for _, m := range p.Received() {
		if m.Type == btp.TypeFulfill && m.TransferID == transferID {
			out = append(out, m)
		}
	}
	return out
}

// DropClient closes the current client connection, the server keeps running.
func (p *Peer) DropClient() {
	p.mu.Lock()
	tr := p.transport
	p.mu.Unlock()
	if tr != nil {
		tr.Close()
	}
}

// Close drops the client connection and stops the server.
func (p *Peer) Close() {
	p.mu.Lock()
	tr := p.transport
	p.mu.Unlock()
	if tr != nil {
		tr.Close()
	}
	p.server.Close()
}
