package duplex

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"

	"pkt.systems/agentmux/core"
	"pkt.systems/agentmux/schema"
	"pkt.systems/pslog"
)

// peerHooks receive the inbound traffic a peer cannot answer by itself:
// notifications, peer-initiated requests, and undecodable lines.
type peerHooks struct {
	onNotification func(method string, params json.RawMessage)
	onRequest      func(id uint64, method string, params json.RawMessage)
	onDecodeError  func(line []byte, err error)
}

// peer is one side of a JSON-lines duplex channel. Outbound requests are
// correlated to responses by id; responses may arrive in any order.
type peer struct {
	writeMu sync.Mutex
	w       io.Writer

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan message
	closed  bool
	err     error

	done  chan struct{}
	hooks peerHooks
	log   pslog.Logger
}

func newPeer(w io.Writer, r io.Reader, hooks peerHooks, log pslog.Logger) *peer {
	p := &peer{
		w:       w,
		pending: make(map[uint64]chan message),
		done:    make(chan struct{}),
		hooks:   hooks,
		log:     log,
	}
	go p.readLoop(r)
	return p
}

// Call sends a request and blocks until the matching response arrives, the
// context ends, or the channel fails.
func (p *peer) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := p.nextID.Add(1)
	ch := make(chan message, 1)

	p.mu.Lock()
	if p.closed {
		err := p.err
		p.mu.Unlock()
		return nil, disconnectError("call", method, err)
	}
	p.pending[id] = ch
	p.mu.Unlock()

	msg := message{ID: &id, Method: method}
	if params != nil {
		msg.Params = mustMarshal(params)
	}
	if err := p.write(msg); err != nil {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return nil, ctx.Err()
	case <-p.done:
		return nil, disconnectError("call", method, p.err)
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// Notify sends a request without an id; no response is expected.
func (p *peer) Notify(method string, params any) error {
	msg := message{Method: method}
	if params != nil {
		msg.Params = mustMarshal(params)
	}
	return p.write(msg)
}

// Respond answers a peer-initiated request.
func (p *peer) Respond(id uint64, result any) error {
	return p.write(message{ID: &id, Result: mustMarshal(result)})
}

func (p *peer) write(msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.w.Write(data); err != nil {
		return disconnectError("write", msg.Method, err)
	}
	return nil
}

// Done is closed when the inbound side of the channel ends.
func (p *peer) Done() <-chan struct{} {
	return p.done
}

func (p *peer) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			if p.hooks.onDecodeError != nil {
				p.hooks.onDecodeError(append([]byte(nil), line...), err)
			}
			continue
		}
		switch {
		case msg.isResponse():
			p.deliver(msg)
		case msg.isRequest():
			if p.hooks.onRequest != nil {
				p.hooks.onRequest(*msg.ID, msg.Method, msg.Params)
			}
		case msg.Method != "":
			if p.hooks.onNotification != nil {
				p.hooks.onNotification(msg.Method, msg.Params)
			}
		default:
			if p.log != nil {
				p.log.Debug("duplex dropped unroutable message")
			}
		}
	}
	p.fail(scanner.Err())
}

func (p *peer) deliver(msg message) {
	p.mu.Lock()
	ch, ok := p.pending[*msg.ID]
	if ok {
		delete(p.pending, *msg.ID)
	}
	p.mu.Unlock()
	if !ok {
		if p.log != nil {
			p.log.Debug("duplex response without pending request", "id", *msg.ID)
		}
		return
	}
	ch <- msg
}

func (p *peer) fail(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.err = err
	p.pending = make(map[uint64]chan message)
	p.mu.Unlock()
	close(p.done)
}

func disconnectError(op, method string, cause error) error {
	if cause == nil || cause == io.EOF {
		cause = schema.ErrTransportDisconnected
	}
	if method != "" {
		op = op + " " + method
	}
	return core.NewTransportError(core.TransportErrorIO, op, cause)
}
