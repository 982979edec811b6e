package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ErrNotConnected is returned by writes issued after the connection is done.
var ErrNotConnected = errors.New("websocket: not connected")

type ClientConfig struct {
	URL         string
	DialTimeout time.Duration
	Headers     http.Header
	OnText      func(data []byte) error
	OnBinary    func(data []byte) error
	OnClose     func(code ws.StatusCode, reason string)
	OnError     func(err error)
	Logger      *slog.Logger
}

type Client struct {
	out      chan wsutil.Message
	done     chan struct{}
	doneOnce sync.Once
	logger   *slog.Logger
}

func (c *Client) setDone() {
	c.doneOnce.Do(func() {
		close(c.done)
	})
}

// Done is closed once the connection is finished, for whatever reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Connected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Client) WriteText(data []byte) error {
	return c.Write(ws.OpText, data)
}

func (c *Client) WriteBinary(data []byte) error {
	return c.Write(ws.OpBinary, data)
}

func (c *Client) Ping(data []byte) error {
	return c.Write(ws.OpPing, data)
}

func (c *Client) sendClose(code ws.StatusCode, reason string) {
	_ = c.Write(ws.OpClose, ws.NewCloseFrameBody(code, reason))
}

// Close performs a closing handshake and waits for the connection to finish.
// Closing an already-closed client is a no-op.
func (c *Client) Close(ctx context.Context) error {
	if !c.Connected() {
		return nil
	}
	c.sendClose(ws.StatusNormalClosure, "closing")
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		c.setDone()
		return fmt.Errorf("close failed: %w", ctx.Err())
	}
}

func (c *Client) Write(opcode ws.OpCode, data []byte) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	select {
	case <-c.done:
		return ErrNotConnected
	case c.out <- wsutil.Message{OpCode: opcode, Payload: data}:
		// a send racing with close lands in a buffer nobody drains
		if !c.Connected() {
			return ErrNotConnected
		}
		return nil
	}
}

func Connect(ctx context.Context, config ClientConfig) (*Client, error) {

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(
		slog.String("url", config.URL),
	)

	dialTimeout := config.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}

	// 1) Handshake timeout only:
	hsCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	// 2) Dial + WebSocket handshake
	d := ws.Dialer{
		Timeout: dialTimeout,
		Header:  ws.HandshakeHeaderHTTP(config.Headers),
	}
	conn, buf, hs, err := d.Dial(hsCtx, config.URL)
	if err != nil {
		return nil, err
	}
	logger.Debug("handshake complete", slog.Any("handshake", hs))

	// The dialer may have buffered frames that arrived together with the
	// handshake response. They must be read before the socket itself or the
	// server's first events are lost.
	var rw io.ReadWriter = conn
	if buf != nil {
		rw = struct {
			io.Reader
			io.Writer
		}{io.MultiReader(buf, conn), conn}
	}

	logger.Info("connected to websocket")

	var (
		input  = make(chan wsutil.Message, 1000)
		output = make(chan wsutil.Message, 1000)
	)

	client := &Client{
		out:    output,
		done:   make(chan struct{}),
		logger: logger,
	}

	onTextFunc := config.OnText
	if onTextFunc == nil {
		onTextFunc = func(data []byte) error {
			return nil
		}
	}
	onBinaryFunc := config.OnBinary
	if onBinaryFunc == nil {
		onBinaryFunc = func(data []byte) error {
			return nil
		}
	}

	fireError := func(err error) {
		if config.OnError != nil {
			config.OnError(err)
		}
	}
	fireClose := func(code ws.StatusCode, reason string) {
		if config.OnClose != nil {
			config.OnClose(code, reason)
		}
	}

	// websocket -> input channel
	go func() {
		defer client.setDone()
		for {
			messages, err := wsutil.ReadServerMessage(rw, nil)
			if err != nil {
				if errors.Is(err, io.EOF) {
					fireClose(ws.StatusAbnormalClosure, "remote closed connection")
					return
				}

				select {
				case <-client.done:
					// local close in progress, read error is expected
				default:
					logger.Error("ws read failed", slog.Any("err", err))
					fireError(err)
				}
				return
			}
			for _, msg := range messages {
				input <- msg
			}
		}
	}()

	// output channel -> websocket
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.done:
				_ = conn.Close()
				return
			case msg := <-output:
				err := wsutil.WriteClientMessage(conn, msg.OpCode, msg.Payload)
				if err != nil {
					logger.Error("message write error", slog.Any("err", err))
					fireError(err)
					client.setDone()
					return
				}
			}
		}
	}()

	// input channel processing
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.done:
				return
			case msg := <-input:

				// handle control
				if ws.OpCode.IsControl(msg.OpCode) {
					logger.Debug("rcv: control", slog.Any("opcode", msg.OpCode))

					if err := wsutil.HandleServerControlMessage(conn, msg); err != nil {
						logger.Error("handling of control messages failed", slog.Any("err", err))
					}

					switch msg.OpCode {
					case ws.OpClose:
						code, reason := ws.ParseCloseFrameData(msg.Payload)
						logger.Debug("rcv: close. closing client",
							slog.Int("code", int(code)),
							slog.String("reason", reason),
						)
						fireClose(code, reason)
						client.setDone()
					}

					continue
				}

				switch msg.OpCode {
				case ws.OpText:
					logger.Debug("rcv: text", slog.String("text", string(msg.Payload)))
					if err := onTextFunc(msg.Payload); err != nil {
						logger.Error("text message handler failed", slog.Any("err", err))
					}

				case ws.OpBinary:
					logger.Debug("rcv: binary", slog.Int("len", len(msg.Payload)))
					if err := onBinaryFunc(msg.Payload); err != nil {
						logger.Error("binary message handler failed", slog.Any("err", err))
					}
				}
			}
		}
	}()

	return client, nil
}
