package openrt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/voicewire/openrt-go/events"
	"github.com/voicewire/openrt-go/internal/websocket"
	"github.com/voicewire/openrt-go/tool"
)

// Inbound event types the streaming operations await on.
const (
	typeSpeechStarted          = "input_audio_buffer.speech_started"
	typeSpeechStopped          = "input_audio_buffer.speech_stopped"
	typeBufferCommitted        = "input_audio_buffer.committed"
	typeBufferCleared          = "input_audio_buffer.cleared"
	typeItemCreated            = "conversation.item.created"
	typeItemRetrieved          = "conversation.item.retrieved"
	typeItemDeleted            = "conversation.item.deleted"
	typeTranscriptionDelta     = "conversation.item.input_audio_transcription.delta"
	typeTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	typeResponseAudioDelta     = "response.audio.delta"
	typeResponseAudioDone      = "response.audio.done"
	typeTranscriptDelta        = "response.audio_transcript.delta"
	typeTranscriptDone         = "response.audio_transcript.done"
	typeResponseDone           = "response.done"
)

// Client manages one realtime session over one WebSocket connection. A
// closed client is terminal; construct a new one to reconnect.
type Client struct {
	config *clientConfig
	logger *slog.Logger
	corr   *Correlator

	wsMu sync.Mutex
	ws   *websocket.Client

	eventMu sync.Mutex
	onEvent func(e *events.Envelope)

	stateMu     sync.Mutex
	sessionID   string
	lastEventID string
	session     *events.Session

	inputOnce sync.Once
	input     *audioInput
}

func New(opts ...ClientOption) *Client {
	config := &clientConfig{}
	withDefaults()(config)
	WithOptions(opts...)(config)

	return &Client{
		config: config,
		logger: config.logger,
	}
}

// OnEvent registers a handler observing every well-formed inbound event.
// The handler runs on the delivery path and must not block. Safe to call
// before or after Connect.
func (c *Client) OnEvent(h func(e *events.Envelope)) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.onEvent = h
}

func (c *Client) eventHandler() func(e *events.Envelope) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	return c.onEvent
}

// SessionID returns the server-assigned session identifier, available after
// Connect succeeds.
func (c *Client) SessionID() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.sessionID
}

// LastEventID returns the event id of the most recent handshake event.
func (c *Client) LastEventID() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.lastEventID
}

// Session returns the most recently mirrored session configuration.
func (c *Client) Session() *events.Session {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.session
}

func (c *Client) transport() *websocket.Client {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	return c.ws
}

// Send marshals and sends any event to the connection.
func (c *Client) Send(evt any) error {
	t := c.transport()
	if t == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	if err := t.WriteText(data); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

// Connect dials the endpoint and performs the created-handshake: the session
// is established once the server's <namespace>.created event arrives. With
// WithAutoSessionUpdate the configured session settings are negotiated
// before Connect returns.
func (c *Client) Connect(ctx context.Context) error {
	start := time.Now()

	if err := c.config.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.transport() != nil {
		return fmt.Errorf("already connected")
	}

	headers := http.Header{}
	headers.Add("Authorization", fmt.Sprintf("Bearer %s", c.config.apiKey))
	headers.Add("OpenAI-Beta", "realtime=v1")

	c.corr = NewCorrelator(c.logger)

	conn, err := websocket.Connect(ctx, websocket.ClientConfig{
		Logger:      c.logger,
		URL:         c.config.url(),
		DialTimeout: c.config.handshakeTimeout,
		Headers:     headers,
		OnText: func(data []byte) error {
			if h := c.eventHandler(); h != nil {
				if ev, err := events.Decode(data); err == nil {
					h(ev)
				}
			}
			c.corr.Record(data)
			return nil
		},
		OnClose: func(code ws.StatusCode, reason string) {
			c.logger.Info("connection closed",
				slog.Int("code", int(code)),
				slog.String("reason", reason),
			)
		},
		OnError: func(err error) {
			c.logger.Error("transport error", slog.Any("err", err))
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return opErr("connect", start, ErrConnectTimeout)
		}
		return fmt.Errorf("connect: %w", err)
	}

	c.wsMu.Lock()
	c.ws = conn
	c.wsMu.Unlock()

	// Any transport-level termination resolves all pending waiters, so no
	// operation stays suspended past the life of the connection.
	go func() {
		<-conn.Done()
		c.corr.Fail(ErrConnectionLost)
	}()

	created := c.config.namespace + ".created"
	ev, err := c.await(ctx, c.config.handshakeTimeout, created)
	if err != nil {
		_ = c.Close(context.Background())
		if errors.Is(err, context.DeadlineExceeded) {
			return opErr("connect", start, ErrHandshakeTimeout, created)
		}
		return opErr("connect", start, err, created)
	}

	evt, err := events.Parse[events.SessionCreatedEvent](ev.Raw)
	if err != nil {
		_ = c.Close(context.Background())
		return opErr("connect", start, err, created)
	}

	c.stateMu.Lock()
	c.sessionID = evt.Session.ID
	c.lastEventID = evt.EventID
	c.session = &evt.Session
	c.stateMu.Unlock()

	c.logger.Info("session created",
		slog.String("session_id", evt.Session.ID),
		slog.String("event_id", evt.EventID),
	)

	if c.config.autoUpdate {
		if _, err := c.UpdateSession(ctx, c.defaultSessionUpdate()); err != nil {
			_ = c.Close(context.Background())
			return err
		}
	}

	return nil
}

func (c *Client) defaultSessionUpdate() events.SessionUpdate {
	toolChoice := tool.ChoiceNone
	if len(c.config.tools) > 0 {
		toolChoice = tool.ChoiceAuto
	}

	return events.SessionUpdate{
		Voice:             c.config.voice,
		InputAudioFormat:  events.AudioFormatPCM16,
		OutputAudioFormat: events.AudioFormatPCM16,
		Temperature:       c.config.temperature,
		Speed:             c.config.speed,
		Instructions:      c.config.instruction,
		Modalities:        []string{"text", "audio"},
		ToolChoice:        toolChoice,
		Tools:             c.config.tools,
		InputAudioTranscription: &events.InputAudioTranscription{
			Model:    "whisper-1",
			Language: c.config.language,
		},
		TurnDetection: &events.TurnDetection{
			CreateResponse:    true,
			InterruptResponse: true,
			Type:              "server_vad",
		},
	}
}

// UpdateSession sends a session configuration update and waits for the
// server's updated event. A session id differing from the stored one is a
// logged anomaly, not a failure: the server's configuration echo still wins.
func (c *Client) UpdateSession(ctx context.Context, update events.SessionUpdate) (*events.Session, error) {
	start := time.Now()
	updated := c.config.namespace + ".updated"

	err := c.Send(events.SessionUpdateEvent{
		BaseEvent: events.NewBaseEvent(c.config.namespace + ".update"),
		Session:   update,
	})
	if err != nil {
		return nil, opErr("session.update", start, err)
	}

	ev, err := c.await(ctx, c.config.updateTimeout, updated)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, opErr("session.update", start, ErrUpdateTimeout, updated)
		}
		return nil, opErr("session.update", start, err, updated)
	}

	evt, err := events.Parse[events.SessionUpdatedEvent](ev.Raw)
	if err != nil {
		return nil, opErr("session.update", start, err, updated)
	}

	c.stateMu.Lock()
	if c.sessionID != "" && evt.Session.ID != "" && evt.Session.ID != c.sessionID {
		c.logger.Warn("session id changed on update",
			slog.String("had", c.sessionID),
			slog.String("got", evt.Session.ID),
		)
	}
	if evt.Session.ID != "" {
		c.sessionID = evt.Session.ID
	}
	c.lastEventID = evt.EventID
	c.session = &evt.Session
	c.stateMu.Unlock()

	return &evt.Session, nil
}

// AppendAudio sends one buffer of raw mono 16-bit PCM and waits for the
// server's voice-activity signal for it.
func (c *Client) AppendAudio(ctx context.Context, pcm []byte) (*events.SpeechStartedEvent, error) {
	start := time.Now()

	err := c.Send(events.InputAudioBufferAppendEvent{
		BaseEvent: events.NewBaseEvent("input_audio_buffer.append"),
		Audio:     base64.StdEncoding.EncodeToString(pcm),
	})
	if err != nil {
		return nil, opErr("input_audio_buffer.append", start, err)
	}

	ev, err := c.await(ctx, c.config.requestTimeout, typeSpeechStarted)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, opErr("input_audio_buffer.append", start, ErrResponseTimeout, typeSpeechStarted)
		}
		return nil, opErr("input_audio_buffer.append", start, err, typeSpeechStarted)
	}

	return events.Parse[events.SpeechStartedEvent](ev.Raw)
}

// CommitResult is the outcome of a buffer commit. Transcript holds the
// completed event's transcript, the ground truth; DeltaTranscript is the
// arrival-order accumulation of streamed deltas and may lag behind it.
type CommitResult struct {
	ItemID          string
	Transcript      string
	DeltaTranscript string
	Observed        []string
	Missing         []string
	Partial         bool
}

// CommitAudio commits the input buffer and collects the full response set:
// commit ack, item creation, streamed transcription deltas and the final
// transcription. If the deadline passes first, the subset collected so far
// is returned alongside ErrIncompleteResponseSet instead of being discarded.
func (c *Client) CommitAudio(ctx context.Context) (*CommitResult, error) {
	start := time.Now()
	required := []string{typeBufferCommitted, typeItemCreated, typeTranscriptionCompleted}

	err := c.Send(events.InputAudioBufferCommitEvent{
		BaseEvent: events.NewBaseEvent("input_audio_buffer.commit"),
	})
	if err != nil {
		return nil, opErr("input_audio_buffer.commit", start, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.commitTimeout)
	defer cancel()

	res := &CommitResult{}
	pending := map[string]bool{
		typeBufferCommitted:        true,
		typeItemCreated:            true,
		typeTranscriptionCompleted: true,
	}

	for len(pending) > 0 {
		await := []string{typeTranscriptionDelta, typeSpeechStopped}
		for t := range pending {
			await = append(await, t)
		}

		ev, err := c.corr.AwaitAny(ctx, await...)
		if err != nil {
			res.Partial = true
			for _, t := range required {
				if pending[t] {
					res.Missing = append(res.Missing, t)
				}
			}
			if errors.Is(err, context.DeadlineExceeded) {
				err = ErrIncompleteResponseSet
			}
			return res, opErr("input_audio_buffer.commit", start, err, res.Missing...)
		}
		if err := remoteFromEnvelope(ev); err != nil {
			res.Partial = true
			for _, t := range required {
				if pending[t] {
					res.Missing = append(res.Missing, t)
				}
			}
			return res, opErr("input_audio_buffer.commit", start, err, res.Missing...)
		}

		switch ev.Type {
		case typeSpeechStopped:
			// under server VAD the stop signal can precede the commit ack
			evt, err := events.Parse[events.SpeechStoppedEvent](ev.Raw)
			if err == nil && res.ItemID == "" {
				res.ItemID = evt.ItemID
			}

		case typeTranscriptionDelta:
			evt, err := events.Parse[events.TranscriptionDeltaEvent](ev.Raw)
			if err != nil {
				c.logger.Warn("bad transcription delta", slog.Any("err", err))
				continue
			}
			res.DeltaTranscript += evt.Delta

		case typeBufferCommitted:
			evt, err := events.Parse[events.InputAudioBufferCommittedEvent](ev.Raw)
			if err == nil && evt.ItemID != "" {
				res.ItemID = evt.ItemID
			}
			delete(pending, ev.Type)
			res.Observed = append(res.Observed, ev.Type)

		case typeItemCreated:
			delete(pending, ev.Type)
			res.Observed = append(res.Observed, ev.Type)

		case typeTranscriptionCompleted:
			evt, err := events.Parse[events.TranscriptionCompletedEvent](ev.Raw)
			if err != nil {
				return res, opErr("input_audio_buffer.commit", start, err)
			}
			res.Transcript = evt.Transcript
			if evt.ItemID != "" {
				res.ItemID = evt.ItemID
			}
			delete(pending, ev.Type)
			res.Observed = append(res.Observed, ev.Type)
		}
	}

	return res, nil
}

// ClearAudio discards the uncommitted input buffer.
func (c *Client) ClearAudio(ctx context.Context) error {
	start := time.Now()

	err := c.Send(events.InputAudioBufferClearEvent{
		BaseEvent: events.NewBaseEvent("input_audio_buffer.clear"),
	})
	if err != nil {
		return opErr("input_audio_buffer.clear", start, err)
	}

	ev, err := c.await(ctx, c.config.requestTimeout, typeBufferCleared)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return opErr("input_audio_buffer.clear", start, ErrResponseTimeout, typeBufferCleared)
		}
		return opErr("input_audio_buffer.clear", start, err, typeBufferCleared)
	}

	if evt, err := events.Parse[events.InputAudioBufferClearedEvent](ev.Raw); err == nil {
		c.logger.Debug("input buffer cleared", slog.String("event_id", evt.EventID))
	}
	return nil
}

// RetrieveItem fetches a conversation item by id. The echoed item id must
// match the requested one; anything else means the response belongs to a
// different in-flight retrieve and returning it would be silently wrong.
func (c *Client) RetrieveItem(ctx context.Context, itemID string) (*events.ConversationItem, error) {
	start := time.Now()

	err := c.Send(events.ConversationItemRetrieveEvent{
		BaseEvent: events.NewBaseEvent("conversation.item.retrieve"),
		ItemID:    itemID,
	})
	if err != nil {
		return nil, opErr("conversation.item.retrieve", start, err)
	}

	ev, err := c.await(ctx, c.config.requestTimeout, typeItemRetrieved)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, opErr("conversation.item.retrieve", start, ErrResponseTimeout, typeItemRetrieved)
		}
		return nil, opErr("conversation.item.retrieve", start, err, typeItemRetrieved)
	}

	evt, err := events.Parse[events.ConversationItemRetrievedEvent](ev.Raw)
	if err != nil {
		return nil, opErr("conversation.item.retrieve", start, err, typeItemRetrieved)
	}
	if evt.Item.ID != itemID {
		return nil, opErr("conversation.item.retrieve", start,
			fmt.Errorf("%w: requested %q, got %q", ErrItemIDMismatch, itemID, evt.Item.ID))
	}

	return &evt.Item, nil
}

// DeleteItem removes a conversation item by id, with the same echo-id
// validation as RetrieveItem.
func (c *Client) DeleteItem(ctx context.Context, itemID string) error {
	start := time.Now()

	err := c.Send(events.ConversationItemDeleteEvent{
		BaseEvent: events.NewBaseEvent("conversation.item.delete"),
		ItemID:    itemID,
	})
	if err != nil {
		return opErr("conversation.item.delete", start, err)
	}

	ev, err := c.await(ctx, c.config.requestTimeout, typeItemDeleted)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return opErr("conversation.item.delete", start, ErrResponseTimeout, typeItemDeleted)
		}
		return opErr("conversation.item.delete", start, err, typeItemDeleted)
	}

	evt, err := events.Parse[events.ConversationItemDeletedEvent](ev.Raw)
	if err != nil {
		return opErr("conversation.item.delete", start, err, typeItemDeleted)
	}
	if evt.ItemID != itemID {
		return opErr("conversation.item.delete", start,
			fmt.Errorf("%w: requested %q, got %q", ErrItemIDMismatch, itemID, evt.ItemID))
	}
	return nil
}

// CreateItem adds a conversation item (e.g. user text input) and waits for
// the creation ack.
func (c *Client) CreateItem(ctx context.Context, item events.ConversationItem) (*events.ConversationItem, error) {
	start := time.Now()

	err := c.Send(events.ConversationItemCreateEvent{
		BaseEvent: events.NewBaseEvent("conversation.item.create"),
		Item:      item,
	})
	if err != nil {
		return nil, opErr("conversation.item.create", start, err)
	}

	ev, err := c.await(ctx, c.config.requestTimeout, typeItemCreated)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, opErr("conversation.item.create", start, ErrResponseTimeout, typeItemCreated)
		}
		return nil, opErr("conversation.item.create", start, err, typeItemCreated)
	}

	evt, err := events.Parse[events.ConversationItemCreatedEvent](ev.Raw)
	if err != nil {
		return nil, opErr("conversation.item.create", start, err, typeItemCreated)
	}
	return &evt.Item, nil
}

// UserInput creates a user text message and optionally asks the server to
// respond to it.
func (c *Client) UserInput(ctx context.Context, text string, respond bool) error {
	_, err := c.CreateItem(ctx, events.ConversationItem{
		Type: "message",
		Role: "user",
		Content: []events.ConversationItemContent{
			{Type: "input_text", Text: text},
		},
	})
	if err != nil {
		return err
	}
	if respond {
		return c.Send(events.ResponseCreateEvent{
			BaseEvent: events.NewBaseEvent("response.create"),
			Response:  events.ResponseCreatePayload{},
		})
	}
	return nil
}

// ResponseResult is the outcome of a response generation. PCM is the ordered
// concatenation of all audio deltas; WAV wraps it in a playable container at
// the configured output sample rate.
type ResponseResult struct {
	ResponseID string
	PCM        []byte
	WAV        []byte
	Transcript string
	Chunks     int
	Partial    bool
}

// CreateResponse asks the server to generate a response and collects the
// streamed audio and transcript until the terminal done event. A deadline
// with at least one audio chunk collected yields a partial result; a
// deadline with nothing collected is ErrNoResponseReceived.
func (c *Client) CreateResponse(ctx context.Context) (*ResponseResult, error) {
	return c.CreateResponseWithPayload(ctx, events.ResponseCreatePayload{})
}

func (c *Client) CreateResponseWithPayload(ctx context.Context, p events.ResponseCreatePayload) (*ResponseResult, error) {
	start := time.Now()

	err := c.Send(events.ResponseCreateEvent{
		BaseEvent: events.NewBaseEvent("response.create"),
		Response:  p,
	})
	if err != nil {
		return nil, opErr("response.create", start, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.responseTimeout)
	defer cancel()

	var (
		chunks     []Chunk
		transcript string
		responseID string
	)

	finalize := func(partial bool) *ResponseResult {
		pcm := Assemble(chunks)
		return &ResponseResult{
			ResponseID: responseID,
			PCM:        pcm,
			WAV:        WrapPCM(pcm, c.config.outputSampleRate),
			Transcript: transcript,
			Chunks:     len(chunks),
			Partial:    partial,
		}
	}

	for {
		ev, err := c.corr.AwaitAny(ctx,
			typeResponseAudioDelta,
			typeResponseAudioDone,
			typeTranscriptDelta,
			typeTranscriptDone,
			typeResponseDone,
		)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && len(chunks) > 0 {
				c.logger.Warn("response collection timed out with partial audio",
					slog.Int("chunks", len(chunks)),
				)
				return finalize(true), nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, opErr("response.create", start, ErrNoResponseReceived, typeResponseDone)
			}
			return nil, opErr("response.create", start, err, typeResponseDone)
		}
		if err := remoteFromEnvelope(ev); err != nil {
			return nil, opErr("response.create", start, err)
		}

		switch ev.Type {
		case typeResponseAudioDelta:
			evt, err := events.Parse[events.ResponseAudioDeltaEvent](ev.Raw)
			if err != nil {
				c.logger.Warn("bad audio delta", slog.Any("err", err))
				continue
			}
			data, err := base64.StdEncoding.DecodeString(evt.Delta)
			if err != nil {
				c.logger.Warn("dropping audio delta", slog.Any("err", ErrMalformedEncoding))
				continue
			}
			responseID = evt.ResponseID
			chunks = append(chunks, Chunk{
				ContentIndex: evt.ContentIndex,
				OutputIndex:  evt.OutputIndex,
				Data:         data,
			})

		case typeTranscriptDelta:
			evt, err := events.Parse[events.ResponseAudioTranscriptDeltaEvent](ev.Raw)
			if err != nil {
				continue
			}
			transcript += evt.Delta

		case typeTranscriptDone:
			evt, err := events.Parse[events.ResponseAudioTranscriptDoneEvent](ev.Raw)
			if err == nil && evt.Transcript != "" {
				transcript = evt.Transcript
			}

		case typeResponseAudioDone:
			evt, err := events.Parse[events.ResponseAudioDoneEvent](ev.Raw)
			if err == nil && evt.ResponseID != "" {
				responseID = evt.ResponseID
			}

		case typeResponseDone:
			// terminal event means the response completed, even when it
			// carried no audio (text-only modality)
			evt, err := events.Parse[events.ResponseDoneEvent](ev.Raw)
			if err == nil && evt.Response.ID != "" {
				responseID = evt.Response.ID
			}
			return finalize(false), nil
		}
	}
}

// Close tears down the connection. Idempotent; all pending operations
// resolve with ErrConnectionLost.
func (c *Client) Close(ctx context.Context) error {
	t := c.transport()
	if t == nil {
		return nil
	}
	if c.input != nil {
		c.input.stop()
	}
	return t.Close(ctx)
}

// await waits for one of the given types within timeout, converting a
// server-declared error event into a RemoteError.
func (c *Client) await(ctx context.Context, timeout time.Duration, types ...string) (*events.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ev, err := c.corr.AwaitAny(ctx, types...)
	if err != nil {
		return nil, err
	}
	if err := remoteFromEnvelope(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func remoteFromEnvelope(ev *events.Envelope) error {
	if ev.Type != typeError {
		return nil
	}
	evt, err := events.Parse[events.ErrorEvent](ev.Raw)
	if err != nil {
		return &RemoteError{Code: "unknown", Message: string(ev.Raw)}
	}
	return &RemoteError{Code: evt.ErrorDetail.Code, Message: evt.ErrorDetail.Message}
}
