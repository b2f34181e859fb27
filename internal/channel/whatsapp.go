package channel

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	qrterminal "github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/jurisbot/internal/bus"
	"github.com/stellarlinkco/jurisbot/internal/config"
	"github.com/stellarlinkco/jurisbot/internal/domain"
	"github.com/stellarlinkco/jurisbot/internal/fault"
)

const whatsappSendTimeout = 30 * time.Second

type waSession struct {
	id        string
	client    *whatsmeow.Client
	cancel    context.CancelFunc
	handlerID uint32
}

// WhatsApp runs one whatsmeow client per bot session. Every client shares
// one device store; the session -> device mapping lives next to it.
type WhatsApp struct {
	cfg       config.WhatsAppConfig
	bus       *bus.MessageBus
	logger    *zap.Logger
	container *sqlstore.Container
	links     *deviceLinks
	qrOut     io.Writer

	// start dials one session; tests replace it.
	start func(ctx context.Context, sessionID string) (*waSession, error)

	mu sync.Mutex
	// sessions holds running clients and, while dialing, placeholders
	// without a client.
	sessions map[string]*waSession
}

func NewWhatsApp(cfg config.WhatsAppConfig, msgBus *bus.MessageBus, logger *zap.Logger) (*WhatsApp, error) {
	storePath := strings.TrimSpace(cfg.StorePath)
	if storePath == "" {
		storePath = filepath.Join(config.ConfigDir(), "whatsapp-store.db")
	}
	if err := os.MkdirAll(filepath.Dir(storePath), 0755); err != nil {
		return nil, fmt.Errorf("create whatsapp store dir: %w", err)
	}

	storeDSN := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", filepath.ToSlash(storePath))
	container, err := sqlstore.New(context.Background(), "sqlite", storeDSN, waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("init whatsapp session store: %w", err)
	}

	db, err := sql.Open("sqlite", storeDSN)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("open whatsapp link table: %w", err)
	}
	links, err := newDeviceLinks(db)
	if err != nil {
		_ = db.Close()
		_ = container.Close()
		return nil, err
	}

	if cfg.SendRetries <= 0 {
		cfg.SendRetries = config.DefaultSendRetries
	}
	return &WhatsApp{
		cfg:       cfg,
		bus:       msgBus,
		logger:    logger.Named("whatsapp"),
		container: container,
		links:     links,
		qrOut:     os.Stdout,
		sessions:  make(map[string]*waSession),
	}, nil
}

// Connect starts the client for sessionID. A session without a linked
// device gets a fresh one and emits qr events until it is paired. The dial
// runs outside w.mu behind a placeholder entry, so other sessions keep
// sending while one links.
func (w *WhatsApp) Connect(ctx context.Context, sessionID string) error {
	w.mu.Lock()
	if _, ok := w.sessions[sessionID]; ok {
		w.mu.Unlock()
		return nil
	}
	slot := &waSession{id: sessionID}
	w.sessions[sessionID] = slot
	w.mu.Unlock()

	start := w.start
	if start == nil {
		start = w.startClient
	}
	s, err := start(ctx, sessionID)

	w.mu.Lock()
	current := w.sessions[sessionID]
	if err != nil {
		if current == slot {
			delete(w.sessions, sessionID)
		}
		w.mu.Unlock()
		return err
	}
	if current != slot {
		// Disconnected while dialing.
		w.mu.Unlock()
		w.stop(s)
		return nil
	}
	w.sessions[sessionID] = s
	w.mu.Unlock()

	linked := s.client != nil && s.client.Store.ID != nil
	w.logger.Info("session client started", zap.String("session", sessionID), zap.Bool("linked", linked))
	return nil
}

func (w *WhatsApp) startClient(ctx context.Context, sessionID string) (*waSession, error) {
	device, err := w.device(ctx, sessionID)
	if err != nil {
		return nil, fault.Wrap(fault.CodeGatewayUnavailable, err, "load device for %s", sessionID)
	}

	client := whatsmeow.NewClient(device, waLog.Noop)
	runCtx, cancel := context.WithCancel(context.Background())
	s := &waSession{id: sessionID, client: client, cancel: cancel}
	s.handlerID = client.AddEventHandler(func(evt interface{}) {
		w.handleEvent(runCtx, sessionID, evt)
	})

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(runCtx)
		if err != nil {
			cancel()
			client.RemoveEventHandler(s.handlerID)
			return nil, fault.Wrap(fault.CodeGatewayUnavailable, err, "get whatsapp qr channel")
		}
		go w.consumeQR(runCtx, sessionID, qrChan)
	}

	if err := client.Connect(); err != nil {
		cancel()
		client.RemoveEventHandler(s.handlerID)
		return nil, fault.Wrap(fault.CodeGatewayUnavailable, err, "connect whatsapp")
	}
	return s, nil
}

func (w *WhatsApp) stop(s *waSession) {
	if s.client != nil {
		s.client.RemoveEventHandler(s.handlerID)
		s.client.Disconnect()
	}
	if s.cancel != nil {
		s.cancel()
	}
}

func (w *WhatsApp) device(ctx context.Context, sessionID string) (*store.Device, error) {
	jid, ok, err := w.links.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if ok {
		device, err := w.container.GetDevice(ctx, jid)
		if err != nil {
			return nil, fmt.Errorf("get whatsapp device %s: %w", jid, err)
		}
		if device != nil {
			return device, nil
		}
	}
	return w.container.NewDevice(), nil
}

// Disconnect stops the client for sessionID; unknown sessions are a no-op.
// A session still dialing is dropped and torn down once its dial returns.
func (w *WhatsApp) Disconnect(ctx context.Context, sessionID string) error {
	w.mu.Lock()
	s, ok := w.sessions[sessionID]
	delete(w.sessions, sessionID)
	w.mu.Unlock()
	if !ok {
		return nil
	}

	w.stop(s)
	w.logger.Info("session client stopped", zap.String("session", sessionID))
	return nil
}

func (w *WhatsApp) client(sessionID string) (*whatsmeow.Client, error) {
	w.mu.Lock()
	s, ok := w.sessions[sessionID]
	w.mu.Unlock()
	if !ok || s.client == nil {
		return nil, fault.New(fault.CodeGatewayUnavailable, "whatsapp session %s not running", sessionID)
	}
	return s.client, nil
}

// Send delivers text to the client handle, retrying transient failures
// with exponential backoff.
func (w *WhatsApp) Send(ctx context.Context, sessionID, to, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	chatJID, err := parseWhatsAppJID(to)
	if err != nil {
		return fmt.Errorf("parse whatsapp chat id %q: %w", to, err)
	}
	client, err := w.client(sessionID)
	if err != nil {
		return err
	}

	msg := &waE2E.Message{Conversation: proto.String(text)}
	_, err = backoff.Retry(ctx, func() (whatsmeow.SendResponse, error) {
		if !client.IsConnected() {
			return whatsmeow.SendResponse{}, fmt.Errorf("whatsapp client offline")
		}
		sendCtx, cancel := context.WithTimeout(ctx, whatsappSendTimeout)
		defer cancel()
		return client.SendMessage(sendCtx, chatJID, msg)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(uint(w.cfg.SendRetries)))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fault.Wrap(fault.CodeGatewayUnavailable, err, "send whatsapp message")
	}
	return nil
}

func (w *WhatsApp) SetPresence(ctx context.Context, sessionID, to string, p domain.Presence) error {
	chatJID, err := parseWhatsAppJID(to)
	if err != nil {
		return fmt.Errorf("parse whatsapp chat id %q: %w", to, err)
	}
	client, err := w.client(sessionID)
	if err != nil {
		return err
	}
	state := types.ChatPresencePaused
	if p == domain.PresenceTyping {
		state = types.ChatPresenceComposing
	}
	if err := client.SendChatPresence(ctx, chatJID, state, types.ChatPresenceMediaText); err != nil {
		return fmt.Errorf("send whatsapp presence: %w", err)
	}
	return nil
}

// Close stops every client and releases the device store.
func (w *WhatsApp) Close() error {
	w.mu.Lock()
	ids := make([]string, 0, len(w.sessions))
	for id := range w.sessions {
		ids = append(ids, id)
	}
	w.mu.Unlock()
	for _, id := range ids {
		_ = w.Disconnect(context.Background(), id)
	}

	if err := w.links.Close(); err != nil {
		w.logger.Warn("close link table", zap.Error(err))
	}
	if w.container != nil {
		if err := w.container.Close(); err != nil {
			return fmt.Errorf("close whatsapp store: %w", err)
		}
		w.container = nil
	}
	return nil
}

func (w *WhatsApp) consumeQR(ctx context.Context, sessionID string, qrChan <-chan whatsmeow.QRChannelItem) {
	logger := w.logger.With(zap.String("session", sessionID))
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}

			switch evt.Event {
			case whatsmeow.QRChannelEventCode:
				if w.cfg.PrintQR && w.qrOut != nil {
					logger.Info("scan the QR code below to link the session")
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, w.qrOut)
				}
				w.publish(ctx, bus.Event{Kind: bus.EventQR, SessionID: sessionID, Code: evt.Code, At: time.Now()})
			default:
				if evt.Error != nil {
					logger.Warn("login event", zap.String("event", evt.Event), zap.Error(evt.Error))
				} else {
					logger.Info("login event", zap.String("event", evt.Event))
				}
			}
		}
	}
}

func (w *WhatsApp) handleEvent(ctx context.Context, sessionID string, evt interface{}) {
	switch e := evt.(type) {
	case *events.Connected:
		w.publish(ctx, bus.Event{Kind: bus.EventConnected, SessionID: sessionID, At: time.Now()})
	case *events.Disconnected:
		w.publish(ctx, bus.Event{Kind: bus.EventDisconnected, SessionID: sessionID, At: time.Now()})
	case *events.LoggedOut:
		if err := w.links.Delete(ctx, sessionID); err != nil {
			w.logger.Warn("forget device link", zap.String("session", sessionID), zap.Error(err))
		}
		w.publish(ctx, bus.Event{Kind: bus.EventDisconnected, SessionID: sessionID, Reason: bus.ReasonLoggedOut, At: time.Now()})
	case *events.PairSuccess:
		if err := w.links.Put(ctx, sessionID, e.ID); err != nil {
			w.logger.Error("store device link", zap.String("session", sessionID), zap.Error(err))
		}
		w.logger.Info("session paired", zap.String("session", sessionID), zap.String("jid", e.ID.String()))
	case *events.Message:
		w.handleMessage(ctx, sessionID, e)
	}
}

func (w *WhatsApp) handleMessage(ctx context.Context, sessionID string, evt *events.Message) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	content := extractText(evt.Message)
	if content == "" {
		return
	}

	at := evt.Info.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	w.publish(ctx, bus.Event{
		Kind:      bus.EventIncoming,
		SessionID: sessionID,
		From:      evt.Info.Chat.ToNonAD().String(),
		PushName:  evt.Info.PushName,
		Text:      content,
		At:        at,
	})
}

func (w *WhatsApp) publish(ctx context.Context, evt bus.Event) {
	if err := w.bus.Publish(ctx, evt); err != nil {
		w.logger.Warn("drop gateway event", zap.String("session", evt.SessionID), zap.String("kind", string(evt.Kind)), zap.Error(err))
	}
}

func extractText(msg *waE2E.Message) string {
	content := strings.TrimSpace(msg.GetConversation())
	if content == "" && msg.GetExtendedTextMessage() != nil {
		content = strings.TrimSpace(msg.GetExtendedTextMessage().GetText())
	}
	if content == "" && msg.GetImageMessage() != nil {
		content = strings.TrimSpace(msg.GetImageMessage().GetCaption())
	}
	return content
}

func parseWhatsAppJID(raw string) (types.JID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return types.EmptyJID, fmt.Errorf("empty jid")
	}

	if strings.Contains(raw, "@") {
		return types.ParseJID(raw)
	}

	user := strings.TrimPrefix(raw, "+")
	if isDigitsOnly(user) {
		return types.NewJID(user, types.DefaultUserServer), nil
	}

	return types.ParseJID(raw)
}

func isDigitsOnly(val string) bool {
	if val == "" {
		return false
	}
	for _, r := range val {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
