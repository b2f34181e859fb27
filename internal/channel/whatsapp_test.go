package channel

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/stellarlinkco/jurisbot/internal/bus"
	"github.com/stellarlinkco/jurisbot/internal/config"
	"github.com/stellarlinkco/jurisbot/internal/domain"
	"github.com/stellarlinkco/jurisbot/internal/fault"
)

func TestNewWhatsApp_Valid(t *testing.T) {
	b := bus.NewMessageBus(10)
	storePath := filepath.Join(t.TempDir(), "whatsapp-store.db")

	w, err := NewWhatsApp(config.WhatsAppConfig{StorePath: storePath}, b, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWhatsApp error: %v", err)
	}
	if w.cfg.SendRetries != config.DefaultSendRetries {
		t.Errorf("sendRetries = %d, want default", w.cfg.SendRetries)
	}
	if err := w.Disconnect(context.Background(), "unknown"); err != nil {
		t.Fatalf("Disconnect unknown session: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

func newTestWhatsApp(b *bus.MessageBus) *WhatsApp {
	return &WhatsApp{bus: b, logger: zap.NewNop(), sessions: map[string]*waSession{}}
}

func TestWhatsApp_SendWithoutClient(t *testing.T) {
	w := newTestWhatsApp(bus.NewMessageBus(1))

	err := w.Send(context.Background(), "s1", "5511999990000", "olá")
	if fault.CodeOf(err) != fault.CodeGatewayUnavailable {
		t.Fatalf("err = %v, want GATEWAY_UNAVAILABLE", err)
	}
	if err := w.Send(context.Background(), "s1", "5511999990000", "   "); err != nil {
		t.Fatalf("empty text should be skipped: %v", err)
	}
	if err := w.SetPresence(context.Background(), "s1", "5511999990000", domain.PresenceTyping); fault.CodeOf(err) != fault.CodeGatewayUnavailable {
		t.Fatalf("presence err = %v", err)
	}
	if err := w.Send(context.Background(), "s1", " ", "oi"); err == nil {
		t.Fatal("expected jid parse error")
	}
}

func TestWhatsApp_ConnectDialsOutsideLock(t *testing.T) {
	w := newTestWhatsApp(bus.NewMessageBus(1))
	dialing := make(chan struct{})
	release := make(chan struct{})
	stopped := make(chan struct{})
	w.start = func(ctx context.Context, id string) (*waSession, error) {
		close(dialing)
		<-release
		return &waSession{id: id, cancel: func() { close(stopped) }}, nil
	}

	done := make(chan error, 1)
	go func() { done <- w.Connect(context.Background(), "a") }()
	<-dialing

	quick := make(chan error, 1)
	go func() {
		quick <- w.SetPresence(context.Background(), "b", "5511999990000", domain.PresenceTyping)
	}()
	select {
	case err := <-quick:
		if fault.CodeOf(err) != fault.CodeGatewayUnavailable {
			t.Fatalf("presence err = %v, want GATEWAY_UNAVAILABLE", err)
		}
	case <-time.After(time.Second):
		t.Fatal("SetPresence on another session blocked behind a dial")
	}

	if err := w.Connect(context.Background(), "a"); err != nil {
		t.Fatalf("second Connect while dialing: %v", err)
	}
	if err := w.Disconnect(context.Background(), "a"); err != nil {
		t.Fatalf("Disconnect while dialing: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("client dialed after Disconnect was not stopped")
	}
	if len(w.sessions) != 0 {
		t.Errorf("sessions = %v, want none", w.sessions)
	}
}

func TestWhatsApp_ConnectFailureFreesSlot(t *testing.T) {
	w := newTestWhatsApp(bus.NewMessageBus(1))
	calls := 0
	w.start = func(ctx context.Context, id string) (*waSession, error) {
		calls++
		return nil, fault.New(fault.CodeGatewayUnavailable, "dial failed")
	}

	for i := 0; i < 2; i++ {
		err := w.Connect(context.Background(), "a")
		if fault.CodeOf(err) != fault.CodeGatewayUnavailable {
			t.Fatalf("Connect err = %v", err)
		}
	}
	if calls != 2 {
		t.Errorf("start calls = %d, want 2", calls)
	}
	if len(w.sessions) != 0 {
		t.Errorf("sessions = %v, want none", w.sessions)
	}
}

func messageEvent(chat types.JID, text string, fromMe, group bool) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Sender:   chat,
				Chat:     chat,
				IsFromMe: fromMe,
				IsGroup:  group,
			},
			ID:        types.MessageID("msg-1"),
			PushName:  "Maria Souza",
			Timestamp: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		},
		Message: &waE2E.Message{Conversation: proto.String(text)},
	}
}

func TestWhatsApp_HandleMessage(t *testing.T) {
	chat := types.NewJID("5511999990000", types.DefaultUserServer)

	tests := []struct {
		name string
		evt  *events.Message
		want bool
	}{
		{"client text", messageEvent(chat, "fui demitido", false, false), true},
		{"own message", messageEvent(chat, "oi", true, false), false},
		{"group message", messageEvent(chat, "oi", false, true), false},
		{"blank text", messageEvent(chat, "   ", false, false), false},
		{"nil event", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := bus.NewMessageBus(1)
			w := newTestWhatsApp(b)
			w.handleMessage(context.Background(), "s1", tt.evt)

			select {
			case evt := <-b.Events:
				if !tt.want {
					t.Fatalf("unexpected event %+v", evt)
				}
				if evt.Kind != bus.EventIncoming || evt.SessionID != "s1" {
					t.Fatalf("event = %+v", evt)
				}
				if evt.From != "5511999990000@s.whatsapp.net" || evt.PushName != "Maria Souza" || evt.Text != "fui demitido" {
					t.Fatalf("event = %+v", evt)
				}
			default:
				if tt.want {
					t.Fatal("expected incoming event")
				}
			}
		})
	}
}

func TestWhatsApp_HandleConnectionEvents(t *testing.T) {
	b := bus.NewMessageBus(4)
	w := newTestWhatsApp(b)

	w.handleEvent(context.Background(), "s1", &events.Connected{})
	w.handleEvent(context.Background(), "s1", &events.Disconnected{})

	if evt := <-b.Events; evt.Kind != bus.EventConnected {
		t.Fatalf("first event = %s", evt.Kind)
	}
	if evt := <-b.Events; evt.Kind != bus.EventDisconnected || evt.Reason != "" {
		t.Fatalf("second event = %+v", evt)
	}
}

func TestExtractText(t *testing.T) {
	if got := extractText(&waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String(" olá ")}}); got != "olá" {
		t.Errorf("extended text = %q", got)
	}
	if got := extractText(&waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("carteira")}}); got != "carteira" {
		t.Errorf("caption = %q", got)
	}
	if got := extractText(&waE2E.Message{}); got != "" {
		t.Errorf("empty = %q", got)
	}
}

func TestDeviceLinks(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "links.db"))
	if err != nil {
		t.Fatal(err)
	}
	links, err := newDeviceLinks(db)
	if err != nil {
		t.Fatalf("newDeviceLinks: %v", err)
	}
	defer links.Close()

	ctx := context.Background()
	if _, ok, err := links.Get(ctx, "s1"); err != nil || ok {
		t.Fatalf("Get empty = %v %v", ok, err)
	}

	jid := types.NewJID("5511988887777", types.DefaultUserServer)
	jid.Device = 3
	if err := links.Put(ctx, "s1", jid); err != nil {
		t.Fatal(err)
	}
	got, ok, err := links.Get(ctx, "s1")
	if err != nil || !ok || got.String() != jid.String() {
		t.Fatalf("Get = %v %v %v", got, ok, err)
	}

	if err := links.Delete(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := links.Get(ctx, "s1"); ok {
		t.Fatal("link should be gone")
	}
}

func TestWhatsApp_ParseJID(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "plus prefixed phone number", raw: "+5511999990000", want: "5511999990000@s.whatsapp.net"},
		{name: "plain phone number", raw: "5511999990000", want: "5511999990000@s.whatsapp.net"},
		{name: "full user jid", raw: "5511999990000@s.whatsapp.net", want: "5511999990000@s.whatsapp.net"},
		{name: "device jid", raw: "5511999990000:2@s.whatsapp.net", want: "5511999990000:2@s.whatsapp.net"},
		{name: "empty input", raw: " ", wantErr: true},
		{name: "invalid jid", raw: "a:b:c@s.whatsapp.net", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jid, err := parseWhatsAppJID(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseWhatsAppJID(%q) expected error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseWhatsAppJID(%q) error: %v", tt.raw, err)
			}
			if jid.String() != tt.want {
				t.Fatalf("parseWhatsAppJID(%q) = %q, want %q", tt.raw, jid.String(), tt.want)
			}
		})
	}
}
