package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/godbus/dbus/v5"
)

// recorder records delivered notifications.
type recorder struct {
	mu   sync.Mutex
	got  []Notification
	err  error
	done chan struct{}
}

func (r *recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
	if r.done != nil {
		r.done <- struct{}{}
	}
	return r.err
}

func TestMultiDeliversToAll(t *testing.T) {
	a := &recorder{err: errors.New("a down")}
	b := &recorder{}
	m := Multi{a, nil, b}

	err := m.Notify(context.Background(), Notification{Title: "Lumi connected"})
	if err == nil || !strings.Contains(err.Error(), "a down") {
		t.Errorf("Notify() error = %v, want joined error containing %q", err, "a down")
	}
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Errorf("deliveries = %d/%d, want 1/1", len(a.got), len(b.got))
	}
}

func TestAsyncReturnsImmediately(t *testing.T) {
	r := &recorder{err: errors.New("boom"), done: make(chan struct{}, 1)}
	a := NewAsync(r, time.Second)

	if err := a.Notify(context.Background(), Notification{Title: "Time to hydrate"}); err != nil {
		t.Fatalf("Notify() error = %v, want nil", err)
	}
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("async notification was never delivered")
	}
}

func TestSendSwallowsErrors(t *testing.T) {
	Send(context.Background(), nil, Notification{Title: "x"})
	Send(context.Background(), &recorder{err: errors.New("down")}, Notification{Title: "x"})
}

type mockBus struct {
	calls []*mockCall
	id    uint32
	err   error
}

type mockCall struct {
	method string
	args   []interface{}
}

func (b *mockBus) CallWithContext(_ context.Context, method string, _ dbus.Flags, args ...interface{}) *dbus.Call {
	b.calls = append(b.calls, &mockCall{method: method, args: args})
	if b.err != nil {
		return &dbus.Call{Err: b.err}
	}
	b.id++
	return &dbus.Call{Body: []interface{}{b.id}}
}

func TestDesktopReplacesByTag(t *testing.T) {
	bus := &mockBus{}
	d := &Desktop{appName: "lumid", obj: bus, ids: make(map[string]uint32)}

	ctx := context.Background()
	if err := d.Notify(ctx, Notification{Title: "Lumi connected", Tag: "bluetooth-connection"}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if err := d.Notify(ctx, Notification{Title: "Lumi disconnected", Tag: "bluetooth-connection"}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if err := d.Notify(ctx, Notification{Title: "Time to hydrate", Tag: "hydration-alert", Link: "/hydration"}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	if len(bus.calls) != 3 {
		t.Fatalf("bus calls = %d, want 3", len(bus.calls))
	}
	if bus.calls[0].method != "org.freedesktop.Notifications.Notify" {
		t.Errorf("method = %q", bus.calls[0].method)
	}
	if got := bus.calls[0].args[1].(uint32); got != 0 {
		t.Errorf("first replaces_id = %d, want 0", got)
	}
	if got := bus.calls[1].args[1].(uint32); got != 1 {
		t.Errorf("second replaces_id = %d, want 1 (same tag)", got)
	}
	if got := bus.calls[2].args[1].(uint32); got != 0 {
		t.Errorf("third replaces_id = %d, want 0 (new tag)", got)
	}
	hints := bus.calls[2].args[6].(map[string]dbus.Variant)
	if link, ok := hints["x-lumid-link"]; !ok || link.Value() != "/hydration" {
		t.Errorf("link hint = %v, want /hydration", hints["x-lumid-link"])
	}
}

func TestDesktopError(t *testing.T) {
	d := &Desktop{appName: "lumid", obj: &mockBus{err: errors.New("no server")}, ids: map[string]uint32{}}
	if err := d.Notify(context.Background(), Notification{Title: "x"}); err == nil {
		t.Error("Notify() error = nil, want error")
	}
}

type mockTelegram struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (m *mockTelegram) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.sent = append(m.sent, msg)
	}
	return tgbotapi.Message{}, m.err
}

func TestTelegramFormatsMessage(t *testing.T) {
	bot := &mockTelegram{}
	tg := &Telegram{bot: bot, chatID: 42, baseURL: "https://lumi.example"}

	err := tg.Notify(context.Background(), Notification{
		Title: "Time to hydrate",
		Body:  "Your Lumi says you need water.",
		Tag:   "hydration-alert",
		Link:  "/hydration",
	})
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(bot.sent))
	}
	msg := bot.sent[0]
	if msg.ChatID != 42 {
		t.Errorf("ChatID = %d, want 42", msg.ChatID)
	}
	want := "Time to hydrate\nYour Lumi says you need water.\nhttps://lumi.example/hydration"
	if msg.Text != want {
		t.Errorf("Text = %q, want %q", msg.Text, want)
	}
}

func TestTelegramCancelledContext(t *testing.T) {
	bot := &mockTelegram{}
	tg := &Telegram{bot: bot, chatID: 1}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tg.Notify(ctx, Notification{Title: "x"}); err == nil {
		t.Error("Notify() with cancelled ctx error = nil, want error")
	}
	if len(bot.sent) != 0 {
		t.Errorf("sent = %d, want 0", len(bot.sent))
	}
}
