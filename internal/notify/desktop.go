package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	notificationsBus   = "org.freedesktop.Notifications"
	notificationsPath  = dbus.ObjectPath("/org/freedesktop/Notifications")
	notificationsIface = "org.freedesktop.Notifications"
)

// busCaller is the subset of dbus.BusObject used by Desktop.
type busCaller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Desktop posts notifications through the freedesktop notification service
// on the session bus. Notifications sharing a tag replace each other.
type Desktop struct {
	appName string
	conn    *dbus.Conn
	obj     busCaller

	mu  sync.Mutex
	ids map[string]uint32 // tag -> last notification id
}

// NewDesktop connects to the session bus.
func NewDesktop(appName string) (*Desktop, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("notify: connect to session bus: %w", err)
	}
	return &Desktop{
		appName: appName,
		conn:    conn,
		obj:     conn.Object(notificationsBus, notificationsPath),
		ids:     make(map[string]uint32),
	}, nil
}

func (d *Desktop) Notify(ctx context.Context, n Notification) error {
	d.mu.Lock()
	replaces := d.ids[n.Tag]
	d.mu.Unlock()

	hints := map[string]dbus.Variant{}
	if n.Tag != "" {
		hints["x-lumid-tag"] = dbus.MakeVariant(n.Tag)
	}
	if n.Link != "" {
		hints["x-lumid-link"] = dbus.MakeVariant(n.Link)
	}

	call := d.obj.CallWithContext(ctx, notificationsIface+".Notify", 0,
		d.appName,  // app_name
		replaces,   // replaces_id
		"",         // app_icon
		n.Title,    // summary
		n.Body,     // body
		[]string{}, // actions
		hints,      // hints
		int32(-1),  // expire_timeout: server default
	)
	if call.Err != nil {
		return fmt.Errorf("notify: desktop notify: %w", call.Err)
	}
	var id uint32
	if err := call.Store(&id); err != nil {
		return fmt.Errorf("notify: desktop notify reply: %w", err)
	}
	if n.Tag != "" {
		d.mu.Lock()
		d.ids[n.Tag] = id
		d.mu.Unlock()
	}
	return nil
}

// Close releases the bus connection.
func (d *Desktop) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

// Compile-time check that Desktop implements Notifier.
var _ Notifier = (*Desktop)(nil)
