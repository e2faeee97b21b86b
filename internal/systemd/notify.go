// Package systemd reports service state to systemd through sd_notify.
package systemd

import (
	"fmt"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify state updates. Outside systemd every call is a
// no-op.
type Notifier struct {
	send func(unsetEnvironment bool, state string) (bool, error)
}

// NewNotifier returns a notifier backed by daemon.SdNotify.
func NewNotifier() *Notifier {
	return &Notifier{send: daemon.SdNotify}
}

// Ready tells systemd that startup finished.
func (n *Notifier) Ready() error {
	return n.notify(daemon.SdNotifyReady)
}

// Stopping tells systemd that shutdown began.
func (n *Notifier) Stopping() error {
	return n.notify(daemon.SdNotifyStopping)
}

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(format string, args ...any) error {
	return n.notify("STATUS=" + fmt.Sprintf(format, args...))
}

func (n *Notifier) notify(state string) error {
	if _, err := n.send(false, state); err != nil {
		return fmt.Errorf("sd_notify %s: %w", state, err)
	}
	return nil
}
