package runner

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

const (
	stateReady    = daemon.SdNotifyReady
	stateStopping = daemon.SdNotifyStopping
	stateWatchdog = daemon.SdNotifyWatchdog
)

// sdNotify is a no-op when NOTIFY_SOCKET is unset.
func sdNotify(state string) {
	_, _ = daemon.SdNotify(false, state)
}

func watchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0
	}
	return d
}
