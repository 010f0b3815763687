//go:build !linux

package threadengine

func newEventFDNotifier() (Notifier, error) {
	return nil, ErrBackendUnsupported
}
