package sharing

// Share kinds reported to an Observer.
const (
	ShareKindRoot  = "root"
	ShareKindRelay = "relay"
)

// Denial reasons reported to an Observer.
const (
	DenialNoGrant       = "no_grant"
	DenialRelayDisabled = "relay_disabled"
	DenialDepthExceeded = "depth_exceeded"
	DenialExpired       = "expired"
)

// Observer receives engine outcomes. Creations, revocations and
// notifications are reported only after their atomic unit commits.
type Observer interface {
	ShareCreated(kind string)
	ShareDenied(reason string)
	EdgesRevoked(n int)
	NotificationEmitted(t NotificationType)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) ShareCreated(string) {}

func (NopObserver) ShareDenied(string) {}

func (NopObserver) EdgesRevoked(int) {}

func (NopObserver) NotificationEmitted(NotificationType) {}
