package fabric

// SenderRole classifies what kind of peer a connection represents.
type SenderRole int

const (
	// RoleDevice is an end device (sensor, actuator, appliance).
	RoleDevice SenderRole = iota

	// RoleBackchannel is another relay node rather than an end device.
	RoleBackchannel

	// RoleCloudRoute is an outbound connection this node initiated to
	// an upstream relay/cloud endpoint.
	RoleCloudRoute

	// RoleBrowser is an interactive browser client.
	RoleBrowser

	// RoleService is a locally attached service process.
	RoleService

	// RoleOneWay is a receive-only peer that only accepts messages
	// matching its filter and coming from a trusted sender.
	RoleOneWay
)

func (r SenderRole) String() string {
	switch r {
	case RoleDevice:
		return "device"
	case RoleBackchannel:
		return "backchannel"
	case RoleCloudRoute:
		return "cloud-route"
	case RoleBrowser:
		return "browser"
	case RoleService:
		return "service"
	case RoleOneWay:
		return "one-way"
	default:
		return "unknown"
	}
}
