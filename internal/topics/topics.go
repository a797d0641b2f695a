// Package topics maps between the vendor cloud topic namespace and the
// local fossibot/... namespace. All functions are pure; MAC addresses are
// validated as 12 hex characters and normalized to uppercase.
package topics

import (
	"fmt"
	"strings"

	"fossibot-bridge/internal/errors"
)

// LocalPrefix roots the local namespace
const LocalPrefix = "fossibot"

// Route classifies an inbound cloud response topic
type Route int

const (
	// RouteImmediate is .../device/response/client/04: authoritative live
	// telemetry, sent right after a switch write or a read-all request.
	RouteImmediate Route = iota
	// RoutePolling is .../device/response/client/data: the ~30 s periodic
	// FC03 push, authoritative for settings only.
	RoutePolling
	// RouteState is .../device/response/state: device heartbeats with no
	// register payload.
	RouteState
	// RouteOther covers unknown response subtopics.
	RouteOther
)

// String returns the string representation of the route
func (r Route) String() string {
	switch r {
	case RouteImmediate:
		return "immediate"
	case RoutePolling:
		return "polling"
	case RouteState:
		return "state"
	default:
		return "other"
	}
}

// NormalizeMAC strips separators and uppercases a device MAC.
// Returns an error unless exactly 12 hex characters remain.
func NormalizeMAC(mac string) (string, error) {
	cleaned := strings.ToUpper(strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(mac)))
	if len(cleaned) != 12 {
		return "", errors.Input("normalize mac", "%q is not a 12 hex character MAC", mac)
	}
	for _, c := range cleaned {
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return "", errors.Input("normalize mac", "%q is not a 12 hex character MAC", mac)
		}
	}
	return cleaned, nil
}

// BridgeStatusTopic is the retained bridge availability topic
// Pattern: fossibot/bridge/status
func BridgeStatusTopic() string {
	return LocalPrefix + "/bridge/status"
}

// DeviceStateTopic builds the local state topic for a device
// Pattern: fossibot/{MAC}/state
func DeviceStateTopic(mac string) string {
	return fmt.Sprintf("%s/%s/state", LocalPrefix, mac)
}

// DeviceCommandTopic builds the local command topic for a device
// Pattern: fossibot/{MAC}/command
func DeviceCommandTopic(mac string) string {
	return fmt.Sprintf("%s/%s/command", LocalPrefix, mac)
}

// CommandSubscriptionFilter matches every device command topic
// Pattern: fossibot/+/command
func CommandSubscriptionFilter() string {
	return LocalPrefix + "/+/command"
}

// CloudRequestTopic builds the cloud topic commands are published to
// Pattern: {MAC}/client/request/data
func CloudRequestTopic(mac string) string {
	return fmt.Sprintf("%s/client/request/data", mac)
}

// CloudResponseFilters returns the subscription filters covering a
// device's response topics. The single-level filter covers /state; the
// client/+ filter pins down the two-level client/04 and client/data tails.
func CloudResponseFilters(mac string) []string {
	return []string{
		fmt.Sprintf("%s/device/response/+", mac),
		fmt.Sprintf("%s/device/response/client/+", mac),
	}
}

// ParseCommandTopic extracts the MAC from a local command topic
// Pattern: fossibot/{MAC}/command
func ParseCommandTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != LocalPrefix || parts[2] != "command" {
		return "", errors.Input("parse command topic", "%q is not a device command topic", topic)
	}
	mac, err := NormalizeMAC(parts[1])
	if err != nil {
		return "", errors.Input("parse command topic", "%q carries an invalid MAC", topic)
	}
	return mac, nil
}

// ParseCloudResponseTopic extracts the MAC and route from a cloud response
// topic
// Pattern: {MAC}/device/response/{tail}
func ParseCloudResponseTopic(topic string) (string, Route, error) {
	parts := strings.SplitN(topic, "/", 4)
	if len(parts) < 4 || parts[1] != "device" || parts[2] != "response" {
		return "", RouteOther, errors.Input("parse response topic", "%q is not a device response topic", topic)
	}
	mac, err := NormalizeMAC(parts[0])
	if err != nil {
		return "", RouteOther, errors.Input("parse response topic", "%q carries an invalid MAC", topic)
	}

	switch parts[3] {
	case "client/04":
		return mac, RouteImmediate, nil
	case "client/data":
		return mac, RoutePolling, nil
	case "state":
		return mac, RouteState, nil
	default:
		return mac, RouteOther, nil
	}
}
