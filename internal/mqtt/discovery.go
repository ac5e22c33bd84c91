//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"device-bridge/internal/session"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/bridge_tablet-1/battery/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	Device            haDevice `json:"device"`
}

// discoveryButtons are the parameterless commands exposed as HA buttons.
var discoveryButtons = []struct{ command, suffix string }{
	{"home", "Home"},
	{"back", "Back"},
	{"recent", "Recent Apps"},
}

// removableComponents lists every entity buildDiscovery can create.
var removableComponents = []struct{ comp, obj string }{
	{"binary_sensor", "connectivity"},
	{"sensor", "battery"},
	{"sensor", "total_commands"},
	{"sensor", "failed_commands"},
	{"sensor", "response_time"},
	{"button", "home"},
	{"button", "back"},
	{"button", "recent"},
}

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(snap session.Snapshot) string {
	if info := snap.DeviceInfo; info != nil {
		if info.Manufacturer != "" && info.Model != "" {
			return info.Manufacturer + " " + info.Model
		}
		if info.Model != "" {
			return info.Model
		}
	}
	return snap.Token
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(token string) string {
	return "bridge_" + topicSegment(token)
}

// buildDiscovery generates HA discovery messages for a device session.
func buildDiscovery(snap session.Snapshot, prefix string) []discoveryMsg {
	avail := bridgeStateTopic(prefix)
	stateTopic := deviceTopic(prefix, snap.Token, "state")
	nodeID := deviceIdentifier(snap.Token)
	displayName := deviceDisplayName(snap)

	haDev := haDevice{
		Identifiers: []string{nodeID},
		Name:        displayName,
	}
	if info := snap.DeviceInfo; info != nil {
		haDev.Manufacturer = info.Manufacturer
		haDev.Model = info.Model
		haDev.SWVersion = info.OSVersion
	}

	msgs := []discoveryMsg{
		buildBinarySensor(nodeID, displayName, stateTopic, avail, haDev,
			"connectivity", "Connected", "connectivity",
			"{{ 'ON' if value_json.status == 'connected' else 'OFF' }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"battery", "Battery", "battery", "%", "measurement",
			"{{ value_json.state.batteryLevel }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"total_commands", "Commands", "", "", "total_increasing",
			"{{ value_json.metrics.totalCommands }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"failed_commands", "Failed Commands", "", "", "total_increasing",
			"{{ value_json.metrics.failedCommands }}"),
		buildSensor(nodeID, displayName, stateTopic, avail, haDev,
			"response_time", "Response Time", "duration", "ms", "measurement",
			"{{ value_json.metrics.lastResponseTimeMs }}"),
	}

	cmdTopic := deviceTopic(prefix, snap.Token, "command")
	for _, btn := range discoveryButtons {
		msgs = append(msgs, buildButton(nodeID, displayName, cmdTopic, avail, haDev, btn.command, btn.suffix))
	}
	return msgs
}

func buildSensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, unit, stateClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        stateClass,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildBinarySensor(nodeID, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildButton(nodeID, displayName, cmdTopic, avail string, haDev haDevice, command, suffix string) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/button/%s/%s/config", nodeID, command)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + command,
		CommandTopic:      cmdTopic,
		AvailabilityTopic: avail,
		PayloadPress:      string(mustJSON(commandRequest{Command: command, RequestID: "ha_" + command})),
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(token string) []discoveryMsg {
	nodeID := deviceIdentifier(token)
	msgs := make([]discoveryMsg, 0, len(removableComponents))
	for _, c := range removableComponents {
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, nodeID, c.obj),
		})
	}
	return msgs
}

// topicSegment makes token safe as a single MQTT topic level.
func topicSegment(token string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#':
			return '_'
		}
		return r
	}, token)
}
