// Package commands describes the well-known device commands and validates
// their parameters before dispatch. Commands outside the catalog are passed
// through untouched.
package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrInvalidParams is wrapped by every validation failure.
var ErrInvalidParams = errors.New("invalid command parameters")

// Spec describes one catalog command.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Required    []string       `json:"required,omitempty"`
	Defaults    map[string]any `json:"defaults,omitempty"`
}

var catalog = map[string]Spec{
	"app_launch": {
		Name:        "app_launch",
		Description: "Launch an app",
		Required:    []string{"package_name"},
		Defaults:    map[string]any{"extras": map[string]any{}},
	},
	"app_stop": {
		Name:        "app_stop",
		Description: "Stop an app",
		Required:    []string{"package_name"},
	},
	"get_screenshot": {
		Name:        "get_screenshot",
		Description: "Capture the screen",
		Defaults:    map[string]any{"format": "png", "quality": 80},
	},
	"get_capabilities": {
		Name:        "get_capabilities",
		Description: "Report the device capability list",
	},
	"input_text": {
		Name:        "input_text",
		Description: "Type text into the focused field",
		Required:    []string{"text"},
	},
	"tap": {
		Name:        "tap",
		Description: "Tap at screen coordinates",
		Required:    []string{"x", "y"},
	},
	"swipe": {
		Name:        "swipe",
		Description: "Swipe between two points",
		Required:    []string{"start_x", "start_y", "end_x", "end_y"},
		Defaults:    map[string]any{"duration": 300},
	},
	"back":   {Name: "back", Description: "Press back"},
	"home":   {Name: "home", Description: "Press home"},
	"recent": {Name: "recent", Description: "Show recent apps"},
	"volume": {
		Name:        "volume",
		Description: "Set stream volume",
		Required:    []string{"level"},
		Defaults:    map[string]any{"stream": "music"},
	},
	"brightness": {
		Name:        "brightness",
		Description: "Set screen brightness",
		Required:    []string{"level"},
		Defaults:    map[string]any{"auto": false},
	},
	"notification": {
		Name:        "notification",
		Description: "Post a notification",
		Required:    []string{"title", "message"},
		Defaults:    map[string]any{"priority": "normal", "actions": []any{}},
	},
}

// Lookup returns the catalog entry for name.
func Lookup(name string) (Spec, bool) {
	s, ok := catalog[name]
	return s, ok
}

// All returns the catalog sorted by name.
func All() []Spec {
	out := make([]Spec, 0, len(catalog))
	for _, s := range catalog {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Spec) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Prepare validates params for command and fills catalog defaults. Unknown
// commands are returned as-is. Params must be a JSON object or empty.
func Prepare(command string, params json.RawMessage) (json.RawMessage, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("%w: command is required", ErrInvalidParams)
	}
	spec, ok := catalog[command]
	if !ok {
		return params, nil
	}

	fields := map[string]any{}
	if trimmed := bytes.TrimSpace(params); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return nil, fmt.Errorf("%w: %s params must be an object: %v", ErrInvalidParams, command, err)
		}
	}

	var missing []string
	for _, name := range spec.Required {
		if v, ok := fields[name]; !ok || v == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s requires %s", ErrInvalidParams, command, strings.Join(missing, ", "))
	}

	if len(spec.Defaults) == 0 && len(params) > 0 {
		return params, nil
	}
	for k, v := range spec.Defaults {
		if _, ok := fields[k]; !ok {
			fields[k] = v
		}
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", command, err)
	}
	return out, nil
}
