// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package sdm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/soothill/nest-device-exporter/pkg/errors"
)

var (
	deviceNamePattern = regexp.MustCompile(`^enterprises/.+/devices/(.+)$`)
	assigneePattern   = regexp.MustCompile(`^enterprises/.+/structures/(.+)/rooms/(.+)$`)
)

// Device is one entry of the device listing, as returned upstream.
type Device struct {
	Name            string           `json:"name"`
	Type            string           `json:"type"`
	Assignee        string           `json:"assignee"`
	Traits          Traits           `json:"traits"`
	ParentRelations []ParentRelation `json:"parentRelations"`
}

// ParentRelation links a device to the room or structure it belongs to.
type ParentRelation struct {
	Parent      string `json:"parent"`
	DisplayName string `json:"displayName"`
}

// Trait is one trait entry of a device: its type name and raw payload.
type Trait struct {
	Type    string
	Payload json.RawMessage
}

// Traits keeps a device's traits in the order the API listed them.
type Traits []Trait

// UnmarshalJSON decodes a trait object while preserving key order.
func (t *Traits) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*t = nil
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("traits: expected object, got %v", tok)
	}

	var out Traits
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("traits: expected key, got %v", keyTok)
		}
		var payload json.RawMessage
		if err := dec.Decode(&payload); err != nil {
			return fmt.Errorf("traits: decoding %s: %w", key, err)
		}
		out = append(out, Trait{Type: key, Payload: payload})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*t = out
	return nil
}

// ID parses the device id out of the resource name
// enterprises/{project}/devices/{id}.
func (d *Device) ID() (string, error) {
	m := deviceNamePattern.FindStringSubmatch(d.Name)
	if m == nil {
		return "", errors.NewShapeMismatchError("name", d.Name, deviceNamePattern.String())
	}
	return m[1], nil
}

// Location parses the structure and room ids out of the assignee
// enterprises/{project}/structures/{structure}/rooms/{room}.
func (d *Device) Location() (structure, room string, err error) {
	m := assigneePattern.FindStringSubmatch(d.Assignee)
	if m == nil {
		return "", "", errors.NewShapeMismatchError("assignee", d.Assignee, assigneePattern.String())
	}
	return m[1], m[2], nil
}

// ParentDisplayName returns the display name of the first parent relation,
// or an empty string when the device has none.
func (d *Device) ParentDisplayName() string {
	if len(d.ParentRelations) == 0 {
		return ""
	}
	return d.ParentRelations[0].DisplayName
}

// Placement is a device's parsed identity and location.
type Placement struct {
	DeviceID    string
	StructureID string
	RoomID      string
	Parent      string
}

// Place parses both resource paths of d. Any mismatch is returned as a
// *errors.ShapeMismatchError.
func (d *Device) Place() (Placement, error) {
	id, err := d.ID()
	if err != nil {
		return Placement{}, err
	}
	structure, room, err := d.Location()
	if err != nil {
		return Placement{}, err
	}
	return Placement{
		DeviceID:    id,
		StructureID: structure,
		RoomID:      room,
		Parent:      d.ParentDisplayName(),
	}, nil
}
