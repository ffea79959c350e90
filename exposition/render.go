// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package exposition turns a device listing into Prometheus text
// exposition for one structure.
package exposition

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/soothill/nest-device-exporter/pkg/logger"
	"github.com/soothill/nest-device-exporter/pkg/metrics"
	"github.com/soothill/nest-device-exporter/sdm"
	"github.com/soothill/nest-device-exporter/traits"
)

// Base label names attached to every device sample.
const (
	LabelDevice = "device"
	LabelRoom   = "room"
	LabelParent = "parent"
)

// ContentType is the media type of the rendered text.
const ContentType = "text/plain; version=0.0.4; charset=utf-8"

// Sample is one line of output.
type Sample struct {
	Name   string
	Value  float64
	Labels traits.Labels
}

// Renderer combines a definition table and a trait translator.
type Renderer struct {
	definitions map[string]Definition
	translate   func(traitType string, payload json.RawMessage) ([]*traits.Entry, error)
	log         zerolog.Logger
}

// RendererOption configures a Renderer.
type RendererOption func(*Renderer)

// WithDefinitions replaces the metric metadata table.
func WithDefinitions(defs map[string]Definition) RendererOption {
	return func(r *Renderer) { r.definitions = defs }
}

// WithTranslator replaces the trait translation function.
func WithTranslator(fn func(string, json.RawMessage) ([]*traits.Entry, error)) RendererOption {
	return func(r *Renderer) { r.translate = fn }
}

// NewRenderer creates a renderer using the package definitions and the
// trait registry unless overridden.
func NewRenderer(opts ...RendererOption) *Renderer {
	r := &Renderer{
		definitions: Definitions,
		translate:   traits.Translate,
		log:         logger.Component("exposition"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render renders devices with the default renderer.
func Render(devices []sdm.Device, structureID string) (string, error) {
	return NewRenderer().Render(devices, structureID)
}

// Samples returns the samples of every device placed in structureID, in
// device order and then trait order. Every device's resource paths are
// parsed, so one malformed device fails the whole call with a
// *errors.ShapeMismatchError.
func (r *Renderer) Samples(devices []sdm.Device, structureID string) ([]Sample, error) {
	var samples []Sample
	for i := range devices {
		d := &devices[i]
		place, err := d.Place()
		if err != nil {
			return nil, err
		}
		if place.StructureID != structureID {
			continue
		}

		base := traits.Labels{
			{Name: LabelDevice, Value: place.DeviceID},
			{Name: LabelRoom, Value: place.RoomID},
			{Name: LabelParent, Value: place.Parent},
		}
		for _, tr := range d.Traits {
			entries, err := r.translate(tr.Type, tr.Payload)
			if err != nil {
				metrics.TraitDecodeErrors.WithLabelValues(tr.Type).Inc()
				r.log.Warn().Err(err).Str("device", place.DeviceID).Str("trait", tr.Type).
					Msg("Skipping undecodable trait")
				continue
			}
			for _, e := range entries {
				if e == nil {
					continue
				}
				samples = append(samples, Sample{
					Name:   e.Name,
					Value:  e.Value,
					Labels: base.Merge(e.Labels),
				})
			}
		}
	}
	return samples, nil
}

// Render returns the text exposition for structureID. Samples are grouped
// by metric name in first-seen order; groups are separated by a blank line
// and the result carries no trailing newline.
func (r *Renderer) Render(devices []sdm.Device, structureID string) (string, error) {
	samples, err := r.Samples(devices, structureID)
	if err != nil {
		return "", err
	}

	var order []string
	groups := make(map[string][]Sample)
	for _, s := range samples {
		if _, seen := groups[s.Name]; !seen {
			order = append(order, s.Name)
		}
		groups[s.Name] = append(groups[s.Name], s)
	}

	blocks := make([]string, 0, len(order))
	for _, name := range order {
		blocks = append(blocks, r.block(name, groups[name]))
	}

	metrics.SamplesRendered.Set(float64(len(samples)))
	return strings.TrimRight(strings.Join(blocks, "\n"), " \t\r\n"), nil
}

func (r *Renderer) block(name string, samples []Sample) string {
	var b strings.Builder
	if def, ok := r.definitions[name]; ok {
		if def.Help != "" {
			b.WriteString("# HELP " + name + " " + escapeHelp(def.Help) + "\n")
		}
		if def.Type != "" {
			b.WriteString("# TYPE " + name + " " + string(def.Type) + "\n")
		}
	}
	for _, s := range samples {
		b.WriteString(name)
		if len(s.Labels) > 0 {
			b.WriteByte('{')
			for i, lb := range s.Labels {
				if i > 0 {
					b.WriteByte(',')
				}
				b.WriteString(lb.Name + `="` + escapeLabelValue(lb.Value) + `"`)
			}
			b.WriteByte('}')
		}
		b.WriteByte(' ')
		b.WriteString(FormatValue(s.Value))
		b.WriteByte('\n')
	}
	return b.String()
}

var (
	labelValueEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, `"`, `\"`)
	helpEscaper       = strings.NewReplacer(`\`, `\\`, "\n", `\n`)
)

func escapeLabelValue(v string) string { return labelValueEscaper.Replace(v) }

func escapeHelp(v string) string { return helpEscaper.Replace(v) }

// FormatValue formats a sample value the way client_golang does.
func FormatValue(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case math.IsNaN(v):
		return "NaN"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
