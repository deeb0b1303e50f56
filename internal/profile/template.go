package profile

import (
	"errors"
	"fmt"
	"slices"

	"replicanet/server/internal/replica"
)

// ReplicaTypeDefinition describes the channels of every replica of one
// replica type.
type ReplicaTypeDefinition struct {
	Name     string              `yaml:"name" json:"name" jsonschema:"required"`
	Channels []ChannelDefinition `yaml:"channels" json:"channels" jsonschema:"required,minItems=1"`
}

type ChannelDefinition struct {
	Name       string               `yaml:"name" json:"name" jsonschema:"required"`
	Type       string               `yaml:"type" json:"type" jsonschema:"required,description=Name of a channel type of this profile"`
	Properties []PropertyDefinition `yaml:"properties" json:"properties,omitempty"`
}

type PropertyDefinition struct {
	Name string `yaml:"name" json:"name" jsonschema:"required"`
	Type string `yaml:"type" json:"type" jsonschema:"required,description=Name of a property type of this profile"`
	Kind string `yaml:"kind" json:"kind" jsonschema:"required,enum=bool,enum=int,enum=float,enum=string,enum=vector"`
	// Size is the component count of vector properties.
	Size int `yaml:"size,omitempty" json:"size,omitempty" jsonschema:"minimum=1"`
}

func (d PropertyDefinition) zero() (any, error) {
	switch d.Kind {
	case "bool":
		return false, nil
	case "int":
		return int64(0), nil
	case "float":
		return 0.0, nil
	case "string":
		return "", nil
	case "vector":
		if d.Size < 1 {
			return nil, fmt.Errorf("property %q: vector size must be at least 1", d.Name)
		}
		return make([]float64, d.Size), nil
	default:
		return nil, fmt.Errorf("property %q: unknown kind %q", d.Name, d.Kind)
	}
}

func (p *Profile) validateTemplate(def ReplicaTypeDefinition) error {
	if len(def.Channels) == 0 {
		return errors.New("at least one channel is required")
	}
	var errs []error
	channels := make(map[string]bool)
	for _, ch := range def.Channels {
		if ch.Name == "" || channels[ch.Name] {
			errs = append(errs, fmt.Errorf("channel %q: missing or duplicate name", ch.Name))
		}
		channels[ch.Name] = true
		if !slices.ContainsFunc(p.ChannelTypes, func(t ChannelTypeDefinition) bool { return t.Name == ch.Type }) {
			errs = append(errs, fmt.Errorf("channel %q: unknown channel type %q", ch.Name, ch.Type))
		}
		properties := make(map[string]bool)
		for _, prop := range ch.Properties {
			if prop.Name == "" || properties[prop.Name] {
				errs = append(errs, fmt.Errorf("channel %q: missing or duplicate property name %q", ch.Name, prop.Name))
			}
			properties[prop.Name] = true
			if _, err := prop.zero(); err != nil {
				errs = append(errs, fmt.Errorf("channel %q: %w", ch.Name, err))
			}
			if !slices.ContainsFunc(p.PropertyTypes, func(t PropertyTypeDefinition) bool { return t.Name == prop.Type }) {
				errs = append(errs, fmt.Errorf("channel %q: property %q: unknown property type %q", ch.Name, prop.Name, prop.Type))
			}
		}
	}
	return errors.Join(errs...)
}

// TypeLookup resolves registered types by name. *replicator.Replicator
// satisfies it.
type TypeLookup interface {
	ChannelType(name string) *replica.ChannelType
	PropertyType(name string) *replica.PropertyType
}

// Record stores the property values of a replica built from a template.
// Values are keyed by channel and property name.
type Record struct {
	values map[string]map[string]any
}

func newRecord() *Record {
	return &Record{values: make(map[string]map[string]any)}
}

// Get returns the value of a property, or nil when it does not exist.
func (r *Record) Get(channel, property string) any {
	return r.values[channel][property]
}

// Set stores v. The kind of v must match the property's kind.
func (r *Record) Set(channel, property string, v any) {
	if props, ok := r.values[channel]; ok {
		if _, ok := props[property]; ok {
			props[property] = v
		}
	}
}

func (r *Record) accessor(channel, property string) replica.Accessor {
	return replica.Func(
		func() any { return r.values[channel][property] },
		func(v any) { r.values[channel][property] = v },
	)
}

// Build creates an invalid replica of the named template with zero values.
func (p *Profile) Build(types TypeLookup, createContext replica.CreateContext, replicaType replica.ReplicaType) (*replica.Replica, *Record, error) {
	idx := slices.IndexFunc(p.ReplicaTypes, func(d ReplicaTypeDefinition) bool { return d.Name == string(replicaType) })
	if idx < 0 {
		return nil, nil, fmt.Errorf("profile: unknown replica type %q", replicaType)
	}
	def := p.ReplicaTypes[idx]

	record := newRecord()
	channels := make([]*replica.Channel, 0, len(def.Channels))
	for _, chDef := range def.Channels {
		chType := types.ChannelType(chDef.Type)
		if chType == nil {
			return nil, nil, fmt.Errorf("profile: channel type %q is not registered", chDef.Type)
		}
		record.values[chDef.Name] = make(map[string]any, len(chDef.Properties))
		props := make([]*replica.Property, 0, len(chDef.Properties))
		for _, propDef := range chDef.Properties {
			propType := types.PropertyType(propDef.Type)
			if propType == nil {
				return nil, nil, fmt.Errorf("profile: property type %q is not registered", propDef.Type)
			}
			zero, err := propDef.zero()
			if err != nil {
				return nil, nil, err
			}
			record.values[chDef.Name][propDef.Name] = zero
			prop, err := replica.NewProperty(propDef.Name, propType, record.accessor(chDef.Name, propDef.Name))
			if err != nil {
				return nil, nil, err
			}
			props = append(props, prop)
		}
		ch, err := replica.NewChannel(chDef.Name, chType, props...)
		if err != nil {
			return nil, nil, err
		}
		channels = append(channels, ch)
	}

	r, err := replica.New(createContext, replicaType, replica.DefaultOptions(), channels...)
	if err != nil {
		return nil, nil, err
	}
	return r, record, nil
}
