// Package profile loads replication profiles: YAML documents that declare
// the channel and property types a replicator registers at startup.
package profile

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"replicanet/server/internal/replica"
)

// ErrDuplicateType is returned by Apply when the registrar already knows a
// type of the same name.
var ErrDuplicateType = errors.New("profile: type already registered")

// Profile is the root document of a replication profile file.
type Profile struct {
	Name          string                   `yaml:"name" json:"name" jsonschema:"title=Profile name,description=Label used in logs"`
	ChannelTypes  []ChannelTypeDefinition  `yaml:"channelTypes" json:"channelTypes,omitempty" jsonschema:"description=Channel types registered with the replicator"`
	PropertyTypes []PropertyTypeDefinition `yaml:"propertyTypes" json:"propertyTypes,omitempty" jsonschema:"description=Property types registered with the replicator"`
	ReplicaTypes  []ReplicaTypeDefinition  `yaml:"replicaTypes" json:"replicaTypes,omitempty" jsonschema:"description=Templates for replicas built from incoming spawns"`
}

// ChannelTypeDefinition overrides the defaults of replica.ChannelTypeConfig.
// Omitted fields keep their default.
type ChannelTypeDefinition struct {
	Name          string   `yaml:"name" json:"name" jsonschema:"required,pattern=^[A-Za-z0-9_.-]+$"`
	Authority     string   `yaml:"authority,omitempty" json:"authority,omitempty" jsonschema:"enum=server,enum=client"`
	AuthorityMode string   `yaml:"authorityMode,omitempty" json:"authorityMode,omitempty" jsonschema:"enum=fixed,enum=dynamic"`
	Detection     string   `yaml:"detection,omitempty" json:"detection,omitempty" jsonschema:"enum=assume,enum=manual,enum=automatic,enum=manumatic"`
	Reliability   string   `yaml:"reliability,omitempty" json:"reliability,omitempty" jsonschema:"enum=reliable,enum=unreliable"`
	Transfer      string   `yaml:"transfer,omitempty" json:"transfer,omitempty" jsonschema:"enum=ordered,enum=immediate"`
	Serialization string   `yaml:"serialization,omitempty" json:"serialization,omitempty" jsonschema:"enum=all,enum=changed"`
	SerializeOn   []string `yaml:"serializeOn,omitempty" json:"serializeOn,omitempty" jsonschema:"description=Commands whose payload carries the channel data (spawn clone_emplace clone_spawn forget destroy change)"`

	DetectOutgoingChanges     *bool   `yaml:"detectOutgoingChanges,omitempty" json:"detectOutgoingChanges,omitempty"`
	AcceptIncomingChanges     *bool   `yaml:"acceptIncomingChanges,omitempty" json:"acceptIncomingChanges,omitempty"`
	NotifyOnOutgoingChange    *bool   `yaml:"notifyOnOutgoingChange,omitempty" json:"notifyOnOutgoingChange,omitempty"`
	NotifyOnIncomingChange    *bool   `yaml:"notifyOnIncomingChange,omitempty" json:"notifyOnIncomingChange,omitempty"`
	AllowRelay                *bool   `yaml:"allowRelay,omitempty" json:"allowRelay,omitempty"`
	AllowNapping              *bool   `yaml:"allowNapping,omitempty" json:"allowNapping,omitempty"`
	AwakeDuration             *uint64 `yaml:"awakeDuration,omitempty" json:"awakeDuration,omitempty" jsonschema:"description=Frames without change before an awake channel naps"`
	AwakeDetectionInterval    *int    `yaml:"awakeDetectionInterval,omitempty" json:"awakeDetectionInterval,omitempty" jsonschema:"minimum=1"`
	NapDetectionInterval      *int    `yaml:"napDetectionInterval,omitempty" json:"napDetectionInterval,omitempty" jsonschema:"minimum=1"`
	AccurateTimestampOnChange bool    `yaml:"accurateTimestampOnChange,omitempty" json:"accurateTimestampOnChange,omitempty"`
}

// PropertyTypeDefinition overrides the defaults of replica.PropertyTypeConfig.
type PropertyTypeDefinition struct {
	Name           string                   `yaml:"name" json:"name" jsonschema:"required,pattern=^[A-Za-z0-9_.-]+$"`
	DeltaThreshold *float64                 `yaml:"deltaThreshold,omitempty" json:"deltaThreshold,omitempty" jsonschema:"minimum=0"`
	Quantization   *QuantizationDefinition  `yaml:"quantization,omitempty" json:"quantization,omitempty"`
	Interpolation  *InterpolationDefinition `yaml:"interpolation,omitempty" json:"interpolation,omitempty"`
	Convergence    *ConvergenceDefinition   `yaml:"convergence,omitempty" json:"convergence,omitempty"`
}

// QuantizationDefinition enables quantized encoding. It requires a delta
// threshold, which becomes the step size.
type QuantizationDefinition struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

type InterpolationDefinition struct {
	SampleOffset       string `yaml:"sampleOffset,omitempty" json:"sampleOffset,omitempty" jsonschema:"description=Go duration such as 100ms"`
	ExtrapolationLimit string `yaml:"extrapolationLimit,omitempty" json:"extrapolationLimit,omitempty" jsonschema:"description=Go duration such as 1s"`
}

type ConvergenceDefinition struct {
	Weight          *float64 `yaml:"weight,omitempty" json:"weight,omitempty" jsonschema:"minimum=0,maximum=1"`
	RestingDuration string   `yaml:"restingDuration,omitempty" json:"restingDuration,omitempty"`
	Interval        *int     `yaml:"interval,omitempty" json:"interval,omitempty" jsonschema:"minimum=1"`
	SnapThreshold   *float64 `yaml:"snapThreshold,omitempty" json:"snapThreshold,omitempty"`
	Notify          bool     `yaml:"notify,omitempty" json:"notify,omitempty" jsonschema:"description=Report convergence state changes to the embedder"`
}

// Load reads and validates the profile at path.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a YAML profile. Unknown keys are rejected.
func Parse(data []byte) (*Profile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p Profile
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate reports every problem in the profile at once.
func (p *Profile) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, def := range p.ChannelTypes {
		if def.Name == "" {
			errs = append(errs, fmt.Errorf("channelTypes[%d]: name is required", i))
		} else if seen["c:"+def.Name] {
			errs = append(errs, fmt.Errorf("channelTypes[%d]: duplicate name %q", i, def.Name))
		}
		seen["c:"+def.Name] = true
		if _, err := def.Config(); err != nil {
			errs = append(errs, fmt.Errorf("channelTypes[%d]: %w", i, err))
		}
	}
	for i, def := range p.PropertyTypes {
		if def.Name == "" {
			errs = append(errs, fmt.Errorf("propertyTypes[%d]: name is required", i))
		} else if seen["p:"+def.Name] {
			errs = append(errs, fmt.Errorf("propertyTypes[%d]: duplicate name %q", i, def.Name))
		}
		seen["p:"+def.Name] = true
		if _, err := def.Config(); err != nil {
			errs = append(errs, fmt.Errorf("propertyTypes[%d]: %w", i, err))
		}
	}
	for i, def := range p.ReplicaTypes {
		if def.Name == "" {
			errs = append(errs, fmt.Errorf("replicaTypes[%d]: name is required", i))
		} else if seen["r:"+def.Name] {
			errs = append(errs, fmt.Errorf("replicaTypes[%d]: duplicate name %q", i, def.Name))
		}
		seen["r:"+def.Name] = true
		if err := p.validateTemplate(def); err != nil {
			errs = append(errs, fmt.Errorf("replicaTypes[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Registrar receives the types of a profile. *replicator.Replicator
// satisfies it.
type Registrar interface {
	AddChannelType(t *replica.ChannelType) *replica.ChannelType
	AddPropertyType(t *replica.PropertyType) *replica.PropertyType
}

// Apply registers every type of p with reg. It stops at the first type reg
// refuses.
func Apply(p *Profile, reg Registrar) error {
	for _, def := range p.ChannelTypes {
		cfg, err := def.Config()
		if err != nil {
			return fmt.Errorf("channel type %q: %w", def.Name, err)
		}
		if reg.AddChannelType(replica.NewChannelType(def.Name, cfg)) == nil {
			return fmt.Errorf("channel type %q: %w", def.Name, ErrDuplicateType)
		}
	}
	for _, def := range p.PropertyTypes {
		cfg, err := def.Config()
		if err != nil {
			return fmt.Errorf("property type %q: %w", def.Name, err)
		}
		if reg.AddPropertyType(replica.NewPropertyType(def.Name, cfg)) == nil {
			return fmt.Errorf("property type %q: %w", def.Name, ErrDuplicateType)
		}
	}
	return nil
}

func parseDuration(field, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return fmt.Errorf("%s: negative duration %s", field, raw)
	}
	*dst = d
	return nil
}

//go:embed default.yaml
var defaultProfile []byte

// Default returns the profile compiled into the binary.
func Default() (*Profile, error) {
	return Parse(defaultProfile)
}
