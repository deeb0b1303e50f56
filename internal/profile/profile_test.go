package profile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replicanet/server/internal/replica"
	"replicanet/server/internal/replicator"
)

func TestDefaultProfileParses(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)
	assert.Equal(t, "default", p.Name)
	assert.Len(t, p.ChannelTypes, 3)
	assert.Len(t, p.PropertyTypes, 3)
}

func TestChannelTypeDefinitionOverridesDefaults(t *testing.T) {
	relay := false
	interval := 4
	def := ChannelTypeDefinition{
		Name:                      "input",
		Authority:                 "client",
		Detection:                 "manual",
		Reliability:               "unreliable",
		SerializeOn:               []string{"spawn", "change"},
		AllowRelay:                &relay,
		NapDetectionInterval:      &interval,
		AccurateTimestampOnChange: true,
	}
	cfg, err := def.Config()
	require.NoError(t, err)

	defaults := replica.DefaultChannelTypeConfig()
	assert.Equal(t, replica.AuthorityClient, cfg.AuthorityDefault)
	assert.Equal(t, replica.DetectManual, cfg.DetectionMode)
	assert.Equal(t, replica.Unreliable, cfg.ReliabilityMode)
	assert.Equal(t, replica.OnSpawn|replica.OnChange, cfg.SerializationFlags)
	assert.False(t, cfg.AllowRelay)
	assert.Equal(t, 4, cfg.NapDetectionInterval)
	assert.True(t, cfg.AccurateTimestampOnChange)
	assert.Equal(t, defaults.AwakeDuration, cfg.AwakeDuration)
	assert.Equal(t, defaults.TransferMode, cfg.TransferMode)
}

func TestPropertyTypeDefinitionResolvesDurations(t *testing.T) {
	threshold := 0.5
	weight := 0.3
	def := PropertyTypeDefinition{
		Name:           "position",
		DeltaThreshold: &threshold,
		Quantization:   &QuantizationDefinition{Min: -10, Max: 10},
		Interpolation:  &InterpolationDefinition{SampleOffset: "80ms"},
		Convergence:    &ConvergenceDefinition{Weight: &weight, RestingDuration: "20ms", Notify: true},
	}
	cfg, err := def.Config()
	require.NoError(t, err)

	assert.True(t, cfg.UseDeltaThreshold)
	assert.True(t, cfg.UseQuantization)
	assert.Equal(t, -10.0, cfg.QuantizationRangeMin)
	assert.True(t, cfg.UseInterpolation)
	assert.Equal(t, 80*time.Millisecond, cfg.SampleTimeOffset)
	assert.Equal(t, replica.DefaultPropertyTypeConfig().ExtrapolationLimit, cfg.ExtrapolationLimit)
	assert.True(t, cfg.UseConvergence)
	assert.True(t, cfg.NotifyOnConvergenceStateChange)
	assert.Equal(t, 0.3, cfg.ActiveConvergenceWeight)
	assert.Equal(t, 20*time.Millisecond, cfg.RestingConvergenceDuration)
}

func TestParseReportsEveryProblem(t *testing.T) {
	doc := []byte(`
channelTypes:
  - name: a
    detection: sometimes
  - name: a
propertyTypes:
  - name: p
    quantization: {min: 1, max: 0}
  - name: ""
`)
	_, err := Parse(doc)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `detection: unknown value "sometimes"`)
	assert.Contains(t, msg, `duplicate name "a"`)
	assert.Contains(t, msg, "quantization: requires a positive deltaThreshold")
	assert.Contains(t, msg, "must exceed min")
	assert.Contains(t, msg, "propertyTypes[1]: name is required")
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("channelTypes:\n  - name: a\n    reliabilty: reliable\n"))
	require.Error(t, err)
}

func TestLoadAndApplyRegistersTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	doc := "name: arena\nchannelTypes:\n  - name: motion\n    reliability: unreliable\npropertyTypes:\n  - name: x\n    deltaThreshold: 0.1\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	p, err := Load(path)
	require.NoError(t, err)

	r := replicator.New(replicator.DefaultConfig(), nil)
	require.NoError(t, Apply(p, r))

	motion := r.ChannelType("motion")
	require.NotNil(t, motion)
	assert.Equal(t, replica.Unreliable, motion.Config().ReliabilityMode)
	require.NotNil(t, r.PropertyType("x"))
	assert.Equal(t, 0.1, r.PropertyType("x").Config().DeltaThreshold)

	err = Apply(p, r)
	require.ErrorIs(t, err, ErrDuplicateType)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSchemaDescribesProfile(t *testing.T) {
	data, err := json.Marshal(Schema())
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "Replication Profile", doc["title"])
	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok, "schema properties: %s", data)
	assert.Contains(t, props, "channelTypes")
	assert.Contains(t, props, "propertyTypes")
}
