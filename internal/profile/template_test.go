package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replicanet/server/internal/replica"
	"replicanet/server/internal/replicator"
)

func TestBuildCreatesReplicaFromTemplate(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)
	r := replicator.New(replicator.DefaultConfig(), nil)
	require.NoError(t, Apply(p, r))

	rep, record, err := p.Build(r, "arena", "avatar")
	require.NoError(t, err)
	assert.True(t, rep.IsInvalid())
	assert.Equal(t, replica.ReplicaType("avatar"), rep.ReplicaType())
	require.Len(t, rep.Channels(), 3)

	motion := rep.Channel("motion")
	require.NotNil(t, motion)
	assert.Equal(t, []float64{0, 0}, record.Get("motion", "position"))

	record.Set("status", "label", "scout")
	label := rep.Channel("status").Property("label")
	require.NotNil(t, label)
	assert.Equal(t, "scout", label.Value())
	assert.Equal(t, replica.KindString, label.Kind())

	record.Set("status", "missing", "ignored")
	assert.Nil(t, record.Get("status", "missing"))
}

func TestBuildRejectsUnknownTemplate(t *testing.T) {
	p, err := Default()
	require.NoError(t, err)
	r := replicator.New(replicator.DefaultConfig(), nil)
	require.NoError(t, Apply(p, r))

	_, _, err = p.Build(r, "arena", "dragon")
	require.Error(t, err)
}

func TestValidateChecksTemplateReferences(t *testing.T) {
	doc := []byte(`
channelTypes:
  - name: state
propertyTypes:
  - name: value
replicaTypes:
  - name: broken
    channels:
      - name: status
        type: nope
        properties:
          - {name: a, type: value, kind: complex}
          - {name: v, type: missing, kind: vector}
  - name: empty
`)
	_, err := Parse(doc)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown channel type "nope"`)
	assert.Contains(t, msg, `unknown kind "complex"`)
	assert.Contains(t, msg, "vector size must be at least 1")
	assert.Contains(t, msg, `unknown property type "missing"`)
	assert.Contains(t, msg, "replicaTypes[1]: at least one channel is required")
}
