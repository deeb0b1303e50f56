package replicator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replicanet/server/internal/peer"
	"replicanet/server/internal/replica"
)

func TestRouteMatches(t *testing.T) {
	cases := []struct {
		name  string
		route Route
		want  map[replica.ReplicatorID]bool
	}{
		{"all", RouteAll, map[replica.ReplicatorID]bool{0: true, 1: true, 7: true}},
		{"none", RouteNone, map[replica.ReplicatorID]bool{0: false, 1: false}},
		{"include", Include(1, 3), map[replica.ReplicatorID]bool{1: true, 2: false, 3: true}},
		{"exclude", Exclude(2), map[replica.ReplicatorID]bool{1: true, 2: false, 3: true}},
		{"empty include", Include(), map[replica.ReplicatorID]bool{1: false}},
		{"empty exclude", Exclude(), map[replica.ReplicatorID]bool{1: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for id, want := range tc.want {
				assert.Equal(t, want, tc.route.Matches(id), "replicator %d", id)
			}
		})
	}
	assert.True(t, Include().IsNone())
	assert.False(t, Exclude().IsNone())
	assert.Equal(t, "include(1,3)", Include(3, 1).String())
	assert.Equal(t, "exclude(2)", Exclude(2).String())
	assert.Equal(t, "all", RouteAll.String())
}

func TestStatusAccumulatesFailures(t *testing.T) {
	var empty Status
	assert.True(t, empty.Succeeded(), "a route without links succeeds")
	assert.NoError(t, empty.Err())

	boom := errors.New("boom")
	var st Status
	st.record(1, boom)
	assert.False(t, st.Succeeded())
	st.record(2, nil)
	assert.True(t, st.Succeeded())
	assert.Equal(t, 2, st.Targeted())
	assert.Equal(t, 1, st.Delivered())
	assert.Equal(t, 1, st.Failed())
	require.ErrorIs(t, st.Err(), boom)
	assert.Contains(t, st.Err().Error(), "link 1")
}

func TestTxnRollsBackInReverse(t *testing.T) {
	var order []int
	tx := &txn{}
	for i := range 3 {
		tx.onRollback(func() { order = append(order, i) })
	}
	tx.rollback()
	assert.Equal(t, []int{2, 1, 0}, order)

	tx.onRollback(func() { order = append(order, 9) })
	tx.commit()
	tx.rollback()
	assert.Equal(t, []int{2, 1, 0}, order)
}

func TestGroupByInitialization(t *testing.T) {
	mk := func(ts int64) *replica.Replica {
		r, err := replica.New("ctx", "type", replica.DefaultOptions())
		require.NoError(t, err)
		r.SetInitializationTime(peer.Timestamp(ts))
		return r
	}
	a, b, c := mk(10), mk(10), mk(20)
	groups := groupByInitialization([]*replica.Replica{a, b, c})
	require.Len(t, groups, 2)
	assert.Equal(t, []*replica.Replica{a, b}, groups[0])
	assert.Equal(t, []*replica.Replica{c}, groups[1])
}
