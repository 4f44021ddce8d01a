package signal

import (
	"testing"

	"teamcast/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func testKey(event, team string) domain.MatchKey {
	return domain.MatchKey{EventID: event, TeamID: team}
}

func testConn(id string) *Conn {
	return &Conn{id: id, role: domain.RoleUnknown, alive: true}
}

func TestRegistry_RegisterHostEvictsPrevious(t *testing.T) {
	r := NewRegistry()
	key := testKey("e1", "t1")

	a := testConn("a")
	a.classify(domain.RoleHost, key)
	b := testConn("b")
	b.classify(domain.RoleHost, key)

	assert.Nil(t, r.RegisterHost(key, a))
	prev := r.RegisterHost(key, b)
	assert.Same(t, a, prev)
	assert.Same(t, b, r.Host(key))
}

func TestRegistry_ReRegisterSameHostIsNotEviction(t *testing.T) {
	r := NewRegistry()
	key := testKey("e1", "t1")

	a := testConn("a")
	a.classify(domain.RoleHost, key)

	assert.Nil(t, r.RegisterHost(key, a))
	assert.Nil(t, r.RegisterHost(key, a))
	assert.Same(t, a, r.Host(key))
}

func TestRegistry_AtMostOneHostPerKey(t *testing.T) {
	r := NewRegistry()
	keyA := testKey("e1", "t1")
	keyB := testKey("e1", "t2")

	a := testConn("a")
	a.classify(domain.RoleHost, keyA)
	b := testConn("b")
	b.classify(domain.RoleHost, keyB)

	r.RegisterHost(keyA, a)
	r.RegisterHost(keyB, b)

	hosts, _ := r.Counts()
	assert.Equal(t, 2, hosts)
	assert.Same(t, a, r.Host(keyA))
	assert.Same(t, b, r.Host(keyB))
}

func TestRegistry_ViewerLastWriterWins(t *testing.T) {
	r := NewRegistry()
	key := testKey("e1", "t1")

	v1 := testConn("v1")
	v1.classify(domain.RoleViewer, key)
	v2 := testConn("v2")
	v2.classify(domain.RoleViewer, key)

	assert.Nil(t, r.RegisterViewer(key, v1))
	prev := r.RegisterViewer(key, v2)
	assert.Same(t, v1, prev)
	assert.Same(t, v2, r.Viewer(key))
}

func TestRegistry_RemoveHost(t *testing.T) {
	r := NewRegistry()
	key := testKey("e1", "t1")

	a := testConn("a")
	a.classify(domain.RoleHost, key)
	r.RegisterHost(key, a)

	wasHost, wasViewer := r.Remove(a)
	assert.True(t, wasHost)
	assert.False(t, wasViewer)
	assert.Nil(t, r.Host(key))
}

func TestRegistry_RemoveEvictedHostDoesNotTouchReplacement(t *testing.T) {
	r := NewRegistry()
	key := testKey("e1", "t1")

	a := testConn("a")
	a.classify(domain.RoleHost, key)
	b := testConn("b")
	b.classify(domain.RoleHost, key)

	r.RegisterHost(key, a)
	r.RegisterHost(key, b)

	// The evicted host disconnects after its replacement registered.
	wasHost, _ := r.Remove(a)
	assert.False(t, wasHost)
	assert.Same(t, b, r.Host(key))
}

func TestRegistry_RemoveViewerClearsCurrent(t *testing.T) {
	r := NewRegistry()
	key := testKey("e1", "t1")

	v := testConn("v")
	v.classify(domain.RoleViewer, key)
	r.RegisterViewer(key, v)

	wasHost, wasViewer := r.Remove(v)
	assert.False(t, wasHost)
	assert.True(t, wasViewer)
	assert.Nil(t, r.Viewer(key))
}

func TestRegistry_ViewerRekeyClearsOldCurrent(t *testing.T) {
	r := NewRegistry()
	keyA := testKey("e1", "t1")
	keyB := testKey("e1", "t2")

	v := testConn("v")
	v.classify(domain.RoleViewer, keyA)
	r.RegisterViewer(keyA, v)

	// The same connection re-requests under a different key. The old key
	// must stop routing to it.
	v.classify(domain.RoleViewer, keyB)
	r.RegisterViewer(keyB, v)

	assert.Nil(t, r.Viewer(keyA))
	assert.Same(t, v, r.Viewer(keyB))
}

func TestRegistry_RemoveSupersededViewerKeepsCurrent(t *testing.T) {
	r := NewRegistry()
	key := testKey("e1", "t1")

	v1 := testConn("v1")
	v1.classify(domain.RoleViewer, key)
	v2 := testConn("v2")
	v2.classify(domain.RoleViewer, key)

	r.RegisterViewer(key, v1)
	r.RegisterViewer(key, v2)

	r.Remove(v1)
	assert.Same(t, v2, r.Viewer(key))
}
