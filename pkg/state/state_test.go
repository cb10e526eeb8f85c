package state

import (
	"testing"

	"github.com/callcoord/callcoord/pkg/api"
	"github.com/callcoord/callcoord/pkg/logger"
	"github.com/stretchr/testify/assert"
)

var log = logger.Default()

func TestRegistrationMerge(t *testing.T) {
	s := NewStore(log)
	assert.Equal(t, Unregistered, s.Registration().Status)

	st, uri := Registered, "sip:alice@example.com"
	s.SetRegistration(RegistrationUpdate{Status: &st, AccountURI: &uri})

	reg := s.Registration()
	assert.Equal(t, Registered, reg.Status)
	assert.Equal(t, uri, reg.AccountURI)

	// a partial update leaves the other fields alone
	errText := "401 unauthorized"
	failed := RegFailed
	s.SetRegistration(RegistrationUpdate{Status: &failed, LastError: &errText})
	reg = s.Registration()
	assert.Equal(t, uri, reg.AccountURI)
	assert.Equal(t, errText, reg.LastError)
}

func TestSessionLifecycleInStore(t *testing.T) {
	s := NewStore(log)
	s.UpsertSession(Session{ID: "s1", Direction: Outgoing, State: Connecting})

	ok := s.MutateSession("s1", func(sess *Session) { sess.State = Established })
	assert.True(t, ok)
	sess, found := s.Session("s1")
	assert.True(t, found)
	assert.Equal(t, Established, sess.State)

	assert.False(t, s.MutateSession("nope", func(*Session) {}), "missing id must be a no-op")

	s.RemoveSession("s1")
	_, found = s.Session("s1")
	assert.False(t, found)
}

func TestUpsertStoresCopy(t *testing.T) {
	s := NewStore(log)
	orig := Session{ID: "s1", State: Ringing}
	s.UpsertSession(orig)
	orig.State = Failed

	sess, _ := s.Session("s1")
	assert.Equal(t, Ringing, sess.State, "the store must not alias caller memory")
}

func TestSnapshotIsOrderedAndDetached(t *testing.T) {
	s := NewStore(log)
	s.UpsertSession(Session{ID: "b"})
	s.UpsertSession(Session{ID: "a"})
	s.SetCapability("p2", api.CapDenied)
	s.SetCapability("p1", api.CapGranted)

	snap := s.Snapshot()
	assert.Equal(t, []string{"a", "b"}, []string{snap.Sessions[0].ID, snap.Sessions[1].ID})
	assert.Equal(t, "p1", snap.Capabilities[0].PeerID)

	// mutating the snapshot must not leak back
	snap.Sessions[0].State = Failed
	sess, _ := s.Session("a")
	assert.NotEqual(t, Failed, sess.State)
}

func TestListenersSeeEveryMutation(t *testing.T) {
	s := NewStore(log)
	var got []Snapshot
	s.Subscribe(func(snap Snapshot) { got = append(got, snap) })

	s.UpsertSession(Session{ID: "s1"})
	s.SetCapability("p1", api.CapGranted)
	s.RemoveSession("s1")

	assert.Len(t, got, 3)
	assert.Len(t, got[0].Sessions, 1)
	assert.Empty(t, got[2].Sessions)
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	s := NewStore(log)
	s.Subscribe(func(Snapshot) { panic("bad listener") })
	var called bool
	s.Subscribe(func(Snapshot) { called = true })

	assert.NotPanics(t, func() { s.UpsertSession(Session{ID: "s1"}) })
	assert.True(t, called, "later listeners still run")
	_, found := s.Session("s1")
	assert.True(t, found, "the mutation itself must stick")
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, Terminated.Terminal())
	assert.True(t, Failed.Terminal())
	assert.False(t, Established.Terminal())
	assert.False(t, Ringing.Terminal())
}
