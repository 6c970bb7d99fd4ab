package server

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCreateAssignsUniqueGuestNames(t *testing.T) {
	sm := NewSessionManager(16, nil)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		sess, err := sm.Create(newFakeConn())
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(sess.Username(), "guest-"))
		assert.False(t, seen[sess.Username()], "duplicate guest name %q", sess.Username())
		seen[sess.Username()] = true
	}
	assert.Equal(t, 50, sm.Count())
}

func TestGetByUsername(t *testing.T) {
	sm := NewSessionManager(16, nil)
	sess, err := sm.Create(newFakeConn())
	require.NoError(t, err)

	got, err := sm.Get(sess.Username())
	require.NoError(t, err)
	assert.Same(t, sess, got)

	_, err = sm.Get("nobody")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRenameReKeysLookup(t *testing.T) {
	sm := NewSessionManager(16, nil)
	sess, err := sm.Create(newFakeConn())
	require.NoError(t, err)
	old := sess.Username()

	require.NoError(t, sm.Rename(sess, "alice"))
	assert.Equal(t, "alice", sess.Username())

	got, err := sm.Get("alice")
	require.NoError(t, err)
	assert.Same(t, sess, got)

	_, err = sm.Get(old)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRenameConflict(t *testing.T) {
	sm := NewSessionManager(16, nil)
	first, err := sm.Create(newFakeConn())
	require.NoError(t, err)
	second, err := sm.Create(newFakeConn())
	require.NoError(t, err)

	require.NoError(t, sm.Rename(first, "alice"))
	assert.ErrorIs(t, sm.Rename(second, "alice"), ErrUsernameTaken)

	// Renaming to your own current name is a conflict too.
	assert.ErrorIs(t, sm.Rename(first, "alice"), ErrUsernameTaken)
}

func TestRemoveIsIdempotent(t *testing.T) {
	sm := NewSessionManager(16, nil)
	conn := newFakeConn()
	sess, err := sm.Create(conn)
	require.NoError(t, err)

	sm.Remove(sess)
	sm.Remove(sess)
	assert.Equal(t, 0, sm.Count())

	_, err = sm.Get(sess.Username())
	assert.ErrorIs(t, err, ErrSessionNotFound)

	select {
	case <-conn.closed:
	default:
		t.Fatal("transport not closed on remove")
	}
}

func TestCloseAllEmptiesRegistry(t *testing.T) {
	sm := NewSessionManager(16, nil)
	conns := make([]*fakeConn, 3)
	for i := range conns {
		conns[i] = newFakeConn()
		_, err := sm.Create(conns[i])
		require.NoError(t, err)
	}

	sm.CloseAll()
	assert.Equal(t, 0, sm.Count())
	for _, conn := range conns {
		select {
		case <-conn.closed:
		default:
			t.Fatal("transport not closed")
		}
	}
}

// TestRegistryInvariants drives the registry with random create, rename and
// remove operations against a model map and checks that the username index
// never diverges from the session set.
func TestRegistryInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sm := NewSessionManager(16, nil)
		model := make(map[uint64]*Session)

		t.Repeat(map[string]func(*rapid.T){
			"create": func(t *rapid.T) {
				sess, err := sm.Create(newFakeConn())
				if err != nil {
					t.Fatalf("create failed: %v", err)
				}
				model[sess.ID] = sess
			},
			"rename": func(t *rapid.T) {
				if len(model) == 0 {
					t.Skip("no sessions")
				}
				sess := pickSession(t, model)
				name := fmt.Sprintf("user%d", rapid.IntRange(0, 5).Draw(t, "name"))
				err := sm.Rename(sess, name)
				if err == nil && sess.Username() != name {
					t.Fatalf("rename did not stick: %q != %q", sess.Username(), name)
				}
			},
			"remove": func(t *rapid.T) {
				if len(model) == 0 {
					t.Skip("no sessions")
				}
				sess := pickSession(t, model)
				sm.Remove(sess)
				delete(model, sess.ID)
			},
			"": func(t *rapid.T) {
				if sm.Count() != len(model) {
					t.Fatalf("registry has %d sessions, model has %d", sm.Count(), len(model))
				}
				names := make(map[string]bool)
				for _, sess := range sm.All() {
					name := sess.Username()
					if names[name] {
						t.Fatalf("duplicate username %q", name)
					}
					names[name] = true

					got, err := sm.Get(name)
					if err != nil {
						t.Fatalf("lookup of live session %q failed: %v", name, err)
					}
					if got != sess {
						t.Fatalf("lookup of %q returned a different session", name)
					}
				}
			},
		})
	})
}

func pickSession(t *rapid.T, model map[uint64]*Session) *Session {
	ids := make([]uint64, 0, len(model))
	for id := range model {
		ids = append(ids, id)
	}
	return model[rapid.SampledFrom(ids).Draw(t, "session")]
}
