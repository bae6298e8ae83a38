package coordinator

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/dutow/wsrep-go/common"
)

// clientRegistry tracks every open client session. It is deliberately
// outside the server mutex: sessions register and deregister on their
// own threads, and disconnect handling only needs a point-in-time
// snapshot of open sessions.
type clientRegistry struct {
	sessions *xsync.MapOf[common.ClientID, *ClientState]
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{
		sessions: xsync.NewMapOf[common.ClientID, *ClientState](),
	}
}

func (r *clientRegistry) Store(id common.ClientID, cs *ClientState) {
	r.sessions.Store(id, cs)
}

func (r *clientRegistry) Delete(id common.ClientID) {
	r.sessions.Delete(id)
}

func (r *clientRegistry) Load(id common.ClientID) (*ClientState, bool) {
	return r.sessions.Load(id)
}

func (r *clientRegistry) Range(fn func(cs *ClientState) bool) {
	r.sessions.Range(func(_ common.ClientID, cs *ClientState) bool {
		return fn(cs)
	})
}

func (r *clientRegistry) Size() int {
	return r.sessions.Size()
}

// FindClient returns the open session with the given id, or nil.
func (s *ServerState) FindClient(id common.ClientID) *ClientState {
	cs, _ := s.clients.Load(id)
	return cs
}

// OpenClientCount returns the number of open sessions.
func (s *ServerState) OpenClientCount() int {
	return s.clients.Size()
}
