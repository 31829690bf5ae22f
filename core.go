package quillsync

import (
	"github.com/quillchat/quillsync/bus"
	"github.com/quillchat/quillsync/netmon"
	"github.com/quillchat/quillsync/presence"
	"github.com/quillchat/quillsync/repo"
	syncpkg "github.com/quillchat/quillsync/sync"
)

// Core is the handle the host app uses: typed repositories for each
// collection, the presence tracker, the network signal input and the
// event stream. All reads and writes are local; the engine reconciles in
// the background.
type Core struct {
	messages      *repo.Repository[repo.Message]
	conversations *repo.Repository[repo.Conversation]
	users         *repo.Repository[repo.UserProfile]
	derived       *repo.Repository[repo.DerivedItem]
	tracker       *presence.Tracker
	monitor       *netmon.Monitor
	engine        *syncpkg.Engine
	bus           *bus.Bus
}

// NewCore assembles the handle from its parts.
func NewCore(
	messages *repo.Repository[repo.Message],
	conversations *repo.Repository[repo.Conversation],
	users *repo.Repository[repo.UserProfile],
	derived *repo.Repository[repo.DerivedItem],
	tracker *presence.Tracker,
	monitor *netmon.Monitor,
	engine *syncpkg.Engine,
	b *bus.Bus,
) *Core {
	return &Core{
		messages:      messages,
		conversations: conversations,
		users:         users,
		derived:       derived,
		tracker:       tracker,
		monitor:       monitor,
		engine:        engine,
		bus:           b,
	}
}

// Messages is the message repository.
func (c *Core) Messages() *repo.Repository[repo.Message] { return c.messages }

// Conversations is the conversation repository.
func (c *Core) Conversations() *repo.Repository[repo.Conversation] { return c.conversations }

// Users is the user-profile repository.
func (c *Core) Users() *repo.Repository[repo.UserProfile] { return c.users }

// DerivedItems is the repository for AI-produced content.
func (c *Core) DerivedItems() *repo.Repository[repo.DerivedItem] { return c.derived }

// Presence is the peer liveness tracker.
func (c *Core) Presence() *presence.Tracker { return c.tracker }

// Network is where the host app reports reachability changes.
func (c *Core) Network() *netmon.Monitor { return c.monitor }

// Engine exposes the sync engine, mainly its lane states.
func (c *Core) Engine() *syncpkg.Engine { return c.engine }

// Bus is the core's event stream (store.*, sync.*, net.*, presence.*).
func (c *Core) Bus() *bus.Bus { return c.bus }
