package totoctx

import (
	"github.com/jeremyot/toto/internal/session"
	"github.com/jeremyot/toto/internal/sessioncache"
)

// ServiceContext replaces the source's global options module and
// event-manager singleton (spec §9, "move to an explicit
// ServiceContext passed through construction") with a plain struct
// built once at startup and threaded through every constructor. It
// carries no behavior of its own.
type ServiceContext struct {
	Store      session.Store
	Cache      sessioncache.Cache
	Loop       *Loop
	MethodRoot string
}
