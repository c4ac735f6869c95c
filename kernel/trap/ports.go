package trap

import "github.com/kazzmir/yalnix/kernel"

const initialPortSlots = 4

var (
	// ErrPortTaken is returned when registering a port that already has
	// an owner.
	ErrPortTaken = &kernel.Error{Module: "trap", Message: "port already registered"}

	// ErrInvalidPort is returned for port numbers that are not positive.
	ErrInvalidPort = &kernel.Error{Module: "trap", Message: "invalid port"}
)

type portBinding struct {
	port  int
	owner int
}

// Registry binds service ports to the processes that serve them. A process
// may own any number of ports; a port has at most one owner.
type Registry struct {
	slots []portBinding
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{slots: make([]portBinding, initialPortSlots)}
	for i := range r.slots {
		r.slots[i].owner = -1
	}
	return r
}

// Register binds port to owner. Freed slots are reused before the slot
// array doubles.
func (r *Registry) Register(port, owner int) *kernel.Error {
	if port <= 0 {
		return ErrInvalidPort
	}
	if _, taken := r.Lookup(port); taken {
		return ErrPortTaken
	}

	for i := range r.slots {
		if r.slots[i].owner == -1 {
			r.slots[i] = portBinding{port: port, owner: owner}
			return nil
		}
	}

	grown := make([]portBinding, 2*len(r.slots))
	copy(grown, r.slots)
	for i := len(r.slots); i < len(grown); i++ {
		grown[i].owner = -1
	}
	grown[len(r.slots)] = portBinding{port: port, owner: owner}
	r.slots = grown
	return nil
}

// Lookup returns the owner of port.
func (r *Registry) Lookup(port int) (int, bool) {
	for _, b := range r.slots {
		if b.owner != -1 && b.port == port {
			return b.owner, true
		}
	}
	return 0, false
}

// Release frees every port owned by owner and returns how many were freed.
func (r *Registry) Release(owner int) int {
	var n int
	for i := range r.slots {
		if r.slots[i].owner == owner {
			r.slots[i] = portBinding{owner: -1}
			n++
		}
	}
	return n
}
