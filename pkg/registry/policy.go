package registry

import "fmt"

// Policy decides whether a new instance may join an agent. Telling real
// instances apart from fabricated ones is the policy's job, not the vote's.
type Policy interface {
	Admit(candidate Instance, existing []Instance) error
}

// OpenPolicy admits every instance.
type OpenPolicy struct{}

func (OpenPolicy) Admit(Instance, []Instance) error { return nil }

// MaxInstancesPolicy caps the number of non-revoked instances per agent and
// refuses reuse of a public key already held by another instance.
type MaxInstancesPolicy struct {
	Max int
}

func (p MaxInstancesPolicy) Admit(candidate Instance, existing []Instance) error {
	live := 0
	for _, in := range existing {
		if in.PublicKey == candidate.PublicKey {
			return fmt.Errorf("%w: public key already used by instance %s", ErrRejected, in.ID)
		}
		if in.Status != StatusRevoked {
			live++
		}
	}
	if p.Max > 0 && live >= p.Max {
		return fmt.Errorf("%w: agent %s already has %d instances", ErrRejected, candidate.AgentID, live)
	}
	return nil
}
