package api

import "fmt"

// MemberState is the replication role which a member of a replication group
// reports about itself.
type MemberState uint8

const (
	MsUnknown MemberState = iota

	// Started, but hasn't received a group config yet.
	MsStartup

	// Stable states
	MsPrimary
	MsSecondary

	// Not reachable. Never reported by a node about itself, only by observers.
	MsDown

	// Has a config, but isn't in it any more.
	MsRemoved
)

func (s MemberState) String() string {
	switch s {
	case MsStartup:
		return "STARTUP"
	case MsPrimary:
		return "PRIMARY"
	case MsSecondary:
		return "SECONDARY"
	case MsDown:
		return "DOWN"
	case MsRemoved:
		return "REMOVED"
	}

	return fmt.Sprintf("MemberState(%d)", uint8(s))
}

// ParseMemberState is the inverse of MemberState.String. Unknown strings are
// MsUnknown, not an error, since nodes may report states we don't model.
func ParseMemberState(s string) MemberState {
	switch s {
	case "STARTUP":
		return MsStartup
	case "PRIMARY":
		return MsPrimary
	case "SECONDARY":
		return MsSecondary
	case "DOWN":
		return MsDown
	case "REMOVED":
		return MsRemoved
	}

	return MsUnknown
}

// Settled returns true if the state is one which a formed group settles into.
func (s MemberState) Settled() bool {
	return s == MsPrimary || s == MsSecondary
}
