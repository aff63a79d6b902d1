package repl

// MemberState is a replica-set member's role.
type MemberState int

const (
	StateStartup MemberState = iota
	StateRecovering
	StateSecondary
	StatePrimary
	StateRollback
)

func (s MemberState) String() string {
	switch s {
	case StateStartup:
		return "STARTUP"
	case StateRecovering:
		return "RECOVERING"
	case StateSecondary:
		return "SECONDARY"
	case StatePrimary:
		return "PRIMARY"
	case StateRollback:
		return "ROLLBACK"
	}
	return "UNKNOWN"
}
