package coordinator

import (
	"errors"
	"fmt"
)

// State is the coordinator's connectivity and sync state.
type State int

const (
	OfflineModeDisabled State = iota
	IdleOnline
	IdleOffline
	// Syncing is entered only from IdleOnline.
	Syncing
)

var stateNames = [...]string{"offline_mode_disabled", "idle_online", "idle_offline", "syncing"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrInvalidTransition rejects a state change the machine does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions lists the allowed targets of each state. Any state may go to
// OfflineModeDisabled.
var transitions = map[State][]State{
	OfflineModeDisabled: {IdleOnline, IdleOffline},
	IdleOnline:          {Syncing, IdleOffline, OfflineModeDisabled},
	IdleOffline:         {IdleOnline, OfflineModeDisabled},
	Syncing:             {IdleOnline, IdleOffline, OfflineModeDisabled},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// idleState is the resting state for the given connectivity.
func idleState(online bool) State {
	if online {
		return IdleOnline
	}
	return IdleOffline
}
