package conflict

import "github.com/roach88/tether/internal/record"

// Policy picks a resolution for a freshly detected conflict. Returning
// false leaves the conflict for an explicit Resolve.
type Policy func(c record.Conflict) (strategy record.Resolution, merged record.Payload, ok bool)

// KeepLocal always re-sends the local payload.
func KeepLocal() Policy {
	return func(record.Conflict) (record.Resolution, record.Payload, bool) {
		return record.ResolutionLocal, nil, true
	}
}

// KeepRemote always accepts the server payload.
func KeepRemote() Policy {
	return func(record.Conflict) (record.Resolution, record.Payload, bool) {
		return record.ResolutionRemote, nil, true
	}
}

// ByName returns the built-in policy called name: "local", "remote", or
// "" / "manual" for none.
func ByName(name string) (Policy, error) {
	switch name {
	case "", string(record.ResolutionManual):
		return nil, nil
	case string(record.ResolutionLocal):
		return KeepLocal(), nil
	case string(record.ResolutionRemote):
		return KeepRemote(), nil
	default:
		return nil, record.NewValidationError("conflict_policy", "unknown policy %q", name)
	}
}
