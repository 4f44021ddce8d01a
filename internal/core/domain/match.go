package domain

import (
	"encoding/json"
	"fmt"
)

// FlexID is an event or team identifier. Upstream callers send these as either
// JSON strings or JSON numbers; both decode to the canonical string form so
// that "42" and 42 address the same session.
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty identifier")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

// MatchKey identifies one sharing session: exactly one host and one current
// viewer may be registered per key.
type MatchKey struct {
	EventID string `json:"eventId"`
	TeamID  string `json:"teamId"`
}

func NewMatchKey(eventID, teamID FlexID) MatchKey {
	return MatchKey{EventID: string(eventID), TeamID: string(teamID)}
}

func (k MatchKey) String() string {
	return k.EventID + "/" + k.TeamID
}

func (k MatchKey) IsZero() bool {
	return k.EventID == "" && k.TeamID == ""
}

// Role tags a relay connection after its first classifying message.
type Role string

const (
	RoleUnknown Role = "unknown"
	RoleHost    Role = "host"
	RoleViewer  Role = "viewer"
)
