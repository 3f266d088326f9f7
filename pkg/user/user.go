package user

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// User is the cached snapshot of the authenticated principal. It is a
// denormalized copy of what the backend returned at login or refresh.
type User struct {
	ID       int64      `json:"id"`
	Name     string     `json:"name"`
	Username string     `json:"username"`
	Email    string     `json:"email"`
	SKPDID   *OrgUnitID `json:"id_skpd"`
	SKPD     *OrgUnit   `json:"skpd"`
}

// OrgUnit is the organizational unit (SKPD) a partition user belongs to.
type OrgUnit struct {
	ID   OrgUnitID `json:"id_skpd"`
	Name string    `json:"nm_skpd"`
}

// OrgUnitID is the partition key. The backend has sent it both as a
// string and as a number, so both decode to the same value.
type OrgUnitID string

func (id *OrgUnitID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = OrgUnitID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("user: id_skpd must be a string or a number, %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("user: id_skpd is not numeric, %w", err)
	}
	*id = OrgUnitID(n.String())
	return nil
}

// Partition returns the organizational unit key, or "" for users of the
// administrative tree.
func (u *User) Partition() string {
	if u == nil || u.SKPDID == nil {
		return ""
	}
	return string(*u.SKPDID)
}

// InPartition reports whether the user belongs to the partition tree.
// A nil partition key means the administrative tree.
func (u *User) InPartition() bool {
	return u != nil && u.SKPDID != nil
}
