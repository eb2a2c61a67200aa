package rolelookup

import (
	"context"
	"strings"

	"github.com/MrEthical07/clinicauth/session"
)

// Static resolves roles from fixed user id and email tables.
type Static struct {
	ByUserID map[string]session.Role
	ByEmail  map[string]session.Role
}

func (s Static) LookupRole(_ context.Context, userID, email string) (session.Role, error) {
	if r, ok := s.ByUserID[userID]; ok && userID != "" {
		return r, nil
	}
	if email == "" {
		return session.RoleNone, nil
	}
	for k, r := range s.ByEmail {
		if strings.EqualFold(k, email) {
			return r, nil
		}
	}
	return session.RoleNone, nil
}
