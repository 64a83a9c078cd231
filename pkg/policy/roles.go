package policy

import (
	"context"
	"fmt"
)

// RoleMatrix grants permissions per role. A permission is "domain:operation",
// "domain:*" or "*".
type RoleMatrix map[string][]string

// Authorize implements Authorizer.
func (m RoleMatrix) Authorize(_ context.Context, req Request) (bool, string) {
	wanted := []string{req.Domain + ":" + req.Action, req.Domain + ":*", "*"}
	for _, role := range req.Identity.Roles {
		for _, perm := range m[role] {
			for _, w := range wanted {
				if perm == w {
					return true, ""
				}
			}
		}
	}
	return false, fmt.Sprintf("no role of actor %q grants %s:%s", req.ActorID, req.Domain, req.Action)
}
