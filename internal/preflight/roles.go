package preflight

import (
	"context"
	"fmt"

	"github.com/Aman-CERP/indexkeeper/internal/roles"
	"github.com/Aman-CERP/indexkeeper/internal/store"
)

// RoleHolders reports which index holds each role. roles.Registry
// implements it.
type RoleHolders interface {
	IndicesByRole() map[roles.Role]string
}

// IndexStater reports an index's state. store.BleveStore implements it.
type IndexStater interface {
	IndexState(ctx context.Context, name string) (store.IndexState, error)
}

// RoleCheck verifies that every role points at an open index.
type RoleCheck struct {
	Holders RoleHolders
	Store   IndexStater
}

// Run returns one result per assignable role. An unassigned role or a
// closed holder warns; a holder that no longer exists fails.
func (rc *RoleCheck) Run(ctx context.Context) []CheckResult {
	holders := rc.Holders.IndicesByRole()
	results := make([]CheckResult, 0, len(roles.Assignable))

	for _, role := range roles.Assignable {
		result := CheckResult{Name: "role_" + string(role)}
		index := holders[role]
		if index == "" {
			result.Status = StatusWarn
			result.Message = "unassigned"
			result.Details = fmt.Sprintf("Run 'indexkeeper bootstrap' or 'indexkeeper assign <index> %s'", role)
			results = append(results, result)
			continue
		}

		state, err := rc.Store.IndexState(ctx, index)
		switch {
		case err != nil:
			result.Status = StatusFail
			result.Required = true
			result.Message = fmt.Sprintf("%s: %v", index, err)
		case state == store.StateMissing:
			result.Status = StatusFail
			result.Required = true
			result.Message = fmt.Sprintf("%s does not exist", index)
			result.Details = fmt.Sprintf("Assign %s to an existing index or restore %s from a snapshot", role, index)
		case state == store.StateClosed:
			result.Status = StatusWarn
			result.Message = fmt.Sprintf("%s is closed", index)
			result.Details = fmt.Sprintf("Run 'indexkeeper open %s'", index)
		default:
			result.Status = StatusPass
			result.Message = index
		}
		results = append(results, result)
	}
	return results
}
