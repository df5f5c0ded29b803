// Package roles tracks which index plays the LIVE role and which plays
// WORKING. All reassignments go through one lock and are persisted before
// they become visible, so no reader ever observes two holders of a role.
package roles

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	kerrors "github.com/Aman-CERP/indexkeeper/internal/errors"
	"github.com/Aman-CERP/indexkeeper/internal/logging"
	"github.com/Aman-CERP/indexkeeper/internal/store"
)

// Role is the logical function an index serves.
type Role string

const (
	Live    Role = "LIVE"
	Working Role = "WORKING"
	None    Role = "NONE"
)

// Assignable lists the roles an index can hold.
var Assignable = []Role{Live, Working}

// ParseRole parses a role name case-insensitively.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case Live:
		return Live, nil
	case Working:
		return Working, nil
	case None, "":
		return None, nil
	}
	return None, kerrors.Newf(kerrors.ErrCodeInvalidInput, "unknown role %q (want LIVE, WORKING or NONE)", s)
}

// NewIndexName returns "<prefix>_<yyyyMMddHHmmss>" for t.
func NewIndexName(prefix string, t time.Time) string {
	return prefix + "_" + t.Format("20060102150405")
}

// Persister stores role assignments. store.Catalog implements it.
type Persister interface {
	LoadRoles(ctx context.Context) (map[string]string, error)
	SaveRoles(ctx context.Context, roles map[string]string) error
}

// Options configures a Registry.
type Options struct {
	Store store.IndexStore
	// Persister is optional; without it assignments live in memory only.
	Persister     Persister
	LivePrefix    string
	WorkingPrefix string
	Logger        *slog.Logger
	// Now is used for naming bootstrapped indices. Defaults to time.Now.
	Now func() time.Time
}

// Registry owns role state.
type Registry struct {
	mu       sync.Mutex
	store    store.IndexStore
	persist  Persister
	prefixes map[Role]string
	holders  map[Role]string
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry loads persisted assignments. A persisted state where one index
// holds both roles is a consistency fault. Assignments pointing at missing
// indices are dropped with a warning.
func NewRegistry(ctx context.Context, opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, kerrors.ValidationError("roles: index store is required", nil)
	}
	if opts.LivePrefix == "" {
		opts.LivePrefix = "live"
	}
	if opts.WorkingPrefix == "" {
		opts.WorkingPrefix = "working"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Registry{
		store:    opts.Store,
		persist:  opts.Persister,
		prefixes: map[Role]string{Live: opts.LivePrefix, Working: opts.WorkingPrefix},
		holders:  make(map[Role]string),
		logger:   logging.OrDefault(opts.Logger),
		now:      opts.Now,
	}

	if r.persist == nil {
		return r, nil
	}

	saved, err := r.persist.LoadRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load role assignments: %w", err)
	}

	dropped := false
	for roleName, index := range saved {
		role := Role(roleName)
		if role != Live && role != Working {
			r.logger.Warn("role_unknown_dropped",
				slog.String("role", roleName),
				slog.String("index", index))
			dropped = true
			continue
		}
		state, err := r.store.IndexState(ctx, index)
		if err != nil {
			return nil, err
		}
		if state == store.StateMissing {
			r.logger.Warn("role_stale_dropped",
				slog.String("role", roleName),
				slog.String("index", index))
			dropped = true
			continue
		}
		r.holders[role] = index
	}

	if live, ok := r.holders[Live]; ok && r.holders[Working] == live {
		return nil, kerrors.Newf(kerrors.ErrCodeConsistencyFault,
			"index %q holds both LIVE and WORKING", live).WithDetail("index", live)
	}

	if dropped {
		if err := r.persist.SaveRoles(ctx, r.snapshotLocked()); err != nil {
			return nil, fmt.Errorf("failed to persist cleaned role assignments: %w", err)
		}
	}
	return r, nil
}

// IndicesByRole returns the holder of each role. Unset roles map to "".
func (r *Registry) IndicesByRole() map[Role]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[Role]string, len(Assignable))
	for _, role := range Assignable {
		out[role] = r.holders[role]
	}
	return out
}

// RoleOf returns the role held by index, or None.
func (r *Registry) RoleOf(index string) Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roleOfLocked(index)
}

func (r *Registry) roleOfLocked(index string) Role {
	for _, role := range Assignable {
		if r.holders[role] == index {
			return role
		}
	}
	return None
}

// AssignRole makes index the holder of role. The previous holder is demoted
// to None in the same update. An index holds at most one role, so if index
// held the other role that role becomes unassigned. Assigning None clears
// whatever role index holds and does not require the index to exist.
func (r *Registry) AssignRole(ctx context.Context, index string, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assignLocked(ctx, index, role)
}

func (r *Registry) assignLocked(ctx context.Context, index string, role Role) error {
	if role != None {
		state, err := r.store.IndexState(ctx, index)
		if err != nil {
			return err
		}
		switch {
		case state == store.StateMissing:
			return kerrors.IndexNotFound(index)
		case state == store.StateClosed && role == Live:
			return kerrors.Newf(kerrors.ErrCodeIndexNotOpen,
				"index %q is closed and cannot serve as LIVE", index).WithDetail("index", index)
		}
	}

	next := r.snapshotLocked()
	previous := next[string(role)]
	for _, other := range Assignable {
		if next[string(other)] == index {
			delete(next, string(other))
		}
	}
	if role != None {
		next[string(role)] = index
	}

	if r.persist != nil {
		if err := r.persist.SaveRoles(ctx, next); err != nil {
			return fmt.Errorf("failed to persist role assignment: %w", err)
		}
	}

	r.holders = make(map[Role]string, len(next))
	for k, v := range next {
		r.holders[Role(k)] = v
	}

	r.logger.Info("role_assigned",
		slog.String("index", index),
		slog.String("role", string(role)),
		slog.String("previous", previous))
	return nil
}

func (r *Registry) snapshotLocked() map[string]string {
	out := make(map[string]string, len(r.holders))
	for role, index := range r.holders {
		if index != "" {
			out[string(role)] = index
		}
	}
	return out
}

// ListIndices returns the names of all indices in the store.
func (r *Registry) ListIndices(ctx context.Context) ([]string, error) {
	infos, err := r.store.ListIndices(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	sort.Strings(names)
	return names, nil
}

// EnsureLive returns the LIVE index, discovering or creating one if no
// index is registered for the role.
func (r *Registry) EnsureLive(ctx context.Context) (string, error) {
	return r.ensure(ctx, Live)
}

// EnsureWorking is EnsureLive for the WORKING role.
func (r *Registry) EnsureWorking(ctx context.Context) (string, error) {
	return r.ensure(ctx, Working)
}

// Bootstrap ensures both roles have a holder.
func (r *Registry) Bootstrap(ctx context.Context) (map[Role]string, error) {
	if _, err := r.EnsureLive(ctx); err != nil {
		return nil, err
	}
	if _, err := r.EnsureWorking(ctx); err != nil {
		return nil, err
	}
	return r.IndicesByRole(), nil
}

// ensure discovers the first index (by name) whose name starts with the
// role prefix, case-insensitively, and that holds no other role. If none
// exists a new one named by NewIndexName is created.
func (r *Registry) ensure(ctx context.Context, role Role) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder := r.holders[role]; holder != "" {
		return holder, nil
	}

	infos, err := r.store.ListIndices(ctx)
	if err != nil {
		return "", err
	}
	prefix := strings.ToLower(r.prefixes[role])

	candidate := ""
	for _, info := range infos {
		if !strings.HasPrefix(strings.ToLower(info.Name), prefix) {
			continue
		}
		if r.roleOfLocked(info.Name) != None {
			continue
		}
		candidate = info.Name
		if info.State == store.StateClosed {
			if err := r.store.OpenIndex(ctx, candidate); err != nil {
				return "", err
			}
		}
		break
	}

	if candidate == "" {
		candidate = NewIndexName(r.prefixes[role], r.now())
		if err := r.store.CreateIndex(ctx, candidate); err != nil {
			return "", err
		}
		r.logger.Info("role_index_created",
			slog.String("role", string(role)),
			slog.String("index", candidate))
	}

	if err := r.assignLocked(ctx, candidate, role); err != nil {
		return "", err
	}
	return candidate, nil
}
