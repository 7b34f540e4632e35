// Package privilege brackets the registry's symlink-writing commit phase
// with a temporary switch to the target user's uid/gid, restoring the
// process's original privileges on every exit path.
package privilege

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// Bracket captures the process's effective ids so Restore can put them
// back after Drop.
type Bracket struct {
	savedUID int
	savedGID int
	active   bool
}

// Resolve looks up username and returns its numeric uid/gid, failing with
// the same error kind the registry reports on whoami failure.
func Resolve(username string) (uid, gid int, err error) {
	u, err := user.Lookup(username)
	if err != nil {
		return 0, 0, fmt.Errorf("lookup user %s: %w", username, err)
	}
	uid, err = strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("parse uid for %s: %w", username, err)
	}
	gid, err = strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("parse gid for %s: %w", username, err)
	}
	return uid, gid, nil
}

// Drop switches the effective uid/gid to uid/gid and keeps the process's
// previous effective ids as its saved ids, so Restore can undo it. A no-op (but still
// valid to Restore) when uid/gid match the current effective ids.
func Drop(uid, gid int) (*Bracket, error) {
	b := &Bracket{savedUID: unix.Geteuid(), savedGID: unix.Getegid()}

	if gid != b.savedGID {
		if err := unix.Setresgid(-1, gid, b.savedGID); err != nil {
			return nil, fmt.Errorf("setresgid: %w", err)
		}
	}
	if uid != b.savedUID {
		if err := unix.Setresuid(-1, uid, b.savedUID); err != nil {
			_ = unix.Setresgid(-1, b.savedGID, -1)
			return nil, fmt.Errorf("setresuid: %w", err)
		}
	}

	b.active = true
	return b, nil
}

// Restore reverts the effective uid/gid to what they were before Drop. It
// is idempotent and safe to call on a nil or already-restored Bracket.
func (b *Bracket) Restore() error {
	if b == nil || !b.active {
		return nil
	}
	b.active = false

	if err := unix.Setresuid(-1, b.savedUID, -1); err != nil {
		return fmt.Errorf("restore setresuid: %w", err)
	}
	if err := unix.Setresgid(-1, b.savedGID, -1); err != nil {
		return fmt.Errorf("restore setresgid: %w", err)
	}
	return nil
}
