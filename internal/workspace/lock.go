package workspace

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const lockFileName = ".lock"

var (
	// lockRefresh is how often a held lock has its mtime bumped.
	lockRefresh = time.Minute
	// lockStaleAfter is how long a lock from another host may go unrefreshed
	// before it is reclaimed. Its pid cannot be checked from here.
	lockStaleAfter = 5 * time.Minute
)

// lockOwner identifies the process holding a workspace. Pids are only
// comparable between owners on the same host.
type lockOwner struct {
	PID  int
	Host string
}

func (o lockOwner) String() string {
	if o.Host == "" {
		return "pid " + strconv.Itoa(o.PID)
	}
	return fmt.Sprintf("pid %d on %s", o.PID, o.Host)
}

func currentOwner() lockOwner {
	host, _ := os.Hostname()
	return lockOwner{PID: os.Getpid(), Host: host}
}

// acquireFileLock creates path naming us as owner. ok is false while another
// owner holds the lock: a live process on this host, or any process on another
// host whose lock is still being refreshed.
func acquireFileLock(path string) (ok bool, holder lockOwner, err error) {
	self := currentOwner()
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d %s", self.PID, self.Host)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return false, lockOwner{}, fmt.Errorf("write lock file: %w", errors.Join(werr, cerr))
			}
			return true, lockOwner{}, nil
		}
		if !os.IsExist(err) {
			return false, lockOwner{}, fmt.Errorf("create lock file: %w", err)
		}

		owner, held := lockHeld(path, self)
		if held {
			return false, owner, nil
		}
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			return false, owner, fmt.Errorf("remove stale lock file: %w", rerr)
		}
	}
	return false, lockOwner{}, fmt.Errorf("lock file %s keeps reappearing", path)
}

// lockHeld reads the lock at path and reports whether its owner still holds it.
func lockHeld(path string, self lockOwner) (lockOwner, bool) {
	owner := readLockOwner(path)
	if owner.PID <= 0 {
		return owner, false
	}
	if owner.Host != "" && owner.Host != self.Host {
		info, err := os.Stat(path)
		return owner, err == nil && time.Since(info.ModTime()) < lockStaleAfter
	}
	// Same host: our own pid means an earlier open that was never released.
	if owner.PID == self.PID {
		return owner, false
	}
	alive, err := process.PidExists(int32(owner.PID))
	return owner, err == nil && alive
}

// readLockOwner parses "<pid> <host>". Files holding only a pid are treated as
// written on this host.
func readLockOwner(path string) lockOwner {
	b, err := os.ReadFile(path)
	if err != nil {
		return lockOwner{}
	}
	fields := strings.Fields(string(b))
	if len(fields) == 0 {
		return lockOwner{}
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return lockOwner{}
	}
	owner := lockOwner{PID: pid}
	if len(fields) > 1 {
		owner.Host = fields[1]
	}
	return owner
}

// refreshLock bumps the lock mtime until stop is closed.
func refreshLock(path string, stop <-chan struct{}) {
	ticker := time.NewTicker(lockRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := time.Now()
			_ = os.Chtimes(path, now, now)
		}
	}
}
