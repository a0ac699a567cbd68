package guard

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// dropPrivileges switches the process to the specified user and group.
// Empty names mean no switch. The group is dropped first since setgid
// is no longer permitted once the user privileges are gone.
func dropPrivileges(userName string, groupName string) error {
	if groupName != "" {
		grp, err := user.LookupGroup(groupName)
		if err != nil {
			return fmt.Errorf("failed to look up group %q, reason: %v", groupName, err)
		}
		gid, err := strconv.Atoi(grp.Gid)
		if err != nil {
			return fmt.Errorf("failed to parse gid %q for group %q, reason: %v", grp.Gid, groupName, err)
		}
		if err := unix.Setgid(gid); err != nil {
			return fmt.Errorf("failed to switch to group %q, reason: %v", groupName, err)
		}
	}

	if userName != "" {
		usr, err := user.Lookup(userName)
		if err != nil {
			return fmt.Errorf("failed to look up user %q, reason: %v", userName, err)
		}
		uid, err := strconv.Atoi(usr.Uid)
		if err != nil {
			return fmt.Errorf("failed to parse uid %q for user %q, reason: %v", usr.Uid, userName, err)
		}
		if err := unix.Setuid(uid); err != nil {
			return fmt.Errorf("failed to switch to user %q, reason: %v", userName, err)
		}
	}

	return nil
}
