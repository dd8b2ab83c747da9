package profile

import (
	"fmt"
	"regexp"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// maxSocketPath is the smallest sun_path among supported platforms, less
// the terminating NUL.
const maxSocketPath = 103

// ValidateName checks that name is a usable profile: it must match
// ^[a-z0-9_-]{1,64}$ and its daemon socket must fit a Unix socket address.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	if sock := SocketPath(name); len(sock) > maxSocketPath {
		return fmt.Errorf("profile %q: socket path %s is %d bytes, the limit is %d; set %s to a shorter directory",
			name, sock, len(sock), maxSocketPath, HomeEnv)
	}
	return nil
}
