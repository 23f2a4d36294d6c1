package workerid

import (
	"os"
	"strings"

	"github.com/google/uuid"
)

// New returns "<hostname>-<uuid>" so lock markers can be traced back to a pod or host.
func New() string {
	id := uuid.NewString()
	host, err := os.Hostname()
	host = strings.TrimSpace(host)
	if err != nil || host == "" {
		return id
	}
	return host + "-" + id
}
