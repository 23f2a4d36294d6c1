package objectstore

import (
	"fmt"
	"strings"
)

// Connection is a parsed location. Remote is false for plain paths.
type Connection struct {
	Remote bool
	Config Config
	Path   string
}

// ParseConnection understands "s3://key:secret@host/bucket/path" and
// "cos://..." connection strings. Anything else is returned as a plain path.
// Remote connections inherit Region and UseSSL from base; the host selects
// TLS unless it carries an explicit "http+" scheme prefix.
func ParseConnection(raw string, base Config) (Connection, error) {
	raw = strings.TrimSpace(raw)
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return Connection{Path: raw}, nil
	}
	useSSL := true
	switch strings.ToLower(scheme) {
	case "s3", "cos":
	case "http+s3", "http+cos":
		useSSL = false
	default:
		return Connection{Path: raw}, nil
	}

	creds, location, ok := strings.Cut(rest, "@")
	if !ok {
		// s3://bucket/path: reuse the default credentials
		cfg := base
		return Connection{Remote: true, Config: cfg, Path: strings.Trim(rest, "/")}, nil
	}
	accessKey, secretKey, ok := strings.Cut(creds, ":")
	if !ok || accessKey == "" || secretKey == "" {
		return Connection{}, fmt.Errorf("connection string must carry access_key:secret_key")
	}
	host, path, _ := strings.Cut(location, "/")
	if host == "" {
		return Connection{}, fmt.Errorf("connection string must carry an endpoint host")
	}
	cfg := Config{
		Endpoint:  host,
		AccessKey: accessKey,
		SecretKey: secretKey,
		Region:    base.Region,
		UseSSL:    useSSL,
	}
	return Connection{Remote: true, Config: cfg, Path: strings.Trim(path, "/")}, nil
}

// Redacted renders the connection without its secret.
func (c Connection) Redacted() string {
	if !c.Remote {
		return c.Path
	}
	return fmt.Sprintf("s3://%s@%s/%s", c.Config.AccessKey, c.Config.Endpoint, c.Path)
}
