package replica

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/replicasync/replica/internal/replica/auth"
	"github.com/replicasync/replica/internal/replica/metrics"
	"github.com/replicasync/replica/internal/replica/schema"
)

// ErrInvalidURL is returned by Build for a replica URL it cannot split into
// a sync endpoint and a path.
var ErrInvalidURL = errors.New("invalid replica URL")

// Configuration describes one replica. Build it with NewConfiguration.
type Configuration struct {
	User      *auth.User
	ServerURL string
	Path      string
	Directory string
	Schema    *schema.Schema

	ErrorHandler             func(error)
	WaitForInitialRemoteData bool
	InitialDataTimeout       time.Duration
	PollInterval             time.Duration

	Logger  *log.Logger
	Metrics *metrics.Metrics
}

// Synced reports whether the configuration has a server to sync with.
func (c *Configuration) Synced() bool {
	return c.User != nil
}

// DBPath is the local database file: <directory>/<identity>/<name>.db.
func (c *Configuration) DBPath() string {
	owner := "local"
	if c.User != nil && c.User.Identity != "" {
		owner = c.User.Identity
	}
	name := c.Path
	if strings.HasPrefix(name, "~/") {
		name = name[2:]
	} else if _, rest, ok := strings.Cut(strings.TrimPrefix(name, "/"), "/"); ok {
		name = rest
	}
	name = strings.ReplaceAll(strings.Trim(name, "/"), "/", "_")
	if name == "" {
		name = "default"
	}
	return filepath.Join(c.Directory, owner, name+".db")
}

// ConfigurationBuilder assembles a Configuration.
type ConfigurationBuilder struct {
	c   Configuration
	url string
}

// NewConfiguration starts a configuration for user and a replica URL such as
// ws://host:7800/~/cars or ws://host/sync/~/cars. A nil user yields a local
// replica; url then only names the local database.
func NewConfiguration(user *auth.User, rawURL string) *ConfigurationBuilder {
	return &ConfigurationBuilder{
		c: Configuration{
			User:               user,
			Directory:          ".replica",
			InitialDataTimeout: time.Minute,
		},
		url: rawURL,
	}
}

// Directory sets where local databases live (default: .replica).
func (b *ConfigurationBuilder) Directory(dir string) *ConfigurationBuilder {
	b.c.Directory = dir
	return b
}

// Schema sets the object model (default: schema.Default()).
func (b *ConfigurationBuilder) Schema(s *schema.Schema) *ConfigurationBuilder {
	b.c.Schema = s
	return b
}

// ErrorHandler receives sync session errors.
func (b *ConfigurationBuilder) ErrorHandler(fn func(error)) *ConfigurationBuilder {
	b.c.ErrorHandler = fn
	return b
}

// WaitForInitialRemoteData makes Open block until the server history has
// been downloaded once.
func (b *ConfigurationBuilder) WaitForInitialRemoteData() *ConfigurationBuilder {
	b.c.WaitForInitialRemoteData = true
	return b
}

// InitialDataTimeout bounds the initial wait (default: 1m).
func (b *ConfigurationBuilder) InitialDataTimeout(d time.Duration) *ConfigurationBuilder {
	b.c.InitialDataTimeout = d
	return b
}

// PollInterval sets the upload journal tail interval.
func (b *ConfigurationBuilder) PollInterval(d time.Duration) *ConfigurationBuilder {
	b.c.PollInterval = d
	return b
}

// Logger sets the logger for the replica's components (default: stderr,
// prefixed "[replica] ").
func (b *ConfigurationBuilder) Logger(l *log.Logger) *ConfigurationBuilder {
	b.c.Logger = l
	return b
}

// Metrics sets the metrics the replica records to.
func (b *ConfigurationBuilder) Metrics(m *metrics.Metrics) *ConfigurationBuilder {
	b.c.Metrics = m
	return b
}

// Build validates and returns the configuration.
func (b *ConfigurationBuilder) Build() (*Configuration, error) {
	c := b.c
	if c.Schema == nil {
		c.Schema = schema.Default()
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}

	serverURL, path, err := SplitURL(b.url)
	if err != nil {
		return nil, err
	}
	c.ServerURL, c.Path = serverURL, path
	if c.User != nil && c.User.ServerURL != "" && c.ServerURL == "" {
		c.ServerURL = c.User.ServerURL
	}
	if c.User != nil && c.ServerURL == "" {
		return nil, fmt.Errorf("%w: %q has no server", ErrInvalidURL, b.url)
	}
	return &c, nil
}

func defaultLogger() *log.Logger {
	return log.New(os.Stderr, "[replica] ", log.LstdFlags)
}

// SplitURL splits a replica URL into the websocket sync endpoint and the
// synced path. A bare path ("~/cars") yields no endpoint.
//
//	ws://host:7800/~/cars       -> ws://host:7800/sync, ~/cars
//	ws://host/sync/u1/cars      -> ws://host/sync,      /u1/cars
//	http://host/~/cars          -> ws://host/sync,      ~/cars
func SplitURL(raw string) (serverURL, path string, err error) {
	if raw == "" {
		return "", "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	if strings.HasPrefix(raw, "~/") || strings.HasPrefix(raw, "/") {
		return "", raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	p := u.Path
	if p == "/sync" || strings.HasPrefix(p, "/sync/") {
		p = p[len("/sync"):]
	}
	switch {
	case strings.HasPrefix(p, "/~/"):
		path = p[1:]
	case len(p) > 1:
		path = p
	default:
		return "", "", fmt.Errorf("%w: %q has no path", ErrInvalidURL, raw)
	}

	endpoint := url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/sync"}
	return endpoint.String(), path, nil
}
