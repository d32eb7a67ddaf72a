package remote

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/agentworkforce/sheetmirror/internal/sheetmirror"
	"go.uber.org/zap"
)

// Store is a remote store that holds connections.
type Store interface {
	sheetmirror.RemoteStore
	Close() error
}

var (
	_ Store = Noop{}
	_ Store = (*PostgresStore)(nil)
	_ Store = (*RESTStore)(nil)
)

type FactoryOptions struct {
	APIKey     string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// FromDSN picks the remote store for dsn: empty or none:// yields Noop,
// postgres:// a direct connection and http(s):// the REST API.
func FromDSN(dsn string, opts FactoryOptions) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return Noop{}, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "none", "noop", "local":
		return Noop{}, nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "http", "https":
		return NewRESTStore(RESTOptions{
			BaseURL:    dsn,
			APIKey:     opts.APIKey,
			HTTPClient: opts.HTTPClient,
			Logger:     opts.Logger,
		})
	default:
		return nil, fmt.Errorf("unsupported remote scheme: %s", parsed.Scheme)
	}
}
