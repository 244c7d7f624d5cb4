package sundaews

import (
	"time"

	sundaecli "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-cli"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/backend"
	"github.com/urfave/cli/v2"
)

const (
	DynamoDBDirectory = "dynamodb"
	RedisDirectory    = "redis"
)

var RelayOpts struct {
	BackendURL         string
	BackendTimeout     time.Duration
	BackendSecret      string
	ConnectionsTable   string
	ConnectionIndex    string
	APIGatewayEndpoint string
	FanoutConcurrency  int
	ConnTTL            time.Duration
	Directory          string
	RedisAddr          string
	RedisPassword      string
	PushAPIKey         string
}

var (
	BackendURLFlag         = sundaecli.StringFlag("backend-url", "Base URL of the HTTP backend messages are relayed to", &RelayOpts.BackendURL)
	BackendTimeoutFlag     = sundaecli.DurationFlag("backend-timeout", "Timeout for each backend call", &RelayOpts.BackendTimeout, backend.DefaultTimeout)
	BackendSecretFlag      = sundaecli.StringFlag("backend-secret", "Secrets Manager secret holding the backend api_key", &RelayOpts.BackendSecret)
	ConnectionsTableFlag   = sundaecli.StringFlag("connections-table", "DynamoDB connections table; defaults to {env}-sundae-ws--connections", &RelayOpts.ConnectionsTable)
	ConnectionIndexFlag    = sundaecli.StringFlag("connection-index", "GSI on connection_id used instead of scanning, if the table has one", &RelayOpts.ConnectionIndex)
	APIGatewayEndpointFlag = sundaecli.StringFlag("api-gateway-endpoint", "API Gateway management endpoint; derived from each event when unset", &RelayOpts.APIGatewayEndpoint)
	FanoutConcurrencyFlag  = sundaecli.IntFlag("fanout-concurrency", "Maximum concurrent sends per broadcast", &RelayOpts.FanoutConcurrency, DefaultConcurrency)
	ConnTTLFlag            = sundaecli.DurationFlag("conn-ttl", "How long a connection record lives without a disconnect", &RelayOpts.ConnTTL, DefaultConnTTL)
	DirectoryFlag          = sundaecli.StringFlag("directory", "Connection directory backend: dynamodb or redis", &RelayOpts.Directory, DynamoDBDirectory)
	RedisAddrFlag          = sundaecli.StringFlag("redis-addr", "Redis address for the redis directory", &RelayOpts.RedisAddr, "localhost:6379")
	RedisPasswordFlag      = sundaecli.StringFlag("redis-password", "Redis password for the redis directory", &RelayOpts.RedisPassword)
	PushAPIKeyFlag         = sundaecli.StringFlag("push-api-key", "API key required by the push API", &RelayOpts.PushAPIKey)
)

var DirectoryFlags = []cli.Flag{
	ConnectionsTableFlag,
	ConnectionIndexFlag,
	DirectoryFlag,
	RedisAddrFlag,
	RedisPasswordFlag,
}

var RelayFlags = []cli.Flag{
	BackendURLFlag,
	BackendTimeoutFlag,
	BackendSecretFlag,
	APIGatewayEndpointFlag,
	FanoutConcurrencyFlag,
	ConnTTLFlag,
}
