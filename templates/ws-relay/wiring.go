package main

import (
	"fmt"

	sundaecli "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-cli"
	sundaeddb "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ddb"
	sundaesecret "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-secret"
	sundaews "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/backend"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/connectiondao"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/redisdir"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
)

// awsSession is for everything except DynamoDB, which may be pointed at a
// local endpoint through sundaeddb.Session.
func awsSession() *session.Session {
	return session.Must(session.NewSession())
}

func buildDirectory() (sundaews.Directory, error) {
	switch sundaews.RelayOpts.Directory {
	case sundaews.DynamoDBDirectory, "":
		return buildDAO()
	case sundaews.RedisDirectory:
		return redisdir.Build(sundaews.RelayOpts.RedisAddr, sundaews.RelayOpts.RedisPassword), nil
	default:
		return nil, fmt.Errorf("unknown directory %q, want %v or %v", sundaews.RelayOpts.Directory, sundaews.DynamoDBDirectory, sundaews.RedisDirectory)
	}
}

func buildDAO() (*connectiondao.DAO, error) {
	api, err := sundaeddb.DynamoDBAPI(sundaeddb.Session())
	if err != nil {
		return nil, err
	}

	var opts []connectiondao.Option
	if index := sundaews.RelayOpts.ConnectionIndex; index != "" {
		opts = append(opts, connectiondao.WithConnectionIndex(index))
	}
	if table := sundaews.RelayOpts.ConnectionsTable; table != "" {
		return connectiondao.New(api, table, opts...), nil
	}
	return connectiondao.Build(api, sundaecli.CommonOpts.Env, opts...), nil
}

func buildBackend() (*backend.Client, error) {
	apiKey, err := sundaesecret.LoadAPIKey(awsSession(), sundaews.RelayOpts.BackendSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to load backend api key: %w", err)
	}
	return backend.New(
		sundaews.RelayOpts.BackendURL,
		backend.WithTimeout(sundaews.RelayOpts.BackendTimeout),
		backend.WithAPIKey(apiKey),
	), nil
}

// metrics go to CloudWatch except in console and dry runs.
func metrics(svc sundaecli.Service) sundaecli.Recorder {
	if sundaecli.CommonOpts.Console || sundaecli.CommonOpts.Dry {
		return sundaecli.NewMetrics(svc, nil)
	}
	return sundaecli.NewMetrics(svc, cloudwatch.New(awsSession()))
}
