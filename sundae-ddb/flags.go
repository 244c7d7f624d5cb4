package sundaeddb

import (
	sundaecli "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-cli"
	"github.com/urfave/cli/v2"
)

var DDBOpts struct {
	DAXCluster string
	Endpoint   string
	TableName  string
}

var DAXClusterFlag = sundaecli.StringFlag("dax-cluster", "The DAX cluster to connect to", &DDBOpts.DAXCluster)
var EndpointFlag = sundaecli.StringFlag("ddb-endpoint", "Override the DynamoDB endpoint, e.g. http://localhost:8000", &DDBOpts.Endpoint)
var TableNameFlag = sundaecli.StringFlag("table-name", "The table name to read streams from", &DDBOpts.TableName)

var DDBFlags = []cli.Flag{
	DAXClusterFlag,
	EndpointFlag,
	TableNameFlag,
}
