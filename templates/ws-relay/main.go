package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"

	sundaecli "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-cli"
	sundaecron "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-cron"
	sundaeddb "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ddb"
	sundaekinesis "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-kinesis"
	sundaerest "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-rest"
	sundaews "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/connectiondao"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/localgw"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/publish"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/transport"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/urfave/cli/v2"
)

var service = sundaecli.NewService("ws-relay")

var publishOpts struct {
	Subject        string
	ConnectionType string
	UserID         string
	Payload        string
}

func main() {
	app := sundaecli.App(
		service,
		websocket,
		flags(sundaecli.PortFlag(sundaecli.DefaultPort))...,
	)
	app.Commands = []*cli.Command{
		sundaecli.Command("dispatch", "fan out envelopes published to the relay stream", dispatch,
			flags(sundaekinesis.KinesisFlags...)...,
		),
		sundaecli.Command("push-api", "serve the HTTP push API", pushAPI,
			flags(sundaecli.PortFlag(sundaecli.DefaultPort+1), sundaews.PushAPIKeyFlag)...,
		),
		sundaecli.Command("sweep", "delete connection records past their ttl", sweep,
			flags()...,
		),
		sundaecli.Command("expiry", "record connections that expired without a disconnect", expiry,
			append(sundaecli.CommonFlags, sundaeddb.DDBFlags...)...,
		),
		sundaecli.Command("publish", "publish one envelope to the relay stream", publishEnvelope,
			append(sundaecli.CommonFlags,
				sundaekinesis.StreamNameFlag,
				sundaecli.StringFlag("subject", "subject to publish to", &publishOpts.Subject),
				sundaecli.StringFlag("connection-type", "connection type of the subscribers", &publishOpts.ConnectionType),
				sundaecli.StringFlag("user-id", "publish to a user's connections instead of a subject", &publishOpts.UserID),
				sundaecli.StringFlag("payload", "JSON payload to deliver", &publishOpts.Payload),
			)...,
		),
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatalln(err)
	}
}

// flags returns the common, directory and relay flags followed by extra.
func flags(extra ...cli.Flag) []cli.Flag {
	var all []cli.Flag
	all = append(all, sundaecli.CommonFlags...)
	all = append(all, sundaeddb.DAXClusterFlag, sundaeddb.EndpointFlag)
	all = append(all, sundaews.DirectoryFlags...)
	all = append(all, sundaews.RelayFlags...)
	return append(all, extra...)
}

// websocket handles API Gateway WebSocket events. In console mode it serves
// WebSocket connections itself through localgw.
func websocket(_ *cli.Context) error {
	logger := sundaecli.Logger(service)

	directory, err := buildDirectory()
	if err != nil {
		return err
	}
	client, err := buildBackend()
	if err != nil {
		return err
	}

	router := &sundaews.Router{
		Directory:   directory,
		Backend:     client,
		Transports:  transport.ManagementFactory(awsSession()),
		Endpoint:    sundaews.RelayOpts.APIGatewayEndpoint,
		Logger:      logger,
		Metrics:     metrics(service),
		ConnTTL:     sundaews.RelayOpts.ConnTTL,
		Concurrency: sundaews.RelayOpts.FanoutConcurrency,
	}

	if !sundaecli.CommonOpts.Console {
		lambda.Start(router.HandleEvent)
		return nil
	}

	gw := localgw.New(router, logger)
	router.Transports = gw.Factory()
	router.Endpoint = ""

	addr := fmt.Sprintf(":%v", sundaecli.CommonOpts.Port)
	logger.Info().Str("addr", addr).Msg("listening for websocket connections")
	return http.ListenAndServe(addr, gw)
}

func dispatch(_ *cli.Context) error {
	directory, err := buildDirectory()
	if err != nil {
		return err
	}

	svc := service.Named("dispatch")
	dispatcher := &sundaews.Dispatcher{
		Directory:   directory,
		Transports:  transport.ManagementFactory(awsSession()),
		Endpoint:    sundaews.RelayOpts.APIGatewayEndpoint,
		Concurrency: sundaews.RelayOpts.FanoutConcurrency,
		Metrics:     metrics(svc),
	}

	handler := sundaekinesis.NewGenericHandler(svc, publish.StreamName(sundaecli.CommonOpts.Env), dispatcher.HandleRecord)
	return handler.Start()
}

func pushAPI(_ *cli.Context) error {
	directory, err := buildDirectory()
	if err != nil {
		return err
	}

	svc := service.Named("push-api")
	api := &sundaews.PushAPI{
		Directory:  directory,
		Transports: transport.ManagementFactory(awsSession()),
		Endpoint:   sundaews.RelayOpts.APIGatewayEndpoint,
		Broadcaster: sundaews.Broadcaster{
			Concurrency: sundaews.RelayOpts.FanoutConcurrency,
			Metrics:     metrics(svc),
		},
		APIKey: sundaews.RelayOpts.PushAPIKey,
	}

	return sundaerest.Webserver(svc, sundaerest.Middlewares(svc, api.Routes()))
}

// sweep only applies to the DynamoDB directory; Redis expires keys itself.
func sweep(_ *cli.Context) error {
	svc := service.Named("sweep")
	if sundaews.RelayOpts.Directory == sundaews.RedisDirectory {
		logger := sundaecli.Logger(svc)
		logger.Info().Msg("redis directory expires its own records, nothing to sweep")
		return nil
	}

	dao, err := buildDAO()
	if err != nil {
		return err
	}

	sweeper := &sundaews.Sweeper{
		Directory: dao,
		Metrics:   metrics(svc),
	}
	return sundaecron.NewHandler(svc, sweeper.RunOnce).Start()
}

func expiry(_ *cli.Context) error {
	svc := service.Named("expiry")
	observer := &sundaews.ExpiryObserver{Metrics: metrics(svc)}

	handler := sundaeddb.NewHandler(svc, nil, nil, observer.OnDelete)
	return handler.Start()
}

func publishEnvelope(c *cli.Context) error {
	logger := sundaecli.Logger(service.Named("publish"))

	connectionType, err := connectiondao.ParseConnectionType(publishOpts.ConnectionType)
	if err != nil {
		return err
	}

	envelope := publish.Envelope{
		Subject:        publishOpts.Subject,
		ConnectionType: connectionType,
		UserID:         publishOpts.UserID,
		Payload:        json.RawMessage(publishOpts.Payload),
	}
	if err := envelope.Validate(); err != nil {
		return err
	}

	streamName := sundaekinesis.KinesisOpts.StreamName
	if streamName == "" {
		streamName = publish.StreamName(sundaecli.CommonOpts.Env)
	}
	if sundaecli.CommonOpts.Dry {
		logger.Info().Str("stream", streamName).Str("target", envelope.Target()).Msg("dry run, not publishing")
		return nil
	}

	publisher := publish.New(kinesis.New(awsSession()), streamName)
	if err := publisher.Send(c.Context, envelope); err != nil {
		return err
	}
	logger.Info().Str("stream", streamName).Str("target", envelope.Target()).Msg("published")
	return nil
}
