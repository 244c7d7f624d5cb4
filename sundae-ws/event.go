package sundaews

import (
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
)

const (
	RouteConnect    = "$connect"
	RouteDisconnect = "$disconnect"
	RouteDefault    = "$default"
)

// Event is a gateway lifecycle event, independent of how it arrived.
type Event struct {
	Route        string
	ConnectionID string
	DomainName   string
	Stage        string
	QueryParams  map[string]string
	Body         string
}

// Endpoint is the push endpoint derived from the event's request context.
func (e Event) Endpoint() string {
	if e.DomainName == "" || e.Stage == "" {
		return ""
	}
	return fmt.Sprintf("https://%v/%v", e.DomainName, e.Stage)
}

func EventFromRequest(req events.APIGatewayWebsocketProxyRequest) Event {
	body := req.Body
	if req.IsBase64Encoded {
		if data, err := base64.StdEncoding.DecodeString(body); err == nil {
			body = string(data)
		}
	}
	return Event{
		Route:        req.RequestContext.RouteKey,
		ConnectionID: req.RequestContext.ConnectionID,
		DomainName:   req.RequestContext.DomainName,
		Stage:        req.RequestContext.Stage,
		QueryParams:  req.QueryStringParameters,
		Body:         body,
	}
}

// Outcome is the definite result of handling one event.
type Outcome struct {
	StatusCode int
	Body       string
	Err        error
}

func ok() Outcome {
	return Outcome{StatusCode: 200}
}

func failure(err error) Outcome {
	return Outcome{
		StatusCode: StatusCode(err),
		Body:       errorBody(err),
		Err:        err,
	}
}

func (o Outcome) Response() events.APIGatewayProxyResponse {
	resp := events.APIGatewayProxyResponse{
		StatusCode: o.StatusCode,
		Body:       o.Body,
	}
	if o.Body != "" {
		resp.Headers = map[string]string{"Content-Type": "application/json"}
	}
	return resp
}
