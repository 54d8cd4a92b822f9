// Package channel delivers typed events to API Gateway WebSocket connections.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	"github.com/aws/smithy-go"
)

// ErrGone is returned once the addressed connection is known to be closed.
var ErrGone = errors.New("channel: connection gone")

// postAPI is the minimal API Gateway Management API surface used here.
// *apigatewaymanagementapi.Client satisfies it.
type postAPI interface {
	PostToConnection(ctx context.Context, in *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
}

// Factory binds connections to a shared management API client.
type Factory struct {
	api postAPI
	log *slog.Logger
}

func NewFactory(api postAPI, logger *slog.Logger) (*Factory, error) {
	if api == nil {
		return nil, errors.New("channel: api must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{api: api, log: logger}, nil
}

// For returns a Connection addressing connectionID.
func (f *Factory) For(connectionID string) *Connection {
	return &Connection{
		api: f.api,
		id:  strings.TrimSpace(connectionID),
		log: f.log.With("connection_id", connectionID),
	}
}

// Connection pushes events to one client session. After the first
// GoneException every Send returns ErrGone without calling the API.
// A Connection is not safe for concurrent use.
type Connection struct {
	api  postAPI
	id   string
	log  *slog.Logger
	gone bool
}

func (c *Connection) ID() string { return c.id }

// Alive reports whether the connection has not been reported gone.
func (c *Connection) Alive() bool { return !c.gone }

// Send marshals event as JSON and posts it to the connection.
func (c *Connection) Send(ctx context.Context, event any) error {
	if c.gone {
		return ErrGone
	}
	if c.id == "" {
		return errors.New("channel: connection id is empty")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("channel: marshal event: %w", err)
	}
	_, err = c.api.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(c.id),
		Data:         data,
	})
	if err == nil {
		return nil
	}
	if isGone(err) {
		c.gone = true
		c.log.Info("connection gone, suppressing further sends")
		return ErrGone
	}
	return fmt.Errorf("channel: PostToConnection: %w", err)
}

func isGone(err error) bool {
	var gone *types.GoneException
	if errors.As(err, &gone) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "GoneException"
}
