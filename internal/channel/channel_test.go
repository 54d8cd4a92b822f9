package channel

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"
)

type fakePoster struct {
	err   error
	calls int
	last  *apigatewaymanagementapi.PostToConnectionInput
}

func (f *fakePoster) PostToConnection(_ context.Context, in *apigatewaymanagementapi.PostToConnectionInput, _ ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error) {
	f.calls++
	f.last = in
	return &apigatewaymanagementapi.PostToConnectionOutput{}, f.err
}

func mustFactory(t *testing.T, api postAPI) *Factory {
	t.Helper()
	f, err := NewFactory(api, nil)
	require.NoError(t, err)
	return f
}

func TestNewFactory_NilAPI(t *testing.T) {
	_, err := NewFactory(nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestSend_PostsJSON(t *testing.T) {
	api := &fakePoster{}
	conn := mustFactory(t, api).For("conn-1")

	err := conn.Send(context.Background(), map[string]string{"type": "message_start"})
	require.NoError(t, err)
	require.Equal(t, "conn-1", *api.last.ConnectionId)

	var got map[string]string
	require.NoError(t, json.Unmarshal(api.last.Data, &got))
	require.Equal(t, "message_start", got["type"])
	require.True(t, conn.Alive())
}

func TestSend_GoneSuppressesFurtherSends(t *testing.T) {
	api := &fakePoster{err: &types.GoneException{}}
	conn := mustFactory(t, api).For("conn-1")

	require.ErrorIs(t, conn.Send(context.Background(), "a"), ErrGone)
	require.False(t, conn.Alive())
	require.ErrorIs(t, conn.Send(context.Background(), "b"), ErrGone)
	require.Equal(t, 1, api.calls)
}

func TestSend_GoneByErrorCode(t *testing.T) {
	api := &fakePoster{err: &smithy.GenericAPIError{Code: "GoneException", Message: "gone"}}
	conn := mustFactory(t, api).For("conn-1")
	require.ErrorIs(t, conn.Send(context.Background(), "a"), ErrGone)
}

func TestSend_OtherErrorKeepsConnectionAlive(t *testing.T) {
	api := &fakePoster{err: errors.New("throttled")}
	conn := mustFactory(t, api).For("conn-1")

	err := conn.Send(context.Background(), "a")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrGone)
	require.True(t, conn.Alive())
}

func TestSend_EmptyConnectionID(t *testing.T) {
	api := &fakePoster{}
	err := mustFactory(t, api).For(" ").Send(context.Background(), "a")
	require.Error(t, err)
	require.Zero(t, api.calls)
}
