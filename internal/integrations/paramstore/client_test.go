package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	getOut  *ssm.GetParameterOutput
	getErr  error
	gotName string
	decrypt bool
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.gotName = *in.Name
	f.decrypt = *in.WithDecryption
	return f.getOut, f.getErr
}

func strPtr(s string) *string { return &s }

func TestGetParameter(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("/conductor/llm-api-key"), Value: strPtr("sk-test"), Type: types.ParameterTypeSecureString,
	}}}
	client, err := New(api)
	require.NoError(t, err)

	v, err := client.GetParameter(context.Background(), " /conductor/llm-api-key ")
	require.NoError(t, err)
	require.Equal(t, "sk-test", v)
	require.Equal(t, "/conductor/llm-api-key", api.gotName)
	require.True(t, api.decrypt)
}

func TestGetParameterNotFound(t *testing.T) {
	client, err := New(&fakeAPI{getErr: &types.ParameterNotFound{}})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "/missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetParameterErrors(t *testing.T) {
	client, err := New(&fakeAPI{getErr: errors.New("boom")})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "boom")
	require.NotErrorIs(t, err, ErrNotFound)

	client, err = New(&fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p")}}})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "missing value")

	_, err = client.GetParameter(context.Background(), "  ")
	require.ErrorContains(t, err, "required")

	_, err = (&Client{}).GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "not initialized")

	_, err = New(nil)
	require.ErrorContains(t, err, "must not be nil")
}

func TestName(t *testing.T) {
	require.Equal(t, "/conductor/prod/llm-api-key", Name("/conductor/prod/", "llm-api-key"))
	require.Equal(t, "/conductor/x", Name("/conductor", "/x"))
}
