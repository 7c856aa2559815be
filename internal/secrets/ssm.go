package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by SSM.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSM reads decrypted SecureString parameters from AWS Systems Manager.
type SSM struct {
	api ssmAPI
}

func NewSSM(api ssmAPI) (*SSM, error) {
	if api == nil {
		return nil, errors.New("secrets: ssm api must not be nil")
	}
	return &SSM{api: api}, nil
}

func (s *SSM) GetParameter(ctx context.Context, name string) (string, error) {
	if s == nil || s.api == nil {
		return "", errors.New("secrets: ssm client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("secrets: parameter name is required")
	}

	withDecryption := true
	out, err := s.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("secrets: parameter %q missing value", name)
	}
	return *out.Parameter.Value, nil
}
