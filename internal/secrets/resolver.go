// Package secrets resolves credentials from the environment, SSM Parameter
// Store, or a local file, in that order.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// ErrNotFound is returned when no source holds a value for a secret.
var ErrNotFound = errors.New("secrets: not found")

// ParamGetter is satisfied by *SSM.
type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Spec names a secret and the places it may be read from. Empty fields are
// skipped.
type Spec struct {
	Env   string
	Param string
	File  string
}

func (s Spec) String() string {
	parts := make([]string, 0, 3)
	if s.Env != "" {
		parts = append(parts, "env "+s.Env)
	}
	if s.Param != "" {
		parts = append(parts, "param "+s.Param)
	}
	if s.File != "" {
		parts = append(parts, "file "+s.File)
	}
	return strings.Join(parts, ", ")
}

type Resolver struct {
	getenv      func(string) string
	params      ParamGetter
	paramPrefix string
	fs          afero.Fs
}

type Option func(*Resolver)

// WithParams enables the SSM source. Parameter names are joined onto prefix.
func WithParams(p ParamGetter, prefix string) Option {
	return func(r *Resolver) {
		r.params = p
		r.paramPrefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	}
}

func WithFs(fs afero.Fs) Option {
	return func(r *Resolver) {
		r.fs = fs
	}
}

func WithGetenv(getenv func(string) string) Option {
	return func(r *Resolver) {
		r.getenv = getenv
	}
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		getenv: os.Getenv,
		fs:     afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the first non-empty value for s. SSM values stored as
// {"token":"..."} are unwrapped.
func (r *Resolver) Resolve(ctx context.Context, s Spec) (string, error) {
	if s.Env != "" {
		if v := strings.TrimSpace(r.getenv(s.Env)); v != "" {
			return v, nil
		}
	}

	if s.Param != "" && r.params != nil && r.paramPrefix != "" {
		raw, err := r.params.GetParameter(ctx, path.Join(r.paramPrefix, s.Param))
		if err != nil {
			return "", fmt.Errorf("secrets: resolve %s: %w", s, err)
		}
		v, err := unwrapToken(raw)
		if err != nil {
			return "", fmt.Errorf("secrets: resolve %s: %w", s, err)
		}
		return v, nil
	}

	if s.File != "" && r.fs != nil {
		buf, err := afero.ReadFile(r.fs, s.File)
		switch {
		case err == nil:
			if v := strings.TrimSpace(string(buf)); v != "" {
				return v, nil
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return "", fmt.Errorf("secrets: read %s: %w", s.File, err)
		}
	}

	return "", fmt.Errorf("%w (%s)", ErrNotFound, s)
}

type tokenPayload struct {
	Token *string `json:"token"`
}

// unwrapToken returns the token field of a JSON object holding one, and the
// raw value otherwise.
func unwrapToken(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed, nil
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(trimmed), &tp); err != nil {
		return "", fmt.Errorf("unmarshal parameter value as JSON: %w", err)
	}
	if tp.Token == nil {
		return trimmed, nil
	}
	if strings.TrimSpace(*tp.Token) == "" {
		return "", errors.New("token is empty")
	}
	return strings.TrimSpace(*tp.Token), nil
}
