// Package app wires configuration, credentials, and integrations into the
// relay handler shared by the Lambda and dev-server entrypoints.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"wa-inbox/handler"
	"wa-inbox/internal/config"
	"wa-inbox/internal/integrations/sheets"
	"wa-inbox/internal/integrations/whatsapp"
	"wa-inbox/internal/repository"
	"wa-inbox/internal/secrets"
	"wa-inbox/internal/usecase"
)

// Secret locations. Param names are joined onto PARAM_PREFIX.
var (
	WhatsAppTokenSecret = secrets.Spec{Env: "WHATSAPP_TOKEN", Param: "whatsapp-token"}
	GoogleCredsSecret   = secrets.Spec{Env: "GOOGLE_CREDENTIALS", Param: "google-credentials"}
)

// Deps overrides what BuildRelay would otherwise construct from config.
type Deps struct {
	AWS      *aws.Config
	Resolver *secrets.Resolver
	Table    usecase.Table
}

// NewRelay loads AWS configuration when the deployment needs it and builds
// the relay handler.
func NewRelay(ctx context.Context, cfg config.Config, logger *slog.Logger) (*handler.Handler, error) {
	var deps Deps
	if cfg.ParamPrefix != "" || cfg.TableBackend == config.BackendDynamoDB {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: load AWS config: %w", err)
		}
		deps.AWS = &awsCfg
	}
	return BuildRelay(cfg, deps, logger)
}

func BuildRelay(cfg config.Config, deps Deps, logger *slog.Logger) (*handler.Handler, error) {
	if err := cfg.RequireRelay(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	resolver := deps.Resolver
	if resolver == nil {
		var opts []secrets.Option
		if cfg.ParamPrefix != "" {
			if deps.AWS == nil {
				return nil, fmt.Errorf("app: PARAM_PREFIX set without AWS config")
			}
			store, err := secrets.NewSSM(awsssm.NewFromConfig(*deps.AWS))
			if err != nil {
				return nil, fmt.Errorf("app: create SSM client: %w", err)
			}
			opts = append(opts, secrets.WithParams(store, cfg.ParamPrefix))
		}
		resolver = secrets.NewResolver(opts...)
	}

	messenger, err := whatsapp.NewClient(
		whatsapp.TokenFunc(func(ctx context.Context) (string, error) {
			return resolver.Resolve(ctx, WhatsAppTokenSecret)
		}),
		cfg.PhoneNumberID,
		whatsapp.WithBaseURL(cfg.WhatsAppBaseURL),
		whatsapp.WithAPIVersion(cfg.WhatsAppAPIVersion),
	)
	if err != nil {
		return nil, fmt.Errorf("app: create WhatsApp client: %w", err)
	}

	table := deps.Table
	if table == nil {
		table, err = buildTable(cfg, deps.AWS, resolver)
		if err != nil {
			return nil, err
		}
	}

	sendSvc, err := usecase.NewSendService(messenger, table, cfg.Codec(), cfg.SpreadsheetID, cfg.SheetRange,
		usecase.WithRateLimit(cfg.SendRatePerSec, burstFor(cfg.SendRatePerSec)),
		usecase.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("app: create send service: %w", err)
	}
	listSvc, err := usecase.NewListService(table, cfg.SpreadsheetID, cfg.SheetRange)
	if err != nil {
		return nil, fmt.Errorf("app: create list service: %w", err)
	}
	return handler.NewHandler(sendSvc, listSvc, handler.WithLogger(logger))
}

func buildTable(cfg config.Config, awsCfg *aws.Config, resolver *secrets.Resolver) (usecase.Table, error) {
	if cfg.TableBackend == config.BackendDynamoDB {
		if awsCfg == nil {
			return nil, fmt.Errorf("app: dynamodb backend without AWS config")
		}
		t, err := repository.New(awsdynamodb.NewFromConfig(*awsCfg), cfg.StateTable)
		if err != nil {
			return nil, fmt.Errorf("app: create dynamodb table: %w", err)
		}
		return t, nil
	}

	creds := GoogleCredsSecret
	creds.File = cfg.CredentialsFile
	c, err := sheets.NewClient(func(ctx context.Context) ([]byte, error) {
		v, err := resolver.Resolve(ctx, creds)
		if err != nil {
			return nil, err
		}
		return []byte(v), nil
	})
	if err != nil {
		return nil, fmt.Errorf("app: create sheets client: %w", err)
	}
	return c, nil
}

func burstFor(perSecond float64) int {
	if perSecond <= 1 {
		return 1
	}
	return int(math.Ceil(perSecond))
}
