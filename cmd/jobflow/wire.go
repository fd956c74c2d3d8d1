package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/songzhibin97/jobflow/config"
	"github.com/songzhibin97/jobflow/logging"
	"github.com/songzhibin97/jobflow/mail"
	"github.com/songzhibin97/jobflow/storage"
)

// newStorage builds the rule repository and record store selected by cfg.
// The returned function releases their connections.
func newStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Storage, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	memory := storage.NewMemoryStorage()

	var pg *storage.PostgresStorage
	if cfg.UsesPostgres() {
		var err error
		pg, err = storage.NewPostgresStorage(ctx, cfg.Storage.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, pg.Close)
	}

	composite := storage.Composite{}

	switch cfg.Storage.Rules {
	case config.DriverRedis:
		rs, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() {
			if err := rs.Close(); err != nil {
				logger.Warn("close redis", zap.Error(err))
			}
		})
		composite.RuleRepository = rs
	case config.DriverPostgres:
		composite.RuleRepository = pg
	case config.DriverMemory:
		composite.RuleRepository = memory
	default:
		closeAll()
		return nil, nil, fmt.Errorf("%w: rules driver %q", config.ErrInvalidConfig, cfg.Storage.Rules)
	}

	switch cfg.Storage.Records {
	case config.DriverPostgres:
		composite.RecordStore = pg
	case config.DriverMemory:
		composite.RecordStore = memory
	default:
		closeAll()
		return nil, nil, fmt.Errorf("%w: records driver %q", config.ErrInvalidConfig, cfg.Storage.Records)
	}

	logging.WithModule(logger, "storage").Info("storage ready",
		zap.String("rules", cfg.Storage.Rules),
		zap.String("records", cfg.Storage.Records))
	return composite, closeAll, nil
}

func newMailer(cfg *config.Config, logger *zap.Logger) mail.Mailer {
	if cfg.Mail.Driver == config.MailHTTP {
		return mail.NewHTTPMailer(cfg.Mail.Endpoint,
			mail.WithAPIKey(cfg.Mail.APIKey),
			mail.WithFrom(cfg.Mail.From),
		)
	}
	return mail.NewLogMailer(logging.WithModule(logger, "mail"))
}
