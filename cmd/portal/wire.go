package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/training-portal/internal/backend"
	"github.com/iliyamo/training-portal/internal/config"
	"github.com/iliyamo/training-portal/internal/database"
	"github.com/iliyamo/training-portal/internal/session"
	"github.com/iliyamo/training-portal/internal/tokenstore"
)

func newLogger(prefix, level string) *log.Logger {
	l := log.New(prefix)
	l.SetLevel(parseLevel(level))
	return l
}

func parseLevel(s string) log.Lvl {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return log.DEBUG
	case "WARN":
		return log.WARN
	case "ERROR":
		return log.ERROR
	case "OFF":
		return log.OFF
	default:
		return log.INFO
	}
}

// tokenBackend opens the Token Store backend selected by TOKEN_BACKEND.
// rdb is required for the redis backend.  The returned close function
// releases what was opened here.
func tokenBackend(ctx context.Context, cfg config.Config, rdb *redis.Client) (tokenstore.Backend, func(), error) {
	nop := func() {}
	switch cfg.Token.Backend {
	case "memory":
		return tokenstore.NewMemoryBackend(), nop, nil
	case "file":
		b, err := tokenstore.NewFileBackend(cfg.Token.File)
		return b, nop, err
	case "redis":
		if rdb == nil {
			return nil, nop, fmt.Errorf("TOKEN_BACKEND=redis but redis is unreachable")
		}
		return tokenstore.NewRedisBackend(rdb, cfg.Token.TTL), nop, nil
	case "mysql", "postgres":
		var (
			db  *sql.DB
			err error
		)
		dialect := tokenstore.MySQL
		if cfg.Token.Backend == "postgres" {
			dialect = tokenstore.Postgres
			db, err = database.OpenPostgres(cfg.DatabaseURL)
		} else {
			db, err = database.OpenMySQL(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
		}
		if err != nil {
			return nil, nop, err
		}
		b, err := tokenstore.NewSQLBackend(ctx, db, dialect)
		if err != nil {
			_ = db.Close()
			return nil, nop, err
		}
		return b, func() { _ = db.Close() }, nil
	}
	return nil, nop, fmt.Errorf("unknown TOKEN_BACKEND %q", cfg.Token.Backend)
}

// managerFactory builds one manager per client profile, each with its own
// backend client (and so its own anti-forgery cookie jar) and Token Store
// slot.
func managerFactory(cfg config.Config, tb tokenstore.Backend, logger echo.Logger, opts ...session.Option) (session.Factory, error) {
	var storeOpts []tokenstore.Option
	storeOpts = append(storeOpts, tokenstore.WithLogger(logger))
	if cfg.Token.SealKey != "" {
		sealer, err := tokenstore.NewSealer(cfg.Token.SealKey)
		if err != nil {
			return nil, err
		}
		storeOpts = append(storeOpts, tokenstore.WithSealer(sealer))
	}
	return func(ctx context.Context, profileID string) (*session.Manager, error) {
		api, err := backend.New(cfg.BackendURL, cfg.APIPrefix, cfg.CSRFPath,
			backend.WithHTTPClient(&http.Client{Timeout: 2 * cfg.RequestTimeout}))
		if err != nil {
			return nil, err
		}
		store := tokenstore.New(tb, tokenstore.Key(cfg.Token.Prefix, profileID), storeOpts...)
		all := append([]session.Option{
			session.WithLogger(logger),
			session.WithTimeout(cfg.RequestTimeout),
			session.WithProfileID(profileID),
		}, opts...)
		return session.New(ctx, api, store, all...), nil
	}, nil
}
