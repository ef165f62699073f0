// Package data provides the database and broker connection layer shared
// by every component: a pooled Postgres connection and a Redis client,
// built with the same retry-with-timeout discipline regardless of which
// backend is slow to come up.
package data

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"
)

// Conn bundles the connections a worker process needs for its lifetime.
type Conn struct {
	DB                   *pgxpool.Pool
	Cache                *redis.Client
	ExecutionEnvironment string
}

type dbConnResult struct {
	conn *pgxpool.Pool
	err  error
}

type redisConnResult struct {
	client *redis.Client
	err    error
}

// InitConn builds the Conn from environment configuration, retrying
// both backends for up to 90 seconds before giving up.
func InitConn(ctx context.Context, logger *zap.SugaredLogger, inContainer bool) (*Conn, func(), error) {
	dbHost := getEnv("DB_HOST", "db")
	dbPort := getEnv("DB_PORT", "5432")
	dbUser := getEnv("DB_USER", "postgres")
	dbPassword := getEnv("DB_PASSWORD", "")

	redisHost := getEnv("REDIS_HOST", "cache")
	redisPort := getEnv("REDIS_PORT", "6379")
	redisPassword := getEnv("REDIS_PASSWORD", "")

	executionEnvironment := getEnv("ENVIRONMENT", "dev")
	if executionEnvironment != "prod" {
		executionEnvironment = "dev"
	}

	var dbURL, cacheURL string
	encodedPassword := url.QueryEscape(dbPassword)
	if inContainer {
		dbURL = fmt.Sprintf("postgres://%s:%s@%s:%s", dbUser, encodedPassword, dbHost, dbPort)
		cacheURL = fmt.Sprintf("%s:%s", redisHost, redisPort)
	} else {
		dbURL = fmt.Sprintf("postgres://%s:%s@localhost:%s", dbUser, encodedPassword, dbPort)
		cacheURL = fmt.Sprintf("localhost:%s", redisPort)
	}

	dbCtx, dbCancel := context.WithTimeout(ctx, 90*time.Second)
	defer dbCancel()

	dbResult := make(chan dbConnResult, 1)
	go func() {
		defer close(dbResult)
		var lastErr error
		for {
			select {
			case <-dbCtx.Done():
				dbResult <- dbConnResult{nil, lastErr}
				return
			default:
				poolConfig, parseErr := pgxpool.ParseConfig(dbURL)
				if parseErr != nil {
					lastErr = parseErr
					time.Sleep(time.Second)
					continue
				}
				poolConfig.MaxConns = 50
				poolConfig.MinConns = 10
				poolConfig.MaxConnLifetime = 60 * time.Minute
				poolConfig.MaxConnIdleTime = 5 * time.Minute
				poolConfig.HealthCheckPeriod = 30 * time.Second
				poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

				dbConn, connErr := pgxpool.ConnectConfig(dbCtx, poolConfig)
				if connErr != nil {
					lastErr = connErr
					logger.Warnw("postgres connect attempt failed, retrying", "error", connErr)
					time.Sleep(time.Second)
					continue
				}
				dbResult <- dbConnResult{dbConn, nil}
				return
			}
		}
	}()

	dbRes := <-dbResult
	if dbRes.err != nil || dbRes.conn == nil {
		return nil, nil, fmt.Errorf("connect to postgres after 90s: %w", dbRes.err)
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 90*time.Second)
	defer redisCancel()

	redisResult := make(chan redisConnResult, 1)
	go func() {
		defer close(redisResult)
		var lastErr error
		for {
			select {
			case <-redisCtx.Done():
				redisResult <- redisConnResult{nil, lastErr}
				return
			default:
				opts := &redis.Options{
					Addr:            cacheURL,
					PoolSize:        20,
					MinIdleConns:    10,
					PoolTimeout:     60 * time.Second,
					ReadTimeout:     30 * time.Second,
					WriteTimeout:    30 * time.Second,
					MaxRetries:      5,
					MinRetryBackoff: time.Second,
					MaxRetryBackoff: 10 * time.Second,
					DialTimeout:     5 * time.Second,
				}
				if redisPassword != "" {
					opts.Password = redisPassword
				}

				cache := redis.NewClient(opts)
				if pingErr := cache.Ping(redisCtx).Err(); pingErr != nil {
					lastErr = pingErr
					logger.Warnw("redis connect attempt failed, retrying", "error", pingErr)
					time.Sleep(time.Second)
					continue
				}
				redisResult <- redisConnResult{cache, nil}
				return
			}
		}
	}()

	redisRes := <-redisResult
	if redisRes.err != nil || redisRes.client == nil {
		dbRes.conn.Close()
		return nil, nil, fmt.Errorf("connect to redis after 90s: %w", redisRes.err)
	}

	conn := &Conn{
		DB:                   dbRes.conn,
		Cache:                redisRes.client,
		ExecutionEnvironment: executionEnvironment,
	}

	cleanup := func() {
		conn.DB.Close()
		if err := conn.Cache.Close(); err != nil {
			logger.Warnw("error closing redis connection", "error", err)
		}
	}
	return conn, cleanup, nil
}

// getEnv reads an environment variable, falling back to a default.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// Env re-exports getEnv for callers outside this package (cmd/worker's
// config loading) that need the same fallback convention.
func Env(key, fallback string) string {
	return getEnv(key, fallback)
}
