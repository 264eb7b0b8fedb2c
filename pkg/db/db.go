package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"payout-engine/pkg/config"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/prometheus"
)

var Module = fx.Module("database",
	fx.Provide(
		Dialect,
		New,
	),
	fx.Invoke(RegisterConnectionPool, Otel, Metric),
)

// Dialect picks the gorm driver from DATABASE.TYPE.
func Dialect(cfg *config.Config) (gorm.Dialector, error) {
	d := cfg.Database
	switch strings.ToLower(d.Type) {
	case "postgres", "postgresql", "":
		dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
			d.Host, d.Port, d.User, d.Password, d.DBNAME, d.SSLMode, d.Timezone)
		return postgres.Open(dsn), nil
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			d.User, d.Password, d.Host, d.Port, d.DBNAME)
		return mysql.Open(dsn), nil
	case "sqlite":
		path := d.Path
		if path == "" {
			path = "payout.db"
		}
		return sqlite.Open(path + "?_busy_timeout=5000&_journal_mode=WAL"), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", d.Type)
	}
}

func New(cfg *config.Config, dialector gorm.Dialector) (*gorm.DB, error) {
	var db *gorm.DB
	var err error

	logLevel := logger.Info
	showSQL := true
	if cfg.AppEnv == "production" {
		logLevel = logger.Warn
		showSQL = false
	}

	gormLogger := NewZapGormLogger(zap.L(), logLevel, showSQL)

	for i := 0; i < 5; i++ {
		db, err = gorm.Open(dialector, &gorm.Config{
			Logger:         gormLogger,
			TranslateError: true,
		})
		if err == nil {
			break
		}
		zap.L().Warn("[DB] Database not ready, retrying in 3 seconds... ", zap.Int("retry", i+1), zap.Error(err))
		time.Sleep(3 * time.Second)
	}

	if err != nil {
		zap.L().Error("[DB] Failed to connect to database", zap.Error(err))
		return nil, err
	}

	zap.L().Info("[DB] Database connection configured", zap.String("dialect", dialector.Name()))

	return db, nil
}

type connectionPoolParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	DB        *gorm.DB
	Config    *config.Config
}

func RegisterConnectionPool(p connectionPoolParams) error {
	sqlDB, err := p.DB.DB()
	if err != nil {
		zap.L().Error("[DB] Failed to get sql.DB from gorm", zap.Error(err))
		return err
	}

	cp := p.Config.Database.ConnectionPool
	if cp.MaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(cp.MaxIdleConn)
	}
	if cp.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cp.MaxOpenConns)
	}
	if cp.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cp.ConnMaxLifetime)
	}
	if cp.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cp.ConnMaxIdleTime)
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			zap.L().Info("[DB] Closing connection pool...")
			return sqlDB.Close()
		},
	})
	return nil
}

func Otel(db *gorm.DB) error {
	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		zap.L().Error("Failed to register db telemetry", zap.Error(err))
		return err
	}
	return nil
}

// Metric exposes pool statistics on the default prometheus registry when
// DATABASE.METRICS is set.
func Metric(cfg *config.Config, db *gorm.DB) error {
	if !cfg.Database.Metrics {
		return nil
	}

	var collectors []prometheus.MetricsCollector
	if db.Dialector.Name() == "postgres" {
		collectors = append(collectors, &prometheus.Postgres{VariableNames: []string{"Threads_running"}})
	}

	if err := db.Use(prometheus.New(prometheus.Config{
		DBName:           getDBNameFromDialector(db.Dialector),
		RefreshInterval:  15,
		StartServer:      false,
		MetricsCollector: collectors,
	})); err != nil {
		zap.L().Error("Failed to register db metrics", zap.Error(err))
		return err
	}
	return nil
}

func extractDBNameFromDSN(dsn string) string {
	for _, part := range strings.Fields(dsn) {
		if strings.HasPrefix(part, "dbname=") {
			return strings.TrimPrefix(part, "dbname=")
		}
	}
	if i := strings.LastIndex(dsn, "/"); i >= 0 {
		name := dsn[i+1:]
		if j := strings.Index(name, "?"); j >= 0 {
			name = name[:j]
		}
		if name != "" {
			return name
		}
	}
	return "unknown"
}

func getDBNameFromDialector(dialector gorm.Dialector) string {
	switch d := dialector.(type) {
	case *postgres.Dialector:
		return extractDBNameFromDSN(d.Config.DSN)
	case *mysql.Dialector:
		return extractDBNameFromDSN(d.Config.DSN)
	default:
		return "unknown"
	}
}

// IsPostgres reports whether stored procedures are available.
func IsPostgres(db *gorm.DB) bool {
	return db != nil && db.Dialector.Name() == "postgres"
}

var errNilDB = errors.New("db: nil connection")
