package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Phillboard/mobul-sub010/pkg/config"

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

const (
	openAttempts = 5
	openBackoff  = 3 * time.Second
)

var Module = fx.Module("database",
	fx.Provide(
		Dialect,
		New,
	),
	fx.Invoke(Instrument),
)

// Dialect picks the gorm dialector from DATABASE.TYPE. Postgres is the
// default; sqlite is for local runs of the seed command.
func Dialect(cfg *config.Config) gorm.Dialector {
	d := cfg.Database
	switch strings.ToLower(d.Type) {
	case "mysql":
		return mysql.Open(fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			d.User, d.Password, d.Host, d.Port, d.DBNAME))
	case "sqlite":
		return sqlite.Open(d.DBNAME)
	}

	tz := d.Timezone
	if tz == "" {
		tz = "UTC"
	}
	sslmode := d.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return postgres.Open(fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		d.Host, d.Port, d.User, d.Password, d.DBNAME, sslmode, tz))
}

type Params struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
	Dialector gorm.Dialector
}

// New opens the database, retrying while it comes up, and applies the
// connection pool settings. An error here aborts the fx app.
func New(p Params) (*gorm.DB, error) {
	level, showSQL := logger.Info, true
	if p.Config.AppEnv == "production" {
		level, showSQL = logger.Warn, false
	}

	db, err := open(p.Dialector, &gorm.Config{Logger: NewGormLogger(level, showSQL)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("db handle: %w", err)
	}

	cp := p.Config.Database.ConnectionPool
	if cp.MaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(cp.MaxIdleConn)
	}
	if cp.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cp.MaxOpenConns)
	}
	sqlDB.SetConnMaxLifetime(cp.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cp.ConnMaxIdleTime)

	zap.L().Info("[DB] connected",
		zap.String("dialect", p.Dialector.Name()),
		zap.Int("max_open_conns", cp.MaxOpenConns),
	)

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return sqlDB.Close()
		},
	})
	return db, nil
}

func open(dialector gorm.Dialector, conf *gorm.Config) (*gorm.DB, error) {
	var err error
	for i := 1; i <= openAttempts; i++ {
		var db *gorm.DB
		if db, err = gorm.Open(dialector, conf); err == nil {
			return db, nil
		}
		zap.L().Warn("[DB] not ready, retrying", zap.Int("attempt", i), zap.Duration("backoff", openBackoff), zap.Error(err))
		time.Sleep(openBackoff)
	}
	return nil, fmt.Errorf("database not ready after %d attempts: %w", openAttempts, err)
}

// Instrument registers tracing and the prometheus pool collector. Metrics
// are served by pkg/metrics, so the plugin never starts its own listener.
func Instrument(db *gorm.DB) error {
	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		return fmt.Errorf("register otelgorm: %w", err)
	}

	pc := prometheus.Config{
		DBName:          databaseName(db.Dialector),
		RefreshInterval: 15,
	}
	if _, ok := db.Dialector.(*postgres.Dialector); ok {
		pc.MetricsCollector = []prometheus.MetricsCollector{
			&prometheus.Postgres{VariableNames: []string{"Threads_running"}},
		}
	}
	if err := db.Use(prometheus.New(pc)); err != nil {
		return fmt.Errorf("register gorm prometheus: %w", err)
	}
	return nil
}

func databaseName(dialector gorm.Dialector) string {
	switch d := dialector.(type) {
	case *postgres.Dialector:
		for _, part := range strings.Fields(d.Config.DSN) {
			if name, ok := strings.CutPrefix(part, "dbname="); ok {
				return name
			}
		}
	case *mysql.Dialector:
		if i := strings.LastIndex(d.Config.DSN, "/"); i >= 0 {
			name, _, _ := strings.Cut(d.Config.DSN[i+1:], "?")
			return name
		}
	case *sqlite.Dialector:
		return d.DSN
	}
	return "unknown"
}
