package migration

import (
	auditdomain "github.com/quotely/quotely/internal/audit/domain"
	"github.com/quotely/quotely/internal/config"
	quotedomain "github.com/quotely/quotely/internal/quote/domain"
	webhookdomain "github.com/quotely/quotely/internal/webhook/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// SQLite and MySQL are dev-only targets; schema sync is enough there.
			return conn.AutoMigrate(
				&quotedomain.Quote{},
				&webhookdomain.EventRecord{},
				&auditdomain.AuditLog{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}

		return RunMigrations(sqlDB)
	}),
)
