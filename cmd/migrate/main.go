// Package main 提供库存表结构迁移管理的命令行工具
// 支持 up、down、version、force、status 五种动作。
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/MorseWayne/stock_engine/internal/config"
	"github.com/MorseWayne/stock_engine/internal/database"
	"github.com/MorseWayne/stock_engine/internal/logger"
)

const usageText = `Usage: %s -action=[up|down|version|force|status] [options]

Examples:
  # 执行全部待执行迁移
  ./migrate -action=up

  # 回滚一个版本（会删除变更日志表）
  ./migrate -action=down -steps=1

  # 迁移到指定版本
  ./migrate -action=version -target=1

  # 清除脏状态
  ./migrate -action=force -target=1

Options:
`

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), usageText, os.Args[0])
		flag.PrintDefaults()
	}
	var (
		action = flag.String("action", "up", "Migration action: up, down, version, force, status")
		steps  = flag.Int("steps", 1, "Number of steps for down migration")
		target = flag.Uint("target", 0, "Target version for version or force migration")
		dir    = flag.String("dir", "", "Migrations directory (defaults to MIGRATIONS_DIR)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	lg, err := logger.New(cfg.App.Env, cfg.Log.Level, cfg.Log.Encoding, "migrate", cfg.App.Version)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	migrationsDir := cfg.Migrations.Dir
	if *dir != "" {
		migrationsDir = *dir
	}

	db, err := database.New(cfg, lg)
	if err != nil {
		lg.Fatal("failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			lg.Error("failed to close database", zap.Error(err))
		}
	}()

	if err := run(db, *action, migrationsDir, *steps, *target, lg); err != nil {
		lg.Error("migration failed", zap.String("action", *action), zap.Error(err))
		os.Exit(1)
	}
}

// run 执行单个迁移动作
func run(db *database.DB, action, dir string, steps int, target uint, lg *zap.Logger) error {
	switch action {
	case "up":
		return db.RunMigrations(dir)
	case "down":
		if steps <= 0 {
			return fmt.Errorf("steps must be positive, got %d", steps)
		}
		return db.MigrateDown(dir, steps)
	case "version":
		if target == 0 {
			return fmt.Errorf("target version must be specified")
		}
		return db.MigrateToVersion(dir, target)
	case "force":
		// 允许 0，表示回到未迁移状态
		lg.Warn("forcing migration version, dirty state will be cleared", zap.Uint("target", target))
		return db.ForceMigrationVersion(dir, target)
	case "status":
		version, dirty, err := db.MigrationVersion(dir)
		if err != nil {
			return err
		}
		fmt.Printf("version=%d dirty=%t\n", version, dirty)
		return nil
	default:
		flag.Usage()
		return fmt.Errorf("unknown action %q", action)
	}
}
