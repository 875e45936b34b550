// Package main 为操作员签发访问令牌和刷新令牌
// 使用与服务端相同的 JWT_SECRET，输出 JSON 到标准输出。
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/MorseWayne/stock_engine/internal/config"
	"github.com/MorseWayne/stock_engine/internal/domain"
	"github.com/MorseWayne/stock_engine/internal/logger"
	"github.com/MorseWayne/stock_engine/internal/service"
)

func main() {
	var (
		operatorID = flag.String("operator", "", "Operator ID written to every stock change")
		role       = flag.String("role", string(domain.OperatorRoleOperator), "Operator role: operator, admin")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.JWT.Secret == "" {
		log.Fatal("JWT_SECRET must be set to issue tokens")
	}

	lg, err := logger.New(cfg.App.Env, cfg.Log.Level, cfg.Log.Encoding, "issue-token", cfg.App.Version)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	op := &domain.Operator{ID: *operatorID, Role: domain.OperatorRole(*role)}
	if op.ID == "" || !op.Role.Valid() {
		fmt.Fprintf(os.Stderr, "Usage: %s -operator=<id> [-role=operator|admin]\n", os.Args[0])
		os.Exit(1)
	}

	pair, err := service.NewJWTService(cfg, lg).GenerateTokenPair(op)
	if err != nil {
		lg.Sugar().Fatalw("failed to issue token", "operator_id", op.ID, "error", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(pair); err != nil {
		lg.Sugar().Fatalw("failed to write token", "error", err)
	}
}
