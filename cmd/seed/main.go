package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/dujiao-next/memberpay/internal/authn"
	"github.com/dujiao-next/memberpay/internal/authz"
	"github.com/dujiao-next/memberpay/internal/config"
	"github.com/dujiao-next/memberpay/internal/logger"
	"github.com/dujiao-next/memberpay/internal/models"
	"github.com/dujiao-next/memberpay/internal/repository"
	"github.com/dujiao-next/memberpay/internal/service"
)

func main() {
	var (
		userID string
		role   string
		hours  int
	)
	flag.StringVar(&userID, "user", "", "为该用户签发调试令牌")
	flag.StringVar(&role, "role", "", "写入令牌并授予的预置角色，例如 finance")
	flag.IntVar(&hours, "hours", 24, "令牌有效期（小时）")
	flag.Parse()

	cfg := config.Load()
	logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	stdLog := logger.StdLogger()
	if err := models.InitDB(cfg.Database.Driver, cfg.Database.DSN, models.DBPoolConfig{
		MaxOpenConns:           cfg.Database.Pool.MaxOpenConns,
		MaxIdleConns:           cfg.Database.Pool.MaxIdleConns,
		ConnMaxLifetimeSeconds: cfg.Database.Pool.ConnMaxLifetimeSeconds,
		ConnMaxIdleTimeSeconds: cfg.Database.Pool.ConnMaxIdleTimeSeconds,
	}); err != nil {
		stdLog.Fatalf("Failed to connect database: %v", err)
	}
	if err := models.AutoMigrate(); err != nil {
		stdLog.Fatalf("Failed to migrate database: %v", err)
	}

	// 写入套餐
	store := repository.NewGormStore(models.DB)
	catalog := service.NewPlanCatalog(store.Plans())
	if err := catalog.SeedPlans(context.Background(), cfg.Membership.Plans); err != nil {
		stdLog.Fatalf("Failed to seed plans: %v", err)
	}
	plans, err := catalog.ListPlans(context.Background())
	if err != nil {
		stdLog.Fatalf("Failed to list plans: %v", err)
	}
	for _, plan := range plans {
		fmt.Printf("plan %-12s %s %s %d days\n", plan.PlanID, plan.Price.String(), plan.Currency, plan.DurationDays)
	}

	// 预置角色
	authzService, err := authz.NewService(models.DB)
	if err != nil {
		stdLog.Fatalf("Failed to init authz: %v", err)
	}
	if err := authzService.BootstrapBuiltinRoles(); err != nil {
		stdLog.Fatalf("Failed to bootstrap roles: %v", err)
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		fmt.Println("Seed completed")
		return
	}
	if role = strings.TrimSpace(role); role != "" {
		if err := authzService.BootstrapUserRoles(map[string]string{userID: role}); err != nil {
			stdLog.Fatalf("Failed to assign role: %v", err)
		}
	}
	token, expiresAt, err := authn.IssueToken(cfg.UserJWT.SecretKey, userID, role, hours)
	if err != nil {
		stdLog.Fatalf("Failed to issue token: %v", err)
	}
	fmt.Printf("token for %s (expires %s):\n%s\n", userID, expiresAt.Format("2006-01-02 15:04:05"), token)
}
