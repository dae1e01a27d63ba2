package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/dujiao-next/memberpay/internal/cache"
	"github.com/dujiao-next/memberpay/internal/config"
	"github.com/dujiao-next/memberpay/internal/constants"
	"github.com/dujiao-next/memberpay/internal/logger"
	"github.com/dujiao-next/memberpay/internal/models"
	"github.com/dujiao-next/memberpay/internal/repository"
)

// PlanCatalog 会员套餐目录
type PlanCatalog struct {
	repo repository.MembershipPlanRepository
}

// NewPlanCatalog 创建套餐目录
func NewPlanCatalog(repo repository.MembershipPlanRepository) *PlanCatalog {
	return &PlanCatalog{repo: repo}
}

// ListPlans 列出可购买套餐，优先读缓存，缓存异常时回源数据库
func (c *PlanCatalog) ListPlans(ctx context.Context) ([]models.MembershipPlan, error) {
	var cached []models.MembershipPlan
	hit, err := cache.GetJSON(ctx, cache.KeyPlanCatalog, &cached)
	if err != nil {
		logger.Warnw("plan_catalog_cache_read_failed", "error", err)
	} else if hit {
		return cached, nil
	}

	plans, err := c.repo.List(true)
	if err != nil {
		return nil, err
	}
	if err := cache.SetJSON(ctx, cache.KeyPlanCatalog, plans, cache.PlanCatalogTTL); err != nil {
		logger.Warnw("plan_catalog_cache_write_failed", "error", err)
	}
	return plans, nil
}

// GetPlan 获取可购买套餐
func (c *PlanCatalog) GetPlan(planID string) (*models.MembershipPlan, error) {
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return nil, ErrPlanNotFound
	}
	plan, err := c.repo.GetByPlanID(planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, ErrPlanNotFound
	}
	if !plan.IsActive {
		return nil, ErrPlanInactive
	}
	return plan, nil
}

// SeedPlans 写入配置中的套餐，已存在的套餐保持不变
func (c *PlanCatalog) SeedPlans(ctx context.Context, seeds []config.PlanConfig) error {
	for _, seed := range seeds {
		plan, err := planFromConfig(seed)
		if err != nil {
			return err
		}
		if err := c.repo.CreateIfAbsent(plan); err != nil {
			return fmt.Errorf("seed plan %s failed: %w", plan.PlanID, err)
		}
	}
	if len(seeds) > 0 {
		if err := cache.Del(ctx, cache.KeyPlanCatalog); err != nil {
			logger.Warnw("plan_catalog_cache_evict_failed", "error", err)
		}
	}
	return nil
}

func planFromConfig(seed config.PlanConfig) (*models.MembershipPlan, error) {
	planID := strings.TrimSpace(seed.PlanID)
	if planID == "" {
		return nil, fmt.Errorf("%w: plan_id is required", ErrInvalidInput)
	}
	price := strings.TrimSpace(seed.Price)
	if price == "" {
		price = "0"
	}
	amount, err := models.ParseMoney(price)
	if err != nil {
		return nil, fmt.Errorf("%w: plan %s price invalid", ErrInvalidInput, planID)
	}
	if amount.Decimal.IsNegative() {
		return nil, fmt.Errorf("%w: plan %s price must not be negative", ErrInvalidInput, planID)
	}
	if seed.DurationDays <= 0 {
		return nil, fmt.Errorf("%w: plan %s duration_days must be positive", ErrInvalidInput, planID)
	}
	currency := strings.ToUpper(strings.TrimSpace(seed.Currency))
	if currency == "" {
		currency = constants.DefaultCurrency
	}
	displayName := strings.TrimSpace(seed.DisplayName)
	if displayName == "" {
		displayName = planID
	}
	active := true
	if seed.Active != nil {
		active = *seed.Active
	}
	return &models.MembershipPlan{
		PlanID:       planID,
		DisplayName:  displayName,
		Price:        amount,
		Currency:     currency,
		DurationDays: seed.DurationDays,
		Features:     models.StringArray(append([]string{}, seed.Features...)),
		SortOrder:    seed.SortOrder,
		IsActive:     active,
	}, nil
}
