package authz

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dujiao-next/memberpay/internal/logger"
)

// RoleSeed 预置角色定义
type RoleSeed struct {
	Role     string
	Inherits []string
	Policies []Policy
}

// BuiltinRoleSeeds 系统预置角色矩阵
func BuiltinRoleSeeds() []RoleSeed {
	return []RoleSeed{
		{
			Role: "readonly_auditor",
			Policies: []Policy{
				{Object: "/admin/*", Action: "GET"},
			},
		},
		{
			Role:     "support",
			Inherits: []string{"readonly_auditor"},
			Policies: []Policy{
				{Object: "/admin/payment/orders/:orderId", Action: "GET"},
				{Object: "/admin/payment/reconcile", Action: "POST"},
			},
		},
		{
			Role:     "finance",
			Inherits: []string{"support"},
			Policies: []Policy{
				{Object: "/admin/payment/orders/:orderId/refund", Action: "POST"},
			},
		},
		{
			Role: "super_admin",
			Policies: []Policy{
				{Object: "/admin/*", Action: "*"},
			},
		},
	}
}

// BootstrapBuiltinRoles 初始化预置角色与默认策略
func (s *Service) BootstrapBuiltinRoles() error {
	if !s.ready() {
		return ErrUnavailable
	}

	for _, seed := range BuiltinRoleSeeds() {
		role, err := s.EnsureRole(seed.Role)
		if err != nil {
			return err
		}

		for _, parent := range seed.Inherits {
			parentRole, err := NormalizeRole(parent)
			if err != nil {
				return err
			}
			if _, err := s.enforcer.AddNamedGroupingPolicy("g", role, parentRole); err != nil {
				return fmt.Errorf("link role inheritance failed: %w", err)
			}
		}

		for _, policy := range seed.Policies {
			if err := s.GrantRolePolicy(role, policy.Object, policy.Action); err != nil {
				return fmt.Errorf("add builtin policy failed: %w", err)
			}
		}
	}
	return nil
}

// BootstrapUserRoles 按配置为用户追加预置角色，已有角色保持不变
func (s *Service) BootstrapUserRoles(assignments map[string]string) error {
	if !s.ready() {
		return ErrUnavailable
	}
	userIDs := make([]string, 0, len(assignments))
	for userID := range assignments {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)

	for _, userID := range userIDs {
		trimmed := strings.TrimSpace(userID)
		if trimmed == "" {
			continue
		}
		role, err := s.EnsureRole(assignments[userID])
		if err != nil {
			return fmt.Errorf("bootstrap role for %s failed: %w", trimmed, err)
		}
		added, err := s.enforcer.AddNamedGroupingPolicy("g", SubjectForUser(trimmed), role)
		if err != nil {
			return fmt.Errorf("assign bootstrap role failed: %w", err)
		}
		if added {
			logger.Infow("authz_bootstrap_role_assigned", "user_id", trimmed, "role", role)
		}
	}
	return nil
}
