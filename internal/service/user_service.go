package service

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/Ivaniiiii/ChessInBse/internal/errors"
	"github.com/Ivaniiiii/ChessInBse/internal/models"
	"github.com/Ivaniiiii/ChessInBse/internal/repository"
	"github.com/Ivaniiiii/ChessInBse/internal/utils"
)

// userService 用户服务实现
type userService struct {
	repos    *repository.Manager
	password *utils.PasswordConfig
	log      *zap.Logger
}

// NewUserService 创建用户服务
func NewUserService(repos *repository.Manager, password *utils.PasswordConfig, log *zap.Logger) UserService {
	return &userService{
		repos:    repos,
		password: password,
		log:      log,
	}
}

// GetUserByID 根据ID获取用户
func (s *userService) GetUserByID(ctx context.Context, userID uint) (*models.User, error) {
	return s.repos.User().FindByID(ctx, userID)
}

// UpdatePassword 修改密码
func (s *userService) UpdatePassword(ctx context.Context, userID uint, oldPassword, newPassword string) error {
	user, err := s.repos.User().FindByID(ctx, userID)
	if err != nil {
		return err
	}

	valid, err := utils.VerifyPassword(oldPassword, user.PasswordHash)
	if err != nil || !valid {
		return apperrors.New(apperrors.ErrAuthentication, "原密码错误")
	}
	if len(newPassword) < 6 {
		return apperrors.New(apperrors.ErrInvalidParam, "密码长度至少6个字符")
	}

	hashed, err := utils.HashPasswordWithConfig(newPassword, s.password)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrUnknown, "密码加密失败")
	}
	user.PasswordHash = hashed
	if err := s.repos.User().Update(ctx, user); err != nil {
		return apperrors.Wrap(err, apperrors.ErrDatabaseUpdate, "更新密码失败")
	}

	s.log.Info("密码已修改", zap.Uint("user_id", userID))
	return nil
}

// BindWallet 绑定或更换链上地址。地址不能被其他用户占用
func (s *userService) BindWallet(ctx context.Context, userID uint, address string) (*models.User, error) {
	addr, ok := utils.NormalizeWalletAddress(address)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrInvalidParam, "钱包地址格式不正确: %s", address)
	}

	user, err := s.repos.User().FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if owner, _ := s.repos.User().FindByWalletAddress(ctx, addr); owner != nil && owner.ID != userID {
		return nil, apperrors.New(apperrors.ErrAlreadyExists, "钱包地址已被绑定")
	}

	user.WalletAddress = &addr
	if err := s.repos.User().Update(ctx, user); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseUpdate, "绑定钱包地址失败")
	}

	s.log.Info("钱包地址已绑定", zap.Uint("user_id", userID), zap.String("wallet", addr))
	return user, nil
}

// UpdateUserStatus 更新用户状态，平台账户不可修改
func (s *userService) UpdateUserStatus(ctx context.Context, userID uint, status string) error {
	switch status {
	case models.UserStatusActive, models.UserStatusFrozen, models.UserStatusBanned:
	default:
		return apperrors.Newf(apperrors.ErrInvalidParam, "无效的用户状态: %s", status)
	}

	user, err := s.repos.User().FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.Role == models.RolePlatform {
		return apperrors.New(apperrors.ErrPermissionDenied, "不能修改平台账户状态")
	}

	if err := s.repos.User().UpdateStatus(ctx, userID, status); err != nil {
		return apperrors.Wrap(err, apperrors.ErrDatabaseUpdate, "更新用户状态失败")
	}

	s.log.Info("用户状态已更新", zap.Uint("user_id", userID), zap.String("status", status))
	return nil
}
