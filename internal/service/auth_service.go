package service

import (
	"context"
	"errors"
	"regexp"

	"go.uber.org/zap"

	apperrors "github.com/Ivaniiiii/ChessInBse/internal/errors"
	"github.com/Ivaniiiii/ChessInBse/internal/models"
	"github.com/Ivaniiiii/ChessInBse/internal/repository"
	"github.com/Ivaniiiii/ChessInBse/internal/utils"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// authService 认证服务实现
type authService struct {
	repos      *repository.Manager
	jwtManager *utils.JWTManager
	password   *utils.PasswordConfig
	log        *zap.Logger
}

// NewAuthService 创建认证服务
func NewAuthService(repos *repository.Manager, jwtManager *utils.JWTManager, password *utils.PasswordConfig, log *zap.Logger) AuthService {
	return &authService{
		repos:      repos,
		jwtManager: jwtManager,
		password:   password,
		log:        log,
	}
}

// Register 用户注册，同时创建空钱包
func (s *authService) Register(ctx context.Context, req *RegisterRequest) (*AuthResponse, error) {
	if err := s.validateRegisterRequest(req); err != nil {
		return nil, err
	}

	if user, _ := s.repos.User().FindByUsername(ctx, req.Username); user != nil {
		return nil, apperrors.New(apperrors.ErrAlreadyExists, "用户名已存在")
	}

	user := &models.User{
		Username: req.Username,
		Role:     models.RoleUser,
		Status:   models.UserStatusActive,
	}

	if req.WalletAddress != "" {
		addr, ok := utils.NormalizeWalletAddress(req.WalletAddress)
		if !ok {
			return nil, apperrors.Newf(apperrors.ErrInvalidParam, "钱包地址格式不正确: %s", req.WalletAddress)
		}
		if owner, _ := s.repos.User().FindByWalletAddress(ctx, addr); owner != nil {
			return nil, apperrors.New(apperrors.ErrAlreadyExists, "钱包地址已被绑定")
		}
		user.WalletAddress = &addr
	}

	hashed, err := utils.HashPasswordWithConfig(req.Password, s.password)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrUnknown, "密码加密失败")
	}
	user.PasswordHash = hashed
	user.UpdateLoginInfo(req.IP)

	err = s.repos.WithTransaction(ctx, func(tx *repository.Transaction) error {
		if err := tx.User().Create(ctx, user); err != nil {
			return apperrors.Wrap(err, apperrors.ErrDatabaseInsert, "创建用户失败")
		}
		if err := tx.Wallet().Create(ctx, &models.Wallet{UserID: user.ID}); err != nil {
			return apperrors.Wrap(err, apperrors.ErrDatabaseInsert, "创建钱包失败")
		}
		return nil
	})
	if err != nil {
		s.log.Error("注册失败", zap.String("username", req.Username), zap.Error(err))
		return nil, err
	}

	s.log.Info("用户注册成功", zap.Uint("user_id", user.ID), zap.String("username", user.Username))
	return s.issue(user, utils.GenerateSessionID())
}

// Login 用户登录
func (s *authService) Login(ctx context.Context, req *LoginRequest) (*AuthResponse, error) {
	user, err := s.repos.User().FindByUsername(ctx, req.Username)
	if err != nil {
		s.log.Warn("登录失败: 用户不存在", zap.String("username", req.Username))
		return nil, apperrors.New(apperrors.ErrAuthentication, "用户名或密码错误")
	}

	valid, err := utils.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil || !valid {
		s.log.Warn("登录失败: 密码错误", zap.Uint("user_id", user.ID))
		return nil, apperrors.New(apperrors.ErrAuthentication, "用户名或密码错误")
	}

	if !user.CanLogin() {
		return nil, apperrors.Newf(apperrors.ErrPermissionDenied, "账户状态为 %s，无法登录", user.Status)
	}

	if err := s.repos.User().UpdateLastLogin(ctx, user.ID, req.IP); err != nil {
		s.log.Warn("更新登录信息失败", zap.Uint("user_id", user.ID), zap.Error(err))
	}

	s.log.Info("用户登录成功", zap.Uint("user_id", user.ID), zap.String("username", user.Username))
	return s.issue(user, utils.GenerateSessionID())
}

// RefreshToken 使用刷新令牌换取新的访问令牌，刷新令牌本身不变
func (s *authService) RefreshToken(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	claims, err := s.jwtManager.ValidateToken(refreshToken)
	if err != nil {
		return nil, tokenError(err)
	}
	if claims.TokenType != utils.TokenTypeRefresh {
		return nil, apperrors.New(apperrors.ErrTokenInvalid, utils.ErrNotRefreshToken.Error())
	}

	user, err := s.repos.User().FindByID(ctx, claims.UserID)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrTokenInvalid, "令牌对应的用户不存在")
	}
	if !user.CanLogin() {
		return nil, apperrors.Newf(apperrors.ErrPermissionDenied, "账户状态为 %s", user.Status)
	}

	accessToken, _, err := s.jwtManager.RefreshAccessToken(refreshToken, user.Username, user.Role)
	if err != nil {
		return nil, tokenError(err)
	}

	s.log.Info("令牌已刷新", zap.Uint("user_id", user.ID))
	return &AuthResponse{
		User:         user,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.jwtManager.GetTokenExpiry(utils.TokenTypeAccess).Seconds()),
		TokenType:    "Bearer",
	}, nil
}

// ValidateToken 验证访问令牌，并确认用户仍可登录
func (s *authService) ValidateToken(ctx context.Context, token string) (*TokenClaims, error) {
	claims, err := s.jwtManager.ValidateToken(token)
	if err != nil {
		return nil, tokenError(err)
	}
	if claims.TokenType != utils.TokenTypeAccess {
		return nil, apperrors.New(apperrors.ErrTokenInvalid, "不是访问令牌")
	}

	user, err := s.repos.User().FindByID(ctx, claims.UserID)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrTokenInvalid, "令牌对应的用户不存在")
	}
	if !user.CanLogin() {
		return nil, apperrors.Newf(apperrors.ErrPermissionDenied, "账户状态为 %s", user.Status)
	}

	return &TokenClaims{
		UserID:    claims.UserID,
		Username:  user.Username,
		Role:      user.Role,
		SessionID: claims.SessionID,
		IssuedAt:  claims.IssuedAt.Unix(),
		ExpiresAt: claims.ExpiresAt.Unix(),
	}, nil
}

func (s *authService) issue(user *models.User, sessionID string) (*AuthResponse, error) {
	accessToken, err := s.jwtManager.GenerateAccessToken(user.ID, user.Username, user.Role, sessionID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrUnknown, "生成访问令牌失败")
	}
	refreshToken, err := s.jwtManager.GenerateRefreshToken(user.ID, sessionID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrUnknown, "生成刷新令牌失败")
	}

	return &AuthResponse{
		User:         user,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.jwtManager.GetTokenExpiry(utils.TokenTypeAccess).Seconds()),
		TokenType:    "Bearer",
	}, nil
}

// validateRegisterRequest 验证注册请求
func (s *authService) validateRegisterRequest(req *RegisterRequest) error {
	if len(req.Username) < 3 || len(req.Username) > 20 {
		return apperrors.New(apperrors.ErrInvalidParam, "用户名长度必须在3-20个字符之间")
	}
	if !usernamePattern.MatchString(req.Username) {
		return apperrors.New(apperrors.ErrInvalidParam, "用户名只能包含字母、数字和下划线")
	}
	if len(req.Password) < 6 {
		return apperrors.New(apperrors.ErrInvalidParam, "密码长度至少6个字符")
	}
	if req.Password != req.ConfirmPassword {
		return apperrors.New(apperrors.ErrInvalidParam, "两次输入的密码不一致")
	}
	return nil
}

func tokenError(err error) error {
	if errors.Is(err, utils.ErrExpiredToken) {
		return apperrors.New(apperrors.ErrTokenExpired, err.Error())
	}
	return apperrors.New(apperrors.ErrTokenInvalid, err.Error())
}
