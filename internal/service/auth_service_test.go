package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "github.com/Ivaniiiii/ChessInBse/internal/errors"
	"github.com/Ivaniiiii/ChessInBse/internal/models"
	"github.com/Ivaniiiii/ChessInBse/internal/repository"
	"github.com/Ivaniiiii/ChessInBse/internal/utils"
)

const testWallet = "0xAbCdEf0123456789abcdef0123456789ABCDEF01"

// testConfig 测试中降低哈希开销
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.JWTSecret = "test-secret"
	cfg.AccessTokenExpiry = time.Hour
	cfg.Password = &utils.PasswordConfig{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32}
	return cfg
}

// serviceTestSuite 服务测试公共环境
type serviceTestSuite struct {
	suite.Suite
	ctx      context.Context
	db       *gorm.DB
	repos    *repository.Manager
	services *Services
}

func (suite *serviceTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.db = repository.SetupTestDB()
	suite.repos = repository.NewManager(suite.db)
	suite.services = NewServices(suite.repos, testConfig(), zap.NewNop())
}

func (suite *serviceTestSuite) TearDownTest() {
	repository.CleanupTestDB(suite.db)
}

func (suite *serviceTestSuite) register(username string) *AuthResponse {
	resp, err := suite.services.Auth.Register(suite.ctx, &RegisterRequest{
		Username:        username,
		Password:        "password123",
		ConfirmPassword: "password123",
	})
	suite.Require().NoError(err)
	return resp
}

// AuthServiceTestSuite 认证服务测试套件
type AuthServiceTestSuite struct {
	serviceTestSuite
}

func (suite *AuthServiceTestSuite) TestRegister() {
	resp, err := suite.services.Auth.Register(suite.ctx, &RegisterRequest{
		Username:        "alice",
		Password:        "password123",
		ConfirmPassword: "password123",
		WalletAddress:   testWallet,
		IP:              "127.0.0.1",
	})
	suite.Require().NoError(err)

	suite.NotEmpty(resp.AccessToken)
	suite.NotEmpty(resp.RefreshToken)
	suite.Equal("Bearer", resp.TokenType)
	suite.Equal(int64(3600), resp.ExpiresIn)
	suite.Equal(models.RoleUser, resp.User.Role)
	suite.Equal("0xabcdef0123456789abcdef0123456789abcdef01", resp.User.Wallet())
	suite.NotEqual("password123", resp.User.PasswordHash)

	wallet, err := suite.repos.Wallet().FindByUserID(suite.ctx, resp.User.ID)
	suite.Require().NoError(err)
	suite.Zero(wallet.InternalPoints)
}

func (suite *AuthServiceTestSuite) TestRegisterValidation() {
	cases := []struct {
		name string
		req  *RegisterRequest
		code apperrors.ErrorCode
	}{
		{"用户名过短", &RegisterRequest{Username: "ab", Password: "password123", ConfirmPassword: "password123"}, apperrors.ErrInvalidParam},
		{"用户名非法字符", &RegisterRequest{Username: "bad name", Password: "password123", ConfirmPassword: "password123"}, apperrors.ErrInvalidParam},
		{"密码过短", &RegisterRequest{Username: "carol", Password: "123", ConfirmPassword: "123"}, apperrors.ErrInvalidParam},
		{"密码不一致", &RegisterRequest{Username: "carol", Password: "password123", ConfirmPassword: "password124"}, apperrors.ErrInvalidParam},
		{"钱包地址错误", &RegisterRequest{Username: "carol", Password: "password123", ConfirmPassword: "password123", WalletAddress: "0x123"}, apperrors.ErrInvalidParam},
	}
	for _, c := range cases {
		_, err := suite.services.Auth.Register(suite.ctx, c.req)
		suite.True(apperrors.Is(err, c.code), c.name)
	}
}

func (suite *AuthServiceTestSuite) TestRegisterDuplicates() {
	suite.register("alice")
	_, err := suite.services.Auth.Register(suite.ctx, &RegisterRequest{
		Username: "alice", Password: "password123", ConfirmPassword: "password123",
	})
	suite.True(apperrors.Is(err, apperrors.ErrAlreadyExists))

	_, err = suite.services.Auth.Register(suite.ctx, &RegisterRequest{
		Username: "bob", Password: "password123", ConfirmPassword: "password123", WalletAddress: testWallet,
	})
	suite.Require().NoError(err)
	_, err = suite.services.Auth.Register(suite.ctx, &RegisterRequest{
		Username: "carol", Password: "password123", ConfirmPassword: "password123", WalletAddress: testWallet,
	})
	suite.True(apperrors.Is(err, apperrors.ErrAlreadyExists))
}

func (suite *AuthServiceTestSuite) TestLogin() {
	suite.register("alice")

	resp, err := suite.services.Auth.Login(suite.ctx, &LoginRequest{Username: "alice", Password: "password123", IP: "10.0.0.1"})
	suite.Require().NoError(err)
	suite.NotEmpty(resp.AccessToken)

	_, err = suite.services.Auth.Login(suite.ctx, &LoginRequest{Username: "alice", Password: "wrong"})
	suite.True(apperrors.Is(err, apperrors.ErrAuthentication))

	_, err = suite.services.Auth.Login(suite.ctx, &LoginRequest{Username: "nobody", Password: "password123"})
	suite.True(apperrors.Is(err, apperrors.ErrAuthentication))
}

func (suite *AuthServiceTestSuite) TestFrozenUserRejected() {
	resp := suite.register("alice")
	suite.Require().NoError(suite.services.User.UpdateUserStatus(suite.ctx, resp.User.ID, models.UserStatusFrozen))

	_, err := suite.services.Auth.Login(suite.ctx, &LoginRequest{Username: "alice", Password: "password123"})
	suite.True(apperrors.Is(err, apperrors.ErrPermissionDenied))

	_, err = suite.services.Auth.ValidateToken(suite.ctx, resp.AccessToken)
	suite.True(apperrors.Is(err, apperrors.ErrPermissionDenied))
}

func (suite *AuthServiceTestSuite) TestValidateToken() {
	resp := suite.register("alice")

	claims, err := suite.services.Auth.ValidateToken(suite.ctx, resp.AccessToken)
	suite.Require().NoError(err)
	suite.Equal(resp.User.ID, claims.UserID)
	suite.Equal("alice", claims.Username)
	suite.Equal(models.RoleUser, claims.Role)
	suite.NotEmpty(claims.SessionID)

	_, err = suite.services.Auth.ValidateToken(suite.ctx, resp.RefreshToken)
	suite.True(apperrors.Is(err, apperrors.ErrTokenInvalid))

	_, err = suite.services.Auth.ValidateToken(suite.ctx, "garbage")
	suite.True(apperrors.Is(err, apperrors.ErrTokenInvalid))
}

func (suite *AuthServiceTestSuite) TestExpiredToken() {
	resp := suite.register("alice")
	expired := utils.NewJWTManager("test-secret", "chess-bet", -time.Minute, time.Hour)
	token, err := expired.GenerateAccessToken(resp.User.ID, "alice", models.RoleUser, "s")
	suite.Require().NoError(err)

	_, err = suite.services.Auth.ValidateToken(suite.ctx, token)
	suite.True(apperrors.Is(err, apperrors.ErrTokenExpired))
}

func (suite *AuthServiceTestSuite) TestRefreshToken() {
	resp := suite.register("alice")

	refreshed, err := suite.services.Auth.RefreshToken(suite.ctx, resp.RefreshToken)
	suite.Require().NoError(err)
	suite.NotEmpty(refreshed.AccessToken)
	suite.Equal(resp.RefreshToken, refreshed.RefreshToken)

	claims, err := suite.services.Auth.ValidateToken(suite.ctx, refreshed.AccessToken)
	suite.Require().NoError(err)
	suite.Equal(resp.User.ID, claims.UserID)

	_, err = suite.services.Auth.RefreshToken(suite.ctx, resp.AccessToken)
	suite.True(apperrors.Is(err, apperrors.ErrTokenInvalid))
}

func TestAuthServiceSuite(t *testing.T) {
	suite.Run(t, new(AuthServiceTestSuite))
}
