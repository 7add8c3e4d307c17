package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Ivaniiiii/ChessInBse/internal/config"
	apperrors "github.com/Ivaniiiii/ChessInBse/internal/errors"
	"github.com/Ivaniiiii/ChessInBse/internal/game"
	"github.com/Ivaniiiii/ChessInBse/internal/ledger"
	"github.com/Ivaniiiii/ChessInBse/internal/models"
	"github.com/Ivaniiiii/ChessInBse/internal/repository"
	"github.com/Ivaniiiii/ChessInBse/internal/service"
	"github.com/Ivaniiiii/ChessInBse/internal/utils"
)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    apperrors.ErrorCode `json:"code"`
		Message string              `json:"message"`
		Details string              `json:"details"`
	} `json:"error"`
}

type account struct {
	id    uint
	token string
}

// RouterTestSuite HTTP接口测试套件，使用完整服务栈与内存数据库
type RouterTestSuite struct {
	suite.Suite
	db       *gorm.DB
	repos    *repository.Manager
	ledger   *ledger.Service
	router   *Router
	operator account
}

func (suite *RouterTestSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	suite.db = repository.SetupTestDB()
	suite.repos = repository.NewManager(suite.db)

	ls, err := ledger.NewService(ctx, suite.repos, config.LedgerConfig{
		CommissionRate:  "0.05",
		PlatformAccount: repository.TestPlatformAccount,
	}, zap.NewNop())
	suite.Require().NoError(err)
	suite.ledger = ls

	svcCfg := service.DefaultConfig()
	svcCfg.JWTSecret = "router-test"
	svcCfg.Password = &utils.PasswordConfig{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32}
	services := service.NewServices(suite.repos, svcCfg, zap.NewNop())

	games := game.NewGameService(&game.GameServiceConfig{
		Repos:  suite.repos,
		Ledger: ls,
		Game: config.GameConfig{
			JoinTimeout: 10 * time.Minute,
			GameTimeout: 30 * time.Minute,
		},
		Logger: zap.NewNop(),
	})

	suite.router = NewRouter(&Dependencies{
		DB:       suite.db,
		Services: services,
		Ledger:   ls,
		Games:    games,
		Metrics:  config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Logger:   zap.NewNop(),
	})

	// 充值入账只对管理员开放
	suite.operator = suite.register("operator", 0)
	suite.Require().NoError(suite.db.Model(&models.User{}).Where("id = ?", suite.operator.id).Update("role", models.RoleAdmin).Error)
}

func (suite *RouterTestSuite) TearDownTest() {
	repository.CleanupTestDB(suite.db)
}

func (suite *RouterTestSuite) do(method, path, token string, body interface{}) (int, *envelope) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		suite.Require().NoError(err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	suite.router.GetEngine().ServeHTTP(w, req)

	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w.Code, &env
}

func (suite *RouterTestSuite) decode(env *envelope, out interface{}) {
	suite.Require().NoError(json.Unmarshal(env.Data, out))
}

func (suite *RouterTestSuite) register(username string, deposit int64) account {
	code, env := suite.do(http.MethodPost, "/api/v1/auth/register", "", gin.H{
		"username":         username,
		"password":         "password123",
		"confirm_password": "password123",
	})
	suite.Require().Equal(http.StatusCreated, code)

	var resp service.AuthResponse
	suite.decode(env, &resp)
	acc := account{id: resp.User.ID, token: resp.AccessToken}

	if deposit > 0 {
		code, _ = suite.do(http.MethodPost, "/api/v1/admin/wallet/deposit", suite.operator.token, gin.H{
			"user_id":        acc.id,
			"amount":         deposit,
			"currency":       models.CurrencyInternalPoints,
			"correlation_id": "seed-" + username,
		})
		suite.Require().Equal(http.StatusCreated, code)
	}
	return acc
}

func (suite *RouterTestSuite) balance(acc account) int64 {
	code, env := suite.do(http.MethodGet, "/api/v1/wallet/balance?currency=internal_points", acc.token, nil)
	suite.Require().Equal(http.StatusOK, code)
	var resp BalanceResponse
	suite.decode(env, &resp)
	return resp.Balance
}

func (suite *RouterTestSuite) createGame(acc account, stake int64) uint {
	code, env := suite.do(http.MethodPost, "/api/v1/games", acc.token, gin.H{
		"stake":    stake,
		"currency": models.CurrencyInternalPoints,
	})
	suite.Require().Equal(http.StatusCreated, code, env.Error)
	var view game.GameView
	suite.decode(env, &view)
	return view.ID
}

func (suite *RouterTestSuite) move(acc account, gameID uint, from, to string) (int, *envelope) {
	return suite.do(http.MethodPost, fmt.Sprintf("/api/v1/games/%d/moves", gameID), acc.token, gin.H{"from": from, "to": to})
}

func (suite *RouterTestSuite) TestHealthAndMetrics() {
	code, _ := suite.do(http.MethodGet, "/health", "", nil)
	suite.Equal(http.StatusOK, code)

	code, _ = suite.do(http.MethodGet, "/metrics", "", nil)
	suite.Equal(http.StatusOK, code)

	code, _ = suite.do(http.MethodGet, "/no/such/route", "", nil)
	suite.Equal(http.StatusNotFound, code)
}

func (suite *RouterTestSuite) TestAuthFlow() {
	alice := suite.register("alice", 0)

	code, env := suite.do(http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": "alice", "password": "password123"})
	suite.Require().Equal(http.StatusOK, code)
	var login service.AuthResponse
	suite.decode(env, &login)
	suite.NotEmpty(login.RefreshToken)

	code, env = suite.do(http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refresh_token": login.RefreshToken})
	suite.Equal(http.StatusOK, code)

	code, env = suite.do(http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": "alice", "password": "nope"})
	suite.Equal(http.StatusUnauthorized, code)
	suite.Require().NotNil(env.Error)
	suite.Equal(apperrors.ErrAuthentication, env.Error.Code)

	code, env = suite.do(http.MethodGet, "/api/v1/users/me", alice.token, nil)
	suite.Require().Equal(http.StatusOK, code)
	var me models.User
	suite.decode(env, &me)
	suite.Equal("alice", me.Username)

	code, _ = suite.do(http.MethodPut, "/api/v1/users/me/wallet", alice.token, gin.H{"wallet_address": "0x000000000000000000000000000000000000a11c"})
	suite.Equal(http.StatusOK, code)
}

func (suite *RouterTestSuite) TestRequiresAuthentication() {
	code, env := suite.do(http.MethodGet, "/api/v1/wallet/balances", "", nil)
	suite.Equal(http.StatusUnauthorized, code)
	suite.Require().NotNil(env.Error)
	suite.Equal(apperrors.ErrAuthentication, env.Error.Code)

	code, env = suite.do(http.MethodGet, "/api/v1/games", "garbage", nil)
	suite.Equal(http.StatusUnauthorized, code)
	suite.Equal(apperrors.ErrTokenInvalid, env.Error.Code)
}

func (suite *RouterTestSuite) TestWalletEndpoints() {
	alice := suite.register("alice", 100)
	suite.Equal(int64(100), suite.balance(alice))

	// 普通用户不能给自己入账
	code, env := suite.do(http.MethodPost, "/api/v1/admin/wallet/deposit", alice.token, gin.H{
		"user_id": alice.id, "amount": 1000, "currency": "stablecoin", "correlation_id": "self-mint",
	})
	suite.Equal(http.StatusForbidden, code)
	suite.Equal(apperrors.ErrPermissionDenied, env.Error.Code)
	code, _ = suite.do(http.MethodPost, "/api/v1/wallet/deposit", alice.token, gin.H{
		"amount": 1000, "currency": "internal_points", "correlation_id": "self-mint",
	})
	suite.Equal(http.StatusNotFound, code)
	suite.Equal(int64(100), suite.balance(alice))

	// 同一关联号重复充值只入账一次
	code, env = suite.do(http.MethodPost, "/api/v1/admin/wallet/deposit", suite.operator.token, gin.H{
		"user_id": alice.id, "amount": 100, "currency": "internal_points", "correlation_id": "seed-alice",
	})
	suite.Equal(http.StatusOK, code)
	var dep DepositResponse
	suite.decode(env, &dep)
	suite.False(dep.Created)
	suite.Equal(int64(100), dep.Balance)

	code, env = suite.do(http.MethodPost, "/api/v1/wallet/withdraw", alice.token, gin.H{"amount": 500, "currency": "internal_points"})
	suite.Equal(http.StatusBadRequest, code)
	suite.Equal(apperrors.ErrInsufficientFunds, env.Error.Code)

	code, _ = suite.do(http.MethodPost, "/api/v1/wallet/withdraw", alice.token, gin.H{"amount": 30, "currency": "internal_points"})
	suite.Equal(http.StatusCreated, code)
	suite.Equal(int64(70), suite.balance(alice))

	code, env = suite.do(http.MethodGet, "/api/v1/wallet/balance?currency=doubloons", alice.token, nil)
	suite.Equal(http.StatusBadRequest, code)
	suite.Equal(apperrors.ErrUnknownCurrency, env.Error.Code)

	code, env = suite.do(http.MethodGet, "/api/v1/wallet/balances", alice.token, nil)
	suite.Require().Equal(http.StatusOK, code)
	var balances map[models.Currency]int64
	suite.decode(env, &balances)
	suite.Equal(int64(70), balances[models.CurrencyInternalPoints])
	suite.Len(balances, len(models.AllCurrencies()))

	code, env = suite.do(http.MethodGet, "/api/v1/wallet/transactions?page=1&page_size=10", alice.token, nil)
	suite.Require().Equal(http.StatusOK, code)
	var list struct {
		Items []models.Transaction `json:"items"`
		Total int64                `json:"total"`
	}
	suite.decode(env, &list)
	suite.Equal(int64(2), list.Total)
	suite.Len(list.Items, 2)
}

func (suite *RouterTestSuite) TestScholarsMateOverHTTP() {
	alice := suite.register("alice", 100)
	bob := suite.register("bob", 50)

	gameID := suite.createGame(alice, 10)

	code, env := suite.do(http.MethodGet, "/api/v1/games", bob.token, nil)
	suite.Require().Equal(http.StatusOK, code)
	var lobby struct {
		Items []game.GameView `json:"items"`
	}
	suite.decode(env, &lobby)
	suite.Require().Len(lobby.Items, 1)
	suite.Equal(gameID, lobby.Items[0].ID)

	code, _ = suite.do(http.MethodPost, fmt.Sprintf("/api/v1/games/%d/join", gameID), bob.token, nil)
	suite.Require().Equal(http.StatusOK, code)
	suite.Equal(int64(90), suite.balance(alice))
	suite.Equal(int64(40), suite.balance(bob))

	moves := []struct {
		by       account
		from, to string
	}{
		{alice, "e2", "e4"}, {bob, "e7", "e5"},
		{alice, "f1", "c4"}, {bob, "b8", "c6"},
		{alice, "d1", "h5"}, {bob, "g8", "f6"},
		{alice, "h5", "f7"},
	}
	var last MoveResponse
	for i, m := range moves {
		code, env := suite.move(m.by, gameID, m.from, m.to)
		suite.Require().Equal(http.StatusOK, code, "第%d步", i+1)
		suite.decode(env, &last)
		suite.Equal(i+1, last.Move.Seq)
	}

	suite.Equal(models.GameStatusFinished, last.Game.Status)
	suite.Equal("Qxf7#", last.Move.SAN)
	suite.Require().NotNil(last.Game.WinnerID)
	suite.Equal(alice.id, *last.Game.WinnerID)

	suite.Equal(int64(109), suite.balance(alice))
	suite.Equal(int64(40), suite.balance(bob))

	code, env = suite.do(http.MethodGet, fmt.Sprintf("/api/v1/games/%d", gameID), bob.token, nil)
	suite.Require().Equal(http.StatusOK, code)
	var view game.GameView
	suite.decode(env, &view)
	suite.Equal(7, view.MoveCount)
	suite.Require().NotNil(view.LastMove)
	suite.Equal("Qxf7#", view.LastMove.SAN)
	suite.Empty(view.SideToMove)

	code, env = suite.do(http.MethodGet, fmt.Sprintf("/api/v1/games/%d/moves", gameID), bob.token, nil)
	suite.Require().Equal(http.StatusOK, code)
	var history []models.Move
	suite.decode(env, &history)
	suite.Len(history, 7)
}

func (suite *RouterTestSuite) TestGameErrorsMapToStatus() {
	alice := suite.register("alice", 100)
	bob := suite.register("bob", 50)
	carol := suite.register("carol", 50)

	code, env := suite.do(http.MethodPost, "/api/v1/games", alice.token, gin.H{"stake": 500, "currency": "internal_points"})
	suite.Equal(http.StatusBadRequest, code)
	suite.Equal(apperrors.ErrInsufficientFunds, env.Error.Code)

	gameID := suite.createGame(alice, 10)

	code, env = suite.do(http.MethodPost, fmt.Sprintf("/api/v1/games/%d/join", gameID), alice.token, nil)
	suite.Equal(http.StatusConflict, code)
	suite.Equal(apperrors.ErrSelfJoin, env.Error.Code)

	code, _ = suite.do(http.MethodPost, fmt.Sprintf("/api/v1/games/%d/join", gameID), bob.token, nil)
	suite.Require().Equal(http.StatusOK, code)

	// 进行中的对局不能再加入，余额不变
	code, env = suite.do(http.MethodPost, fmt.Sprintf("/api/v1/games/%d/join", gameID), carol.token, nil)
	suite.Equal(http.StatusConflict, code)
	suite.Equal(apperrors.ErrGameConflict, env.Error.Code)
	suite.Equal(int64(50), suite.balance(carol))

	code, env = suite.move(bob, gameID, "e7", "e5")
	suite.Equal(http.StatusForbidden, code)
	suite.Equal(apperrors.ErrNotYourTurn, env.Error.Code)

	code, env = suite.move(alice, gameID, "e2", "e5")
	suite.Equal(http.StatusUnprocessableEntity, code)
	suite.Equal(apperrors.ErrInvalidMove, env.Error.Code)

	code, env = suite.move(carol, gameID, "e2", "e4")
	suite.Equal(http.StatusForbidden, code)
	suite.Equal(apperrors.ErrPermissionDenied, env.Error.Code)

	code, env = suite.do(http.MethodPost, fmt.Sprintf("/api/v1/games/%d/moves", gameID), alice.token, gin.H{"from": "e2"})
	suite.Equal(http.StatusBadRequest, code)
	suite.Equal(apperrors.ErrInvalidParam, env.Error.Code)

	code, env = suite.do(http.MethodPost, fmt.Sprintf("/api/v1/games/%d/force-finish", gameID), carol.token, nil)
	suite.Equal(http.StatusForbidden, code)
	suite.Equal(apperrors.ErrGameNotExpired, env.Error.Code)

	code, env = suite.do(http.MethodGet, "/api/v1/games/9999", alice.token, nil)
	suite.Equal(http.StatusNotFound, code)
	suite.Equal(apperrors.ErrNotFound, env.Error.Code)

	code, env = suite.do(http.MethodGet, "/api/v1/games/abc", alice.token, nil)
	suite.Equal(http.StatusBadRequest, code)
	suite.Equal(apperrors.ErrInvalidParam, env.Error.Code)
}

func (suite *RouterTestSuite) TestCancelRefundsCreator() {
	alice := suite.register("alice", 100)
	bob := suite.register("bob", 50)
	gameID := suite.createGame(alice, 10)
	suite.Equal(int64(90), suite.balance(alice))

	code, env := suite.do(http.MethodPost, fmt.Sprintf("/api/v1/games/%d/cancel", gameID), bob.token, nil)
	suite.Equal(http.StatusForbidden, code)
	suite.Equal(apperrors.ErrGameNotExpired, env.Error.Code)

	code, env = suite.do(http.MethodPost, fmt.Sprintf("/api/v1/games/%d/cancel", gameID), alice.token, nil)
	suite.Require().Equal(http.StatusOK, code)
	var view game.GameView
	suite.decode(env, &view)
	suite.Equal(models.GameStatusCancelled, view.Status)
	suite.Equal(int64(100), suite.balance(alice))

	exposure, err := suite.ledger.GameExposure(context.Background(), gameID)
	suite.Require().NoError(err)
	suite.Zero(exposure)
}

func (suite *RouterTestSuite) TestAdminEndpoints() {
	alice := suite.register("alice", 0)
	admin := suite.register("admin", 0)
	suite.Require().NoError(suite.db.Model(&models.User{}).Where("id = ?", admin.id).Update("role", models.RoleAdmin).Error)

	code, env := suite.do(http.MethodGet, "/api/v1/admin/settlements/pending", alice.token, nil)
	suite.Equal(http.StatusForbidden, code)
	suite.Equal(apperrors.ErrPermissionDenied, env.Error.Code)

	code, env = suite.do(http.MethodGet, "/api/v1/admin/settlements/pending", admin.token, nil)
	suite.Require().Equal(http.StatusOK, code)
	var pending []models.PendingDeclaration
	suite.decode(env, &pending)
	suite.Empty(pending)

	code, _ = suite.do(http.MethodGet, "/api/v1/admin/games/attention", admin.token, nil)
	suite.Equal(http.StatusOK, code)

	code, env = suite.do(http.MethodPost, "/api/v1/admin/games/1/requeue", admin.token, nil)
	suite.Equal(http.StatusConflict, code)
	suite.Equal(apperrors.ErrGameConflict, env.Error.Code)

	code, _ = suite.do(http.MethodGet, fmt.Sprintf("/api/v1/admin/users/%d/audit", alice.id), admin.token, nil)
	suite.Equal(http.StatusOK, code)

	code, _ = suite.do(http.MethodPut, fmt.Sprintf("/api/v1/admin/users/%d/status", alice.id), admin.token, gin.H{"status": models.UserStatusFrozen})
	suite.Require().Equal(http.StatusOK, code)

	// 冻结后令牌失效
	code, env = suite.do(http.MethodGet, "/api/v1/users/me", alice.token, nil)
	suite.Equal(http.StatusForbidden, code)
	suite.Equal(apperrors.ErrPermissionDenied, env.Error.Code)
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterTestSuite))
}
