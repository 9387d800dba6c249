package routes_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cppla/surveyreward/faucet"
	"github.com/cppla/surveyreward/models"
	"github.com/cppla/surveyreward/routes"
	"github.com/cppla/surveyreward/services"
	"github.com/cppla/surveyreward/testutil"
	"github.com/cppla/surveyreward/utils"
	"github.com/cppla/surveyreward/wallet"
)

const adminEmail = "admin@example.com"

var codePattern = regexp.MustCompile(`\b\d{6}\b`)

func TestMain(m *testing.M) {
	os.Setenv("JWT_SECRET", "router-test-secret")
	os.Setenv("GIN_MODE", "test")
	os.Setenv("GIN_PATH", filepath.Join(os.TempDir(), "surveyreward-router-test", "gin.log"))
	os.Setenv("RATE_LIMIT_PER_MINUTE", "10000")
	os.Setenv("ADMIN_EMAILS", adminEmail)
	os.Unsetenv("REDIS_HOST")
	os.Exit(m.Run())
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type server struct {
	t       *testing.T
	db      *gorm.DB
	handler http.Handler
	outbox  map[string]string
	mailErr error
}

func newServer(t *testing.T) *server {
	t.Helper()

	log := zap.NewNop().Sugar()
	db := testutil.SetupTestDB(t)

	f, err := faucet.New(context.Background(), faucet.Config{Mode: faucet.ModeSimulate}, log)
	if err != nil {
		t.Fatalf("Should be able to build a simulated faucet: %v", err)
	}

	s := &server{t: t, db: db, outbox: map[string]string{}}
	chain := services.ChainInfo{ChainID: "11155112", ChainName: "Sepolia Testnet"}
	s.handler = routes.SetupRouter(routes.Deps{
		DB:      db,
		Users:   services.NewUserService(db, wallet.Verifier{}, log),
		Surveys: services.NewSurveyService(db, 5, log),
		Rewards: services.NewRewardService(db, f, 100, chain, log),
		Faucet:  f,
		Mail: func(to, subject, body string) error {
			if s.mailErr != nil {
				return s.mailErr
			}
			s.outbox[to] = body
			return nil
		},
		Log: log,
	})
	return s
}

func (s *server) do(method, path, token string, body any) (int, envelope) {
	s.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatalf("Should be able to encode the body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		s.t.Fatalf("Should get a JSON envelope from %s %s: %v: %s", method, path, err, w.Body.String())
	}
	return w.Code, env
}

func (s *server) register(email string) string {
	s.t.Helper()

	status, env := s.do(http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email":    email,
		"password": "secret-password",
	})
	if status != http.StatusOK {
		s.t.Fatalf("Should register %s: %d %s", email, status, env.Message)
	}
	var data struct {
		Token string `json:"token"`
	}
	decode(s.t, env, &data)
	return data.Token
}

// emailCode requests a verification code for email and reads it from the outbox.
func (s *server) emailCode(email string) string {
	s.t.Helper()

	status, env := s.do(http.MethodPost, "/api/v1/auth/email/code", "", map[string]string{"email": email})
	if status != http.StatusOK {
		s.t.Fatalf("Should send a code to %s: %d %s", email, status, env.Message)
	}
	code := codePattern.FindString(s.outbox[email])
	if code == "" {
		s.t.Fatalf("Should mail a code to %s, got %q", email, s.outbox[email])
	}
	return code
}

func tokenOf(t *testing.T, env envelope) string {
	t.Helper()
	var data struct {
		Token string `json:"token"`
	}
	decode(t, env, &data)
	return data.Token
}

func decode(t *testing.T, env envelope, out any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, out); err != nil {
		t.Fatalf("Should decode response data: %v: %s", err, env.Data)
	}
}

func TestHealthAndNoRoute(t *testing.T) {
	s := newServer(t)

	if status, env := s.do(http.MethodGet, "/api/v1/health", "", nil); status != http.StatusOK || env.Code != 0 {
		t.Fatalf("Should report healthy, got %d %d", status, env.Code)
	}
	if status, env := s.do(http.MethodGet, "/api/v1/nope", "", nil); status != http.StatusNotFound || env.Code != 40400 {
		t.Fatalf("Should answer unknown routes with 404/40400, got %d %d", status, env.Code)
	}
}

func TestAuthentication(t *testing.T) {
	s := newServer(t)
	token := s.register("carol@example.com")

	tests := []struct {
		name   string
		header string
		status int
		code   int
	}{
		{"missing header", "", http.StatusUnauthorized, 40101},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, 40102},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized, 40105},
		{"valid token", "Bearer " + token, http.StatusOK, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			s.handler.ServeHTTP(w, req)

			var env envelope
			json.Unmarshal(w.Body.Bytes(), &env)
			if w.Code != tt.status || env.Code != tt.code {
				t.Fatalf("Should get %d/%d, got %d/%d", tt.status, tt.code, w.Code, env.Code)
			}
		})
	}

	t.Run("logout revokes the token", func(t *testing.T) {
		if status, _ := s.do(http.MethodPost, "/api/v1/auth/logout", token, nil); status != http.StatusOK {
			t.Fatalf("Should log out, got %d", status)
		}
		status, env := s.do(http.MethodGet, "/api/v1/auth/me", token, nil)
		if status != http.StatusUnauthorized || env.Code != 40104 {
			t.Fatalf("Should reject a revoked token, got %d/%d", status, env.Code)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		status, env := s.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"email":    "carol@example.com",
			"password": "not-the-password",
		})
		if status != http.StatusUnauthorized || env.Code != 40107 {
			t.Fatalf("Should reject bad credentials, got %d/%d", status, env.Code)
		}
	})
}

func TestSurveyLifecycle(t *testing.T) {
	s := newServer(t)
	owner := s.register("owner@example.com")
	voter := s.register("voter@example.com")

	status, env := s.do(http.MethodPost, "/api/v1/surveys", owner, map[string]any{
		"title": "Team offsite",
		"questions": []map[string]any{
			{"text": "Where?", "options": []string{"Lake", "Mountains", ""}},
			{"text": "When?", "options": []string{"May", "June"}},
		},
	})
	if status != http.StatusCreated {
		t.Fatalf("Should create the survey, got %d %s", status, env.Message)
	}
	var created struct {
		Survey models.Survey `json:"survey"`
	}
	decode(t, env, &created)
	survey := created.Survey
	if len(survey.Questions) != 2 || len(survey.Questions[0].Options) != 2 {
		t.Fatalf("Should drop blank options, got %+v", survey.Questions)
	}

	path := fmt.Sprintf("/api/v1/surveys/%d", survey.ID)
	ballot := map[string]any{"answers": []services.Selection{
		{QuestionID: survey.Questions[0].ID, OptionID: survey.Questions[0].Options[1].ID},
		{QuestionID: survey.Questions[1].ID, OptionID: survey.Questions[1].Options[0].ID},
	}}

	steps := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		code   int
	}{
		{"voter reads the survey", http.MethodGet, path, voter, nil, http.StatusOK, 0},
		{"voter cannot see results", http.MethodGet, path + "/results", voter, nil, http.StatusForbidden, 40303},
		{"owner cannot vote", http.MethodPost, path + "/votes", owner, ballot, http.StatusForbidden, 40302},
		{"voter votes", http.MethodPost, path + "/votes", voter, ballot, http.StatusOK, 0},
		{"voter cannot vote twice", http.MethodPost, path + "/votes", voter, ballot, http.StatusConflict, 40901},
		{"voter cannot end", http.MethodPost, path + "/end", voter, nil, http.StatusForbidden, 40303},
		{"owner ends", http.MethodPost, path + "/end", owner, nil, http.StatusOK, 0},
		{"owner cannot end twice", http.MethodPost, path + "/end", owner, nil, http.StatusConflict, 40901},
		{"bad id", http.MethodGet, "/api/v1/surveys/abc", voter, nil, http.StatusBadRequest, 40002},
		{"unknown survey", http.MethodGet, "/api/v1/surveys/999", voter, nil, http.StatusNotFound, 40401},
	}
	for _, st := range steps {
		status, env := s.do(st.method, st.path, st.token, st.body)
		if status != st.status || env.Code != st.code {
			t.Fatalf("%s: Should get %d/%d, got %d/%d %s", st.name, st.status, st.code, status, env.Code, env.Message)
		}
	}

	_, env = s.do(http.MethodGet, path+"/results", owner, nil)
	var results services.SurveyResults
	decode(t, env, &results)
	if results.Active {
		t.Fatal("Should report the survey as ended")
	}
	if got := results.Questions[0].Options[1].Votes; got != 1 {
		t.Fatalf("Should count the vote for Mountains, got %d", got)
	}

	_, env = s.do(http.MethodGet, "/api/v1/rewards", voter, nil)
	var overview services.Overview
	decode(t, env, &overview)
	if overview.Points != 5 {
		t.Fatalf("Should award 5 points for voting, got %d", overview.Points)
	}
}

func TestConvertThroughAPI(t *testing.T) {
	s := newServer(t)

	const address = "0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1"
	user := testutil.CreateTestUser(t, s.db, "", address, 10)
	token, err := utils.GenerateToken(user.ID, "", time.Hour)
	if err != nil {
		t.Fatalf("Should generate a token: %v", err)
	}

	status, env := s.do(http.MethodPost, "/api/v1/rewards/convert", token, map[string]any{"points": 11, "wallet_address": address})
	if status != http.StatusBadRequest {
		t.Fatalf("Should refuse to convert more than the balance, got %d", status)
	}

	status, env = s.do(http.MethodPost, "/api/v1/rewards/convert", token, map[string]any{"points": 10, "wallet_address": address})
	if status != http.StatusOK {
		t.Fatalf("Should convert the full balance, got %d %s", status, env.Message)
	}
	var receipt services.Receipt
	decode(t, env, &receipt)
	if receipt.EthAmount != 10 || receipt.RemainingPoints != 0 || receipt.TxHash == "" {
		t.Fatalf("Should return a full receipt, got %+v", receipt)
	}

	status, env = s.do(http.MethodGet, "/api/v1/wallet/balance", token, nil)
	if status != http.StatusServiceUnavailable || env.Code != 50301 {
		t.Fatalf("Should report the faucet network as unconfigured, got %d/%d", status, env.Code)
	}
}

func TestAdminRoutes(t *testing.T) {
	s := newServer(t)
	member := s.register("member@example.com")
	squatter := s.register(adminEmail)

	if status, env := s.do(http.MethodGet, "/api/v1/admin/users", member, nil); status != http.StatusForbidden || env.Code != 40301 {
		t.Fatalf("Should keep members out of admin routes, got %d/%d", status, env.Code)
	}
	if status, env := s.do(http.MethodGet, "/api/v1/admin/users", squatter, nil); status != http.StatusForbidden || env.Code != 40301 {
		t.Fatalf("Should not grant admin to an unverified admin email, got %d/%d", status, env.Code)
	}

	status, env := s.do(http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email":      adminEmail,
		"email_code": s.emailCode(adminEmail),
		"password":   "admin-password",
	})
	if status != http.StatusOK {
		t.Fatalf("Should register the verified admin over the unverified claim, got %d %s", status, env.Message)
	}
	admin := tokenOf(t, env)

	status, env = s.do(http.MethodGet, "/api/v1/admin/users", admin, nil)
	if status != http.StatusOK {
		t.Fatalf("Should list users for an admin, got %d", status)
	}
	var list struct {
		Items []map[string]any `json:"items"`
	}
	decode(t, env, &list)
	if len(list.Items) != 3 {
		t.Fatalf("Should list all three users, got %d", len(list.Items))
	}

	status, _ = s.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": adminEmail, "password": "secret-password"})
	if status != http.StatusUnauthorized {
		t.Fatalf("Should no longer accept the squatter's password for the admin email, got %d", status)
	}

	fund := map[string]any{"address": "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1", "eth": 5000}
	if status, _ := s.do(http.MethodPost, "/api/v1/admin/faucet/fund", admin, fund); status != http.StatusBadRequest {
		t.Fatalf("Should reject funding above 1000 ETH, got %d", status)
	}
	fund["address"] = "0x1234"
	fund["eth"] = 5
	if status, _ := s.do(http.MethodPost, "/api/v1/admin/faucet/fund", admin, fund); status != http.StatusBadRequest {
		t.Fatalf("Should reject a malformed address, got %d", status)
	}

	if status, env := s.do(http.MethodGet, "/api/v1/stats", "", nil); status != http.StatusOK || env.Code != 0 {
		t.Fatalf("Should serve public stats, got %d/%d", status, env.Code)
	}
}

func TestEmailVerification(t *testing.T) {
	s := newServer(t)
	const email = "dave@example.com"
	token := s.register(email)

	var me struct {
		EmailVerified bool `json:"email_verified"`
	}
	_, env := s.do(http.MethodGet, "/api/v1/auth/me", token, nil)
	decode(t, env, &me)
	if me.EmailVerified {
		t.Fatal("Should start with an unverified email")
	}

	if status, env := s.do(http.MethodPost, "/api/v1/auth/email/verify", token, map[string]string{"code": "000000"}); status != http.StatusBadRequest || env.Code != 40009 {
		t.Fatalf("Should reject a code that was never sent, got %d/%d", status, env.Code)
	}

	code := s.emailCode(email)
	if status, env := s.do(http.MethodPost, "/api/v1/auth/email/code", "", map[string]string{"email": email}); status != http.StatusTooManyRequests || env.Code != 42910 {
		t.Fatalf("Should enforce the resend cooldown, got %d/%d", status, env.Code)
	}

	status, env := s.do(http.MethodPost, "/api/v1/auth/email/verify", token, map[string]string{"code": code})
	if status != http.StatusOK {
		t.Fatalf("Should verify with the mailed code, got %d %s", status, env.Message)
	}
	fresh := tokenOf(t, env)
	claims, err := utils.ParseToken(fresh)
	if err != nil || claims.Email != email {
		t.Fatalf("Should put the verified email in the new token, got %+v %v", claims, err)
	}
	_, env = s.do(http.MethodGet, "/api/v1/auth/me", fresh, nil)
	decode(t, env, &me)
	if !me.EmailVerified {
		t.Fatal("Should report the email as verified")
	}

	s.mailErr = utils.ErrMailNotConfigured
	if status, env := s.do(http.MethodPost, "/api/v1/auth/email/code", "", map[string]string{"email": "erin@example.com"}); status != http.StatusServiceUnavailable || env.Code != 50302 {
		t.Fatalf("Should report unconfigured mail delivery, got %d/%d", status, env.Code)
	}
	if status, env := s.do(http.MethodPost, "/api/v1/auth/email/code", "", map[string]string{"email": "not-an-email"}); status != http.StatusBadRequest || env.Code != 40001 {
		t.Fatalf("Should validate the email address, got %d/%d", status, env.Code)
	}
}
