package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nanochat/nanochat/internal/auth"
	"github.com/nanochat/nanochat/internal/conversation"
	"github.com/nanochat/nanochat/internal/errcode"
	"github.com/nanochat/nanochat/internal/knowledge"
	"github.com/nanochat/nanochat/internal/queue"
	"github.com/nanochat/nanochat/internal/tenant"
	"github.com/nanochat/nanochat/internal/user"
)

// --- fakes -----------------------------------------------------------------

type fakeUsers struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]*user.User
	byEmail map[string]*user.User
	tenants map[uuid.UUID]*tenant.Tenant
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{
		byID:    make(map[uuid.UUID]*user.User),
		byEmail: make(map[string]*user.User),
		tenants: make(map[uuid.UUID]*tenant.Tenant),
	}
}

func (f *fakeUsers) add(email, password string, super bool) (*user.User, *tenant.Tenant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash, _ := auth.HashPassword(password)
	tn := &tenant.Tenant{
		ID:     uuid.New(),
		Name:   "Test Tenant",
		Slug:   "test-tenant-" + uuid.NewString()[:8],
		Plan:   tenant.PlanFree,
		Status: tenant.StatusActive,
		Quota:  tenant.QuotaFor(tenant.PlanFree),
	}
	u := &user.User{
		ID:           uuid.New(),
		TenantID:     tn.ID,
		Email:        email,
		Username:     strings.Split(email, "@")[0],
		PasswordHash: hash,
		IsActive:     true,
		IsSuperuser:  super,
	}
	f.byID[u.ID] = u
	f.byEmail[email] = u
	f.tenants[tn.ID] = tn
	return u, tn
}

func (f *fakeUsers) Register(_ context.Context, in user.RegisterInput) (*user.User, *tenant.Tenant, error) {
	if err := user.ValidateEmail(user.NormalizeEmail(in.Email)); err != nil {
		return nil, nil, err
	}
	if _, exists := f.byEmail[user.NormalizeEmail(in.Email)]; exists {
		return nil, nil, user.ErrEmailTaken
	}
	u, tn := f.add(user.NormalizeEmail(in.Email), in.Password, true)
	return u, tn, nil
}

func (f *fakeUsers) Authenticate(_ context.Context, email, password string) (*user.User, *tenant.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byEmail[user.NormalizeEmail(email)]
	if !ok || !auth.VerifyPassword(password, u.PasswordHash) {
		return nil, nil, user.ErrInvalidCredentials
	}
	return u, f.tenants[u.TenantID], nil
}

func (f *fakeUsers) Lookup(_ context.Context, userID uuid.UUID) (*user.User, *tenant.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[userID]
	if !ok {
		return nil, nil, user.ErrNotFound
	}
	return u, f.tenants[u.TenantID], nil
}

// userAdminStore methods.
func (f *fakeUsers) Get(_ context.Context, id uuid.UUID) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) ListByTenant(_ context.Context, tenantID uuid.UUID, limit, offset int) ([]*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*user.User
	for _, u := range f.byID {
		if u.TenantID == tenantID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeUsers) CountByTenant(_ context.Context, tenantID uuid.UUID) (int64, error) {
	users, _ := f.ListByTenant(context.Background(), tenantID, 0, 0)
	return int64(len(users)), nil
}

func (f *fakeUsers) UpdateProfile(_ context.Context, id uuid.UUID, fullName, username *string) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	if fullName != nil {
		u.FullName = *fullName
	}
	if username != nil {
		u.Username = *username
	}
	return u, nil
}

func (f *fakeUsers) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return user.ErrNotFound
	}
	u.IsActive = active
	return nil
}

// tenantAdminStore methods.
func (f *fakeUsers) GetTenant(_ context.Context, id uuid.UUID) (*tenant.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tn, ok := f.tenants[id]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	return tn, nil
}

type fakeTenantStore struct{ users *fakeUsers }

func (f *fakeTenantStore) Get(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error) {
	return f.users.GetTenant(ctx, id)
}

func (f *fakeTenantStore) UpdateName(ctx context.Context, id uuid.UUID, name string) error {
	if err := tenant.ValidateName(name); err != nil {
		return err
	}
	tn, err := f.users.GetTenant(ctx, id)
	if err != nil {
		return err
	}
	tn.Name = name
	return nil
}

func (f *fakeTenantStore) UpdateStatus(ctx context.Context, id uuid.UUID, status tenant.Status) error {
	tn, err := f.users.GetTenant(ctx, id)
	if err != nil {
		return err
	}
	tn.Status = status
	return nil
}

func (f *fakeTenantStore) UpdatePlan(ctx context.Context, id uuid.UUID, plan tenant.Plan) (*tenant.Tenant, error) {
	tn, err := f.users.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	tn.Plan = plan
	tn.Quota = tenant.QuotaFor(plan)
	return tn, nil
}

type fakeConversations struct {
	mu    sync.Mutex
	convs map[uuid.UUID]*conversation.Conversation
	msgs  map[uuid.UUID][]*conversation.Message
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{
		convs: make(map[uuid.UUID]*conversation.Conversation),
		msgs:  make(map[uuid.UUID][]*conversation.Message),
	}
}

func (f *fakeConversations) Create(_ context.Context, tenantID, userID uuid.UUID, title string) (*conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &conversation.Conversation{ID: uuid.New(), TenantID: tenantID, UserID: userID, Title: title, Model: "test-model"}
	f.convs[c.ID] = c
	return c, nil
}

func (f *fakeConversations) Get(_ context.Context, id, userID uuid.UUID) (*conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok || c.UserID != userID {
		return nil, conversation.ErrNotFound
	}
	return c, nil
}

func (f *fakeConversations) List(_ context.Context, userID uuid.UUID, limit, offset int) ([]*conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*conversation.Conversation
	for _, c := range f.convs {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeConversations) Rename(ctx context.Context, id, userID uuid.UUID, title string) error {
	c, err := f.Get(ctx, id, userID)
	if err != nil {
		return err
	}
	c.Title = title
	return nil
}

func (f *fakeConversations) Delete(ctx context.Context, id, userID uuid.UUID) error {
	if _, err := f.Get(ctx, id, userID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.convs, id)
	return nil
}

func (f *fakeConversations) Messages(ctx context.Context, id, userID uuid.UUID, limit, offset int) ([]*conversation.Message, error) {
	if _, err := f.Get(ctx, id, userID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgs[id], nil
}

func (f *fakeConversations) Chat(ctx context.Context, id, userID uuid.UUID, content string) (*conversation.Message, *conversation.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil, conversation.ErrEmptyMessage
	}
	if _, err := f.Get(ctx, id, userID); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	um := &conversation.Message{ID: uuid.New(), ConversationID: id, Role: conversation.RoleUser, Content: content, Seq: len(f.msgs[id]) + 1}
	am := &conversation.Message{ID: uuid.New(), ConversationID: id, Role: conversation.RoleAssistant, Content: "echo: " + content, Seq: len(f.msgs[id]) + 2}
	f.msgs[id] = append(f.msgs[id], um, am)
	return um, am, nil
}

type fakeDocs struct {
	mu   sync.Mutex
	docs map[uuid.UUID]*knowledge.Document
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{docs: make(map[uuid.UUID]*knowledge.Document)}
}

func (f *fakeDocs) CreateDocument(_ context.Context, d *knowledge.Document) (*knowledge.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	created := *d
	if created.ID == uuid.Nil {
		created.ID = uuid.New()
	}
	created.Status = knowledge.StatusPending
	f.docs[created.ID] = &created
	return &created, nil
}

func (f *fakeDocs) GetDocument(_ context.Context, id, tenantID uuid.UUID) (*knowledge.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok || d.TenantID != tenantID {
		return nil, knowledge.ErrNotFound
	}
	return d, nil
}

func (f *fakeDocs) ListDocuments(_ context.Context, tenantID uuid.UUID, limit, offset int) ([]*knowledge.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*knowledge.Document
	for _, d := range f.docs {
		if d.TenantID == tenantID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDocs) CountDocuments(_ context.Context, tenantID uuid.UUID) (int64, error) {
	docs, _ := f.ListDocuments(context.Background(), tenantID, 0, 0)
	return int64(len(docs)), nil
}

func (f *fakeDocs) StorageBytes(_ context.Context, tenantID uuid.UUID) (int64, error) {
	docs, _ := f.ListDocuments(context.Background(), tenantID, 0, 0)
	var n int64
	for _, d := range docs {
		n += d.SizeBytes
	}
	return n, nil
}

func (f *fakeDocs) DeleteDocument(ctx context.Context, id, tenantID uuid.UUID) error {
	if _, err := f.GetDocument(ctx, id, tenantID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, id)
	return nil
}

func (f *fakeDocs) Search(_ context.Context, tenantID uuid.UUID, embedding []float32, limit int) ([]knowledge.SearchResult, error) {
	return []knowledge.SearchResult{}, nil
}

type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeBlobStore) Put(_ context.Context, key, contentType string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeBlobStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

type fakePublisher struct {
	mu   sync.Mutex
	jobs []queue.IngestJob
}

func (f *fakePublisher) Publish(_ context.Context, job queue.IngestJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

type fakeEmbed struct{}

func (fakeEmbed) Embed(_ context.Context, _ string) ([]float32, error) {
	return make([]float32, knowledge.VectorDimension), nil
}

type memRevoker struct {
	mu   sync.Mutex
	jtis map[string]bool
}

func newMemRevoker() *memRevoker { return &memRevoker{jtis: make(map[string]bool)} }

func (m *memRevoker) Revoke(_ context.Context, jti string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jtis[jti] = true
	return nil
}

func (m *memRevoker) RevokeOnce(_ context.Context, jti string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jtis[jti] {
		return false, nil
	}
	m.jtis[jti] = true
	return true, nil
}

func (m *memRevoker) IsRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jtis[jti], nil
}

// --- harness ----------------------------------------------------------------

type testEnv struct {
	server  *httptest.Server
	users   *fakeUsers
	convs   *fakeConversations
	docs    *fakeDocs
	blobs   *fakeBlobStore
	jobs    *fakePublisher
	tokens  *auth.TokenManager
	revoked *memRevoker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	users := newFakeUsers()
	convs := newFakeConversations()
	docs := newFakeDocs()
	blobs := &fakeBlobStore{objects: make(map[string][]byte)}
	jobs := &fakePublisher{}
	revoked := newMemRevoker()

	tokens, err := auth.NewTokenManager("0123456789abcdef0123456789abcdef", 15*time.Minute, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("NewTokenManager() error = %v", err)
	}

	srv, err := NewServer(ServerConfig{
		Users:          users,
		UserStore:      users,
		Tenants:        &fakeTenantStore{users: users},
		Conversations:  convs,
		Documents:      docs,
		Blobs:          blobs,
		Jobs:           jobs,
		Embedder:       fakeEmbed{},
		Tokens:         tokens,
		Revoked:        revoked,
		IsDev:          true,
		RateBurst:      10_000,
		MaxUploadBytes: 1 << 20,
		AllowedUploads: []string{"txt", "md"},
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		server: ts, users: users, convs: convs, docs: docs,
		blobs: blobs, jobs: jobs, tokens: tokens, revoked: revoked,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	var env envelope
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if len(data) > 0 {
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decoding envelope from %q: %v", data, err)
		}
	}
	return resp, env
}

// login creates an account directly in the fakes and returns a valid access
// token for it.
func (e *testEnv) login(t *testing.T, super bool) (*user.User, string) {
	t.Helper()
	u, tn := e.users.add(fmt.Sprintf("%s@example.com", uuid.NewString()[:8]), "Password1", super)
	pair, err := e.tokens.NewPair(u.ID, tn.ID, u.Email)
	if err != nil {
		t.Fatalf("NewPair() error = %v", err)
	}
	return u, pair.AccessToken
}

// --- tests -------------------------------------------------------------------

func TestRegisterLoginMe(t *testing.T) {
	e := newTestEnv(t)

	resp, env := e.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email": "alice@example.com", "username": "alice", "password": "Password1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, body code = %d", resp.StatusCode, env.Code)
	}
	if env.Code != errcode.OK {
		t.Errorf("register code = %d, want 0", env.Code)
	}
	if env.RequestID == "" {
		t.Error("register response missing request_id")
	}

	resp, env = e.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email": "alice@example.com", "password": "Password1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}

	var session struct {
		Tokens auth.Pair `json:"tokens"`
	}
	raw, _ := json.Marshal(env.Data)
	if err := json.Unmarshal(raw, &session); err != nil {
		t.Fatalf("decoding session: %v", err)
	}
	if session.Tokens.AccessToken == "" || session.Tokens.TokenType != "bearer" {
		t.Fatalf("tokens = %+v", session.Tokens)
	}

	resp, env = e.do(t, http.MethodGet, "/api/v1/auth/me", session.Tokens.AccessToken, nil)
	if resp.StatusCode != http.StatusOK || env.Code != errcode.OK {
		t.Errorf("me status = %d, code = %d", resp.StatusCode, env.Code)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	e := newTestEnv(t)
	e.users.add("bob@example.com", "Password1", false)

	resp, env := e.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email": "bob@example.com", "password": "Nope12345",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if env.Code != errcode.PasswordIncorrect {
		t.Errorf("code = %d, want %d", env.Code, errcode.PasswordIncorrect)
	}
}

func TestAuthMiddlewareRejections(t *testing.T) {
	e := newTestEnv(t)

	resp, env := e.do(t, http.MethodGet, "/api/v1/auth/me", "", nil)
	if resp.StatusCode != http.StatusUnauthorized || env.Code != errcode.Unauthorized {
		t.Errorf("missing token: status = %d, code = %d", resp.StatusCode, env.Code)
	}

	resp, env = e.do(t, http.MethodGet, "/api/v1/auth/me", "not-a-jwt", nil)
	if resp.StatusCode != http.StatusUnauthorized || env.Code != errcode.TokenInvalid {
		t.Errorf("garbage token: status = %d, code = %d", resp.StatusCode, env.Code)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	e := newTestEnv(t)
	_, token := e.login(t, false)

	resp, _ := e.do(t, http.MethodPost, "/api/v1/auth/logout", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}

	resp, env := e.do(t, http.MethodGet, "/api/v1/auth/me", token, nil)
	if resp.StatusCode != http.StatusUnauthorized || env.Code != errcode.TokenInvalid {
		t.Errorf("revoked token: status = %d, code = %d", resp.StatusCode, env.Code)
	}
}

func TestLogoutMalformedBodyKeepsSession(t *testing.T) {
	e := newTestEnv(t)
	_, token := e.login(t, false)

	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/api/v1/auth/logout",
		strings.NewReader(`{"refresh_token":`))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed logout status = %d, want 400", resp.StatusCode)
	}

	// The failed logout must not have revoked the access token.
	resp, env := e.do(t, http.MethodGet, "/api/v1/auth/me", token, nil)
	if resp.StatusCode != http.StatusOK || env.Code != errcode.OK {
		t.Errorf("token after failed logout: status = %d, code = %d", resp.StatusCode, env.Code)
	}
}

func TestRefreshRotation(t *testing.T) {
	e := newTestEnv(t)
	u, tn := e.users.add("carol@example.com", "Password1", false)
	pair, err := e.tokens.NewPair(u.ID, tn.ID, u.Email)
	if err != nil {
		t.Fatalf("NewPair() error = %v", err)
	}

	resp, env := e.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{
		"refresh_token": pair.RefreshToken,
	})
	if resp.StatusCode != http.StatusOK || env.Code != errcode.OK {
		t.Fatalf("refresh status = %d, code = %d", resp.StatusCode, env.Code)
	}

	// The same refresh token cannot be used twice.
	resp, env = e.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{
		"refresh_token": pair.RefreshToken,
	})
	if resp.StatusCode != http.StatusUnauthorized || env.Code != errcode.TokenInvalid {
		t.Errorf("second refresh: status = %d, code = %d", resp.StatusCode, env.Code)
	}

	// Access tokens are rejected by the refresh endpoint.
	resp, env = e.do(t, http.MethodPost, "/api/v1/auth/refresh", "", map[string]string{
		"refresh_token": pair.AccessToken,
	})
	if resp.StatusCode != http.StatusUnauthorized || env.Code != errcode.TokenInvalid {
		t.Errorf("access-as-refresh: status = %d, code = %d", resp.StatusCode, env.Code)
	}
}

func TestRefreshConcurrentReuse(t *testing.T) {
	e := newTestEnv(t)
	u, tn := e.users.add("dave@example.com", "Password1", false)
	pair, err := e.tokens.NewPair(u.ID, tn.ID, u.Email)
	if err != nil {
		t.Fatalf("NewPair() error = %v", err)
	}

	body, _ := json.Marshal(map[string]string{"refresh_token": pair.RefreshToken})

	const attempts = 8
	statuses := make(chan int, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(e.server.URL+"/api/v1/auth/refresh", "application/json", bytes.NewReader(body))
			if err != nil {
				statuses <- 0
				return
			}
			resp.Body.Close()
			statuses <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(statuses)

	var rotated int
	for code := range statuses {
		if code == http.StatusOK {
			rotated++
		}
	}
	if rotated != 1 {
		t.Errorf("token rotated %d times under concurrent use, want exactly 1", rotated)
	}
}

func TestConversationFlow(t *testing.T) {
	e := newTestEnv(t)
	_, token := e.login(t, false)

	resp, env := e.do(t, http.MethodPost, "/api/v1/conversations", token, map[string]string{"title": "My chat"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created conversation.Conversation
	raw, _ := json.Marshal(env.Data)
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("decoding conversation: %v", err)
	}

	resp, env = e.do(t, http.MethodPost, "/api/v1/conversations/"+created.ID.String()+"/messages", token,
		map[string]string{"content": "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d, code = %d", resp.StatusCode, env.Code)
	}

	resp, env = e.do(t, http.MethodGet, "/api/v1/conversations/"+created.ID.String()+"/messages", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("messages status = %d", resp.StatusCode)
	}
	var msgs []conversation.Message
	raw, _ = json.Marshal(env.Data)
	if err := json.Unmarshal(raw, &msgs); err != nil {
		t.Fatalf("decoding messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("messages = %d, want 2", len(msgs))
	}

	resp, _ = e.do(t, http.MethodDelete, "/api/v1/conversations/"+created.ID.String(), token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	resp, env = e.do(t, http.MethodGet, "/api/v1/conversations/"+created.ID.String(), token, nil)
	if resp.StatusCode != http.StatusNotFound || env.Code != errcode.ConversationNotFound {
		t.Errorf("get deleted: status = %d, code = %d", resp.StatusCode, env.Code)
	}
}

func TestConversationOwnership(t *testing.T) {
	e := newTestEnv(t)
	_, ownerToken := e.login(t, false)
	_, otherToken := e.login(t, false)

	_, env := e.do(t, http.MethodPost, "/api/v1/conversations", ownerToken, map[string]string{"title": "secret"})
	var created conversation.Conversation
	raw, _ := json.Marshal(env.Data)
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("decoding conversation: %v", err)
	}

	resp, env := e.do(t, http.MethodGet, "/api/v1/conversations/"+created.ID.String(), otherToken, nil)
	if resp.StatusCode != http.StatusNotFound || env.Code != errcode.ConversationNotFound {
		t.Errorf("foreign access: status = %d, code = %d", resp.StatusCode, env.Code)
	}
}

func uploadRequest(t *testing.T, url, token, filename, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("creating form file: %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("writing form file: %v", err)
	}
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, url+"/api/v1/documents", &buf)
	if err != nil {
		t.Fatalf("building upload request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestDocumentUpload(t *testing.T) {
	e := newTestEnv(t)
	_, token := e.login(t, false)

	resp, err := http.DefaultClient.Do(uploadRequest(t, e.server.URL, token, "notes.txt", "hello knowledge"))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload status = %d, body = %s", resp.StatusCode, body)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	var doc knowledge.Document
	raw, _ := json.Marshal(env.Data)
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decoding document: %v", err)
	}
	if doc.Status != knowledge.StatusPending {
		t.Errorf("status = %q, want pending", doc.Status)
	}

	// The blob landed in object storage and a job was queued.
	e.blobs.mu.Lock()
	if string(e.blobs.objects[doc.ObjectKey]) != "hello knowledge" {
		t.Errorf("blob content = %q", e.blobs.objects[doc.ObjectKey])
	}
	e.blobs.mu.Unlock()

	e.jobs.mu.Lock()
	if len(e.jobs.jobs) != 1 || e.jobs.jobs[0].DocumentID != doc.ID {
		t.Errorf("jobs = %+v", e.jobs.jobs)
	}
	e.jobs.mu.Unlock()
}

func TestDocumentUploadRejectsExtension(t *testing.T) {
	e := newTestEnv(t)
	_, token := e.login(t, false)

	resp, err := http.DefaultClient.Do(uploadRequest(t, e.server.URL, token, "evil.exe", "MZ"))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	if env.Code != errcode.FileTypeNotAllowed {
		t.Errorf("code = %d, want %d", env.Code, errcode.FileTypeNotAllowed)
	}
}

func TestDocumentUploadParseErrors(t *testing.T) {
	e := newTestEnv(t)
	_, token := e.login(t, false)

	// A body over the upload cap is rejected as too large.
	big := strings.Repeat("a", (1<<20)+4096)
	resp, err := http.DefaultClient.Do(uploadRequest(t, e.server.URL, token, "big.txt", big))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge || env.Code != errcode.FileTooLarge {
		t.Errorf("oversize upload: status = %d, code = %d", resp.StatusCode, env.Code)
	}

	// A small but malformed multipart body is a validation error, not a
	// size problem.
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/api/v1/documents",
		strings.NewReader("this is not multipart"))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || env.Code != errcode.ValidationError {
		t.Errorf("malformed multipart: status = %d, code = %d", resp.StatusCode, env.Code)
	}
}

func TestSearchValidation(t *testing.T) {
	e := newTestEnv(t)
	_, token := e.login(t, false)

	resp, env := e.do(t, http.MethodGet, "/api/v1/search", token, nil)
	if resp.StatusCode != http.StatusBadRequest || env.Code != errcode.ValidationError {
		t.Errorf("missing q: status = %d, code = %d", resp.StatusCode, env.Code)
	}

	resp, env = e.do(t, http.MethodGet, "/api/v1/search?q=hello", token, nil)
	if resp.StatusCode != http.StatusOK || env.Code != errcode.OK {
		t.Errorf("search: status = %d, code = %d", resp.StatusCode, env.Code)
	}
}

func TestSuperuserGating(t *testing.T) {
	e := newTestEnv(t)
	_, memberToken := e.login(t, false)
	_, adminToken := e.login(t, true)

	resp, env := e.do(t, http.MethodGet, "/api/v1/users", memberToken, nil)
	if resp.StatusCode != http.StatusForbidden || env.Code != errcode.PermissionDenied {
		t.Errorf("member list users: status = %d, code = %d", resp.StatusCode, env.Code)
	}

	resp, env = e.do(t, http.MethodGet, "/api/v1/users", adminToken, nil)
	if resp.StatusCode != http.StatusOK || env.Code != errcode.OK {
		t.Errorf("admin list users: status = %d, code = %d", resp.StatusCode, env.Code)
	}
}

func TestTenantUpdate(t *testing.T) {
	e := newTestEnv(t)
	_, memberToken := e.login(t, false)
	_, adminToken := e.login(t, true)

	resp, env := e.do(t, http.MethodPatch, "/api/v1/tenants/current", memberToken,
		map[string]string{"plan": "pro"})
	if resp.StatusCode != http.StatusForbidden || env.Code != errcode.PermissionDenied {
		t.Errorf("member update: status = %d, code = %d", resp.StatusCode, env.Code)
	}

	resp, env = e.do(t, http.MethodPatch, "/api/v1/tenants/current", adminToken,
		map[string]string{"plan": "pro", "name": "Acme Corp"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin update: status = %d, code = %d", resp.StatusCode, env.Code)
	}
	var tn tenant.Tenant
	raw, _ := json.Marshal(env.Data)
	if err := json.Unmarshal(raw, &tn); err != nil {
		t.Fatalf("decoding tenant: %v", err)
	}
	if tn.Plan != tenant.PlanPro || tn.Name != "Acme Corp" {
		t.Errorf("tenant = %+v", tn)
	}
	if tn.Quota.MaxUsers != tenant.QuotaFor(tenant.PlanPro).MaxUsers {
		t.Errorf("quota not reset with plan: %+v", tn.Quota)
	}

	resp, env = e.do(t, http.MethodPatch, "/api/v1/tenants/current", adminToken,
		map[string]string{"plan": "platinum"})
	if resp.StatusCode != http.StatusBadRequest || env.Code != errcode.ValidationError {
		t.Errorf("bad plan: status = %d, code = %d", resp.StatusCode, env.Code)
	}

	resp, env = e.do(t, http.MethodGet, "/api/v1/tenants/current", adminToken, nil)
	if resp.StatusCode != http.StatusOK || env.Code != errcode.OK {
		t.Errorf("get current: status = %d, code = %d", resp.StatusCode, env.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Get(e.server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d", resp.StatusCode)
	}

	resp, err = http.Get(e.server.URL + "/ready")
	if err != nil {
		t.Fatalf("GET /ready: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/ready status = %d", resp.StatusCode)
	}

	// Detailed health with no registered checks is healthy.
	resp, env := e.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if resp.StatusCode != http.StatusOK || env.Code != errcode.OK {
		t.Errorf("/api/v1/health status = %d, code = %d", resp.StatusCode, env.Code)
	}
}

func TestRateLimiting(t *testing.T) {
	users := newFakeUsers()
	revoked := newMemRevoker()
	tokens, err := auth.NewTokenManager("0123456789abcdef0123456789abcdef", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("NewTokenManager() error = %v", err)
	}

	srv, err := NewServer(ServerConfig{
		Users:         users,
		UserStore:     users,
		Tenants:       &fakeTenantStore{users: users},
		Conversations: newFakeConversations(),
		Documents:     newFakeDocs(),
		Blobs:         &fakeBlobStore{objects: make(map[string][]byte)},
		Jobs:          &fakePublisher{},
		Embedder:      fakeEmbed{},
		Tokens:        tokens,
		Revoked:       revoked,
		IsDev:         true,
		RateBurst:     3,
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	var limited bool
	for i := 0; i < 10; i++ {
		resp, err := http.Post(ts.URL+"/api/v1/auth/login", "application/json",
			strings.NewReader(`{"email":"x@example.com","password":"Password1"}`))
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			var env envelope
			_ = json.NewDecoder(resp.Body).Decode(&env)
			if env.Code != errcode.RateLimitExceeded {
				t.Errorf("rate limit code = %d", env.Code)
			}
			limited = true
		}
		resp.Body.Close()
	}
	if !limited {
		t.Error("burst of requests was never rate limited")
	}

	// Health probes bypass the limiter entirely, including the detailed
	// endpoint inside the middleware stack.
	for _, path := range []string{"/health", "/ready", "/api/v1/health"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s during rate limit = %d", path, resp.StatusCode)
		}
	}
}

func TestAccessLogSkipsHealthPaths(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := loggingMiddleware(logger)(inner)

	for _, path := range []string{"/health", "/ready", "/api/v1/health"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s = %d", path, rec.Code)
		}
	}
	if buf.Len() != 0 {
		t.Errorf("probe requests were logged: %s", buf.String())
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil))
	if !strings.Contains(buf.String(), "/api/v1/conversations") {
		t.Errorf("regular request missing from access log: %s", buf.String())
	}
}

func TestCodedUnknownErrorsCollapse(t *testing.T) {
	err := Coded(errors.New("pgx: connection refused"))
	if errcode.CodeOf(err) != errcode.SystemError {
		t.Errorf("CodeOf = %d, want SystemError", errcode.CodeOf(err))
	}
	if errcode.ClientMessage(err) != errcode.Message(errcode.SystemError) {
		t.Errorf("ClientMessage leaked internals: %q", errcode.ClientMessage(err))
	}
}
