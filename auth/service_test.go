package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "supersafe",
		Name:     "Alice Field",
	}

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if user.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, user.Email)
	}
	if user.Role != RoleES {
		t.Fatalf("register: expected default role %s got %s", RoleES, user.Role)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.User.ID != user.ID {
		t.Fatalf("login: expected user id %q got %q", user.ID, resp.User.ID)
	}

	tokenUserID, tokenRole, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if tokenUserID != user.ID {
		t.Fatalf("verify token: expected %q got %q", user.ID, tokenUserID)
	}
	if tokenRole != RoleES {
		t.Fatalf("verify token: expected role %s got %s", RoleES, tokenRole)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "short",
		Name:     "Alice Field",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
		Name:     "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "bob@example.com",
		Password: "strongpassword",
		Name:     "Bob",
		Role:     "broker",
	}); err == nil {
		t.Fatal("expected validation error for unknown role")
	}
}

func TestService_RegisterNormalisesRole(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret")

	user, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "ops@example.com",
		Password: "strongpassword",
		Name:     "Ops",
		Role:     " admin ",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Role != RoleAdmin {
		t.Fatalf("expected role %s got %s", RoleAdmin, user.Role)
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "strongpassword",
		Name:     "Alice Field",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "strongpassword",
		Name:     "Alice",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err = svc.Login(context.Background(), LoginRequest{Email: "alice@example.com", Password: "wrongpassword"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
}

func TestService_LoginWithoutPasswordHash(t *testing.T) {
	repo := newFakeRepository()
	repo.add(User{ID: "seeded", Email: "seed@example.com", Role: RoleES})
	svc := NewService(repo, "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{Email: "seed@example.com", Password: "anything"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestService_ResolveUsesStoredRole(t *testing.T) {
	repo := newFakeRepository()
	repo.add(User{ID: "u-1", Email: "ops@example.com", Role: RoleAdmin})
	svc := NewService(repo, "test-secret")

	// Token minted while the user was still an ES.
	token, err := svc.IssueToken("u-1", RoleES)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	actor, err := svc.Resolve(context.Background(), token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if actor.UserID != "u-1" || !actor.IsAdmin() {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestService_ResolveUnregistered(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret")

	token, err := svc.IssueToken("ghost", RoleES)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, err := svc.Resolve(context.Background(), token); !errors.Is(err, ErrUserNotRegistered) {
		t.Fatalf("expected ErrUserNotRegistered, got %v", err)
	}
}

func TestService_VerifyTokenRejects(t *testing.T) {
	issuedAt := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	svc := NewService(newFakeRepository(), "test-secret").
		WithTokenTTL(time.Hour).
		WithClock(func() time.Time { return issuedAt })

	token, err := svc.IssueToken("u-1", RoleAS)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	other := NewService(newFakeRepository(), "other-secret").WithClock(func() time.Time { return issuedAt })
	if _, _, err := other.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}

	svc.WithClock(func() time.Time { return issuedAt.Add(2 * time.Hour) })
	if _, _, err := svc.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}

	if _, _, err := svc.VerifyToken("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

func TestActor(t *testing.T) {
	a := Actor{UserID: "u-1", Role: RoleES}
	if a.IsAdmin() {
		t.Fatal("ES is not admin")
	}
	if !a.Is("u-1") || a.Is("u-2") || a.Is("") {
		t.Fatal("Is mismatch")
	}
	if !a.HasRole(RoleAS, RoleES) || a.HasRole(RoleAdmin) {
		t.Fatal("HasRole mismatch")
	}
}

type fakeRepository struct {
	usersByEmail map[string]User
	usersByID    map[string]User
	nextID       int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		usersByEmail: make(map[string]User),
		usersByID:    make(map[string]User),
		nextID:       1,
	}
}

func (f *fakeRepository) add(user User) {
	f.usersByEmail[strings.ToLower(user.Email)] = user
	f.usersByID[user.ID] = user
}

func (f *fakeRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	if _, exists := f.usersByEmail[strings.ToLower(params.Email)]; exists {
		return User{}, ErrDuplicateEmail
	}

	id := fmt.Sprintf("user-%d", f.nextID)
	f.nextID++

	user := User{
		ID:           id,
		Email:        params.Email,
		Name:         params.Name,
		PasswordHash: params.PasswordHash,
		Language:     params.Language,
		Role:         params.Role,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	f.add(user)

	return user, nil
}

func (f *fakeRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, ok := f.usersByEmail[strings.ToLower(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}
