// Package authpw provides email/password authentication, email
// verification, password resets, and workspace invitations.
package authpw

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"talkbase/api/internal/rbac"
	"talkbase/api/internal/store"
	"talkbase/api/internal/util"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrEmailTaken         = errors.New("email already registered")
	ErrSubdomainTaken     = errors.New("subdomain already taken")
	ErrAccountInactive    = errors.New("account is inactive")
)

// ValidationError marks request input the caller can correct, as
// opposed to credential or token failures.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationError(message string) error {
	return &ValidationError{Message: message}
}

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	EmailTaken(ctx context.Context, email string) (bool, error)
	SubdomainTaken(ctx context.Context, subdomain string) (bool, error)
	CreateWorkspaceWithOwner(ctx context.Context, workspace store.Workspace, owner store.User) error
	InsertUser(ctx context.Context, user store.User) error
	InsertAuthToken(ctx context.Context, token store.AuthToken) error
	GetAuthToken(ctx context.Context, selector, purpose string) (store.AuthToken, error)
	DeleteAuthTokensFor(ctx context.Context, email, purpose string) error
	ConsumeAuthTokenActivate(ctx context.Context, selector, userID string) error
	ConsumeAuthTokenSetPassword(ctx context.Context, selector, userID, passwordHash string) error
	ConsumeAuthTokenAcceptInvite(ctx context.Context, selector, userID, name, passwordHash string) error
}

type Service struct {
	store     UserStore
	inviteTTL time.Duration
}

func NewService(userStore UserStore, inviteTTL time.Duration) *Service {
	if inviteTTL <= 0 {
		inviteTTL = 72 * time.Hour
	}
	return &Service{store: userStore, inviteTTL: inviteTTL}
}

type RegisterRequest struct {
	WorkspaceName string
	Subdomain     string
	Name          string
	Email         string
	Password      string
}

type RegisterResponse struct {
	WorkspaceID       string
	UserID            string
	VerificationToken string
}

// Register creates a workspace with its owner in one transaction. The
// owner stays pending until the verification token is redeemed.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	if req.WorkspaceName == "" || req.Subdomain == "" || req.Name == "" || req.Email == "" || req.Password == "" {
		return nil, validationError("workspace name, subdomain, name, email, and password are required")
	}
	if len(req.Password) < 8 {
		return nil, validationError("password must be at least 8 characters")
	}

	if taken, err := s.store.EmailTaken(ctx, req.Email); err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	} else if taken {
		return nil, ErrEmailTaken
	}
	if taken, err := s.store.SubdomainTaken(ctx, req.Subdomain); err != nil {
		return nil, fmt.Errorf("check subdomain: %w", err)
	} else if taken {
		return nil, ErrSubdomainTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	workspace := store.Workspace{
		ID:        util.NewID("ws"),
		Name:      req.WorkspaceName,
		Subdomain: strings.ToLower(req.Subdomain),
	}
	owner := store.User{
		ID:           util.NewID("usr"),
		WorkspaceID:  workspace.ID,
		Name:         req.Name,
		Email:        strings.ToLower(req.Email),
		PasswordHash: string(hash),
		Role:         string(rbac.RoleOwner),
		Status:       "pending",
	}

	if err := s.store.CreateWorkspaceWithOwner(ctx, workspace, owner); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	token, err := s.issueToken(ctx, store.TokenPurposeVerifyEmail, &owner.ID, workspace.ID, owner.Email, owner.Role, 24*time.Hour)
	if err != nil {
		return nil, err
	}

	return &RegisterResponse{
		WorkspaceID:       workspace.ID,
		UserID:            owner.ID,
		VerificationToken: token,
	}, nil
}

type SignInRequest struct {
	Email    string
	Password string
}

type SignInResponse struct {
	User           store.User
	RequiresVerify bool
}

// SignIn authenticates a user. Credential failures are reported with
// the same error whether the email exists or not.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (*SignInResponse, error) {
	if req.Email == "" || req.Password == "" {
		return nil, validationError("email and password are required")
	}

	user, err := s.store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	switch user.Status {
	case "pending":
		return &SignInResponse{User: user, RequiresVerify: true}, nil
	case "active":
		return &SignInResponse{User: user}, nil
	default:
		return nil, ErrAccountInactive
	}
}

// VerifyEmail redeems a verification token and activates the account.
// One-shot: a second redemption fails.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	pending, err := s.checkToken(ctx, token, store.TokenPurposeVerifyEmail)
	if err != nil {
		return err
	}
	if pending.UserID == nil {
		return ErrInvalidToken
	}
	if err := s.store.ConsumeAuthTokenActivate(ctx, pending.Selector, *pending.UserID); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// RequestPasswordReset issues a reset token. Returns the empty string
// when the email is unknown so callers can answer identically either
// way (anti-enumeration).
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return "", nil
	}
	// Outstanding reset tokens for this address die with the new issue.
	if err := s.store.DeleteAuthTokensFor(ctx, user.Email, store.TokenPurposePasswordReset); err != nil {
		return "", fmt.Errorf("clear reset tokens: %w", err)
	}
	return s.issueToken(ctx, store.TokenPurposePasswordReset, &user.ID, user.WorkspaceID, user.Email, user.Role, time.Hour)
}

type ResetPasswordRequest struct {
	Token       string
	NewPassword string
}

func (s *Service) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	if req.Token == "" || req.NewPassword == "" {
		return validationError("token and new password are required")
	}
	if len(req.NewPassword) < 8 {
		return validationError("password must be at least 8 characters")
	}

	pending, err := s.checkToken(ctx, req.Token, store.TokenPurposePasswordReset)
	if err != nil {
		return err
	}
	if pending.UserID == nil {
		return ErrInvalidToken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.ConsumeAuthTokenSetPassword(ctx, pending.Selector, *pending.UserID, string(hash)); err != nil {
		return ErrInvalidToken
	}
	return nil
}

type InviteRequest struct {
	WorkspaceID string
	Email       string
	Role        string
}

type InviteResponse struct {
	UserID      string
	InviteToken string
}

// Invite creates a pending user row in the workspace and issues the
// invitation token the admin sends out.
func (s *Service) Invite(ctx context.Context, req InviteRequest) (*InviteResponse, error) {
	if req.WorkspaceID == "" || req.Email == "" {
		return nil, validationError("workspace and email are required")
	}
	if taken, err := s.store.EmailTaken(ctx, req.Email); err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	} else if taken {
		return nil, ErrEmailTaken
	}

	role := string(rbac.Normalize(req.Role))
	if role == string(rbac.RoleOwner) {
		// Ownership transfers are out of band; invitations top out at admin.
		role = string(rbac.RoleAdmin)
	}

	invited := store.User{
		ID:          util.NewID("usr"),
		WorkspaceID: req.WorkspaceID,
		Name:        req.Email,
		Email:       strings.ToLower(req.Email),
		Role:        role,
		Status:      "pending",
	}
	if err := s.store.InsertUser(ctx, invited); err != nil {
		return nil, fmt.Errorf("create invited user: %w", err)
	}

	token, err := s.issueToken(ctx, store.TokenPurposeInvite, &invited.ID, req.WorkspaceID, invited.Email, role, s.inviteTTL)
	if err != nil {
		return nil, err
	}
	return &InviteResponse{UserID: invited.ID, InviteToken: token}, nil
}

type AcceptInviteRequest struct {
	Token    string
	Name     string
	Password string
}

// AcceptInvite redeems an invitation: the invited user picks their name
// and password and becomes active.
func (s *Service) AcceptInvite(ctx context.Context, req AcceptInviteRequest) (store.User, error) {
	if req.Token == "" || req.Name == "" || req.Password == "" {
		return store.User{}, validationError("token, name, and password are required")
	}
	if len(req.Password) < 8 {
		return store.User{}, validationError("password must be at least 8 characters")
	}

	pending, err := s.checkToken(ctx, req.Token, store.TokenPurposeInvite)
	if err != nil {
		return store.User{}, err
	}
	if pending.UserID == nil {
		return store.User{}, ErrInvalidToken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.ConsumeAuthTokenAcceptInvite(ctx, pending.Selector, *pending.UserID, req.Name, string(hash)); err != nil {
		return store.User{}, ErrInvalidToken
	}

	user, err := s.store.GetUserByEmail(ctx, pending.Email)
	if err != nil {
		return store.User{}, fmt.Errorf("load accepted user: %w", err)
	}
	return user, nil
}

// issueToken mints a selector.verifier pair and persists only the
// verifier hash alongside the non-secret selector.
func (s *Service) issueToken(ctx context.Context, purpose string, userID *string, workspaceID, email, role string, ttl time.Duration) (string, error) {
	selector := util.NewID("tok")
	verifier := util.NewSecret(32)
	record := store.AuthToken{
		Selector:     selector,
		VerifierHash: hashVerifier(verifier),
		Purpose:      purpose,
		UserID:       userID,
		WorkspaceID:  workspaceID,
		Email:        email,
		Role:         role,
		ExpiresAt:    time.Now().Add(ttl),
	}
	if err := s.store.InsertAuthToken(ctx, record); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return selector + "." + verifier, nil
}

// checkToken resolves the selector directly and compares verifier
// hashes in constant time. Invalid, expired, and consumed tokens all
// report the same generic error.
func (s *Service) checkToken(ctx context.Context, token, purpose string) (store.AuthToken, error) {
	selector, verifier, found := strings.Cut(token, ".")
	if !found || selector == "" || verifier == "" {
		return store.AuthToken{}, ErrInvalidToken
	}
	record, err := s.store.GetAuthToken(ctx, selector, purpose)
	if err != nil {
		return store.AuthToken{}, ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(record.VerifierHash), []byte(hashVerifier(verifier))) != 1 {
		return store.AuthToken{}, ErrInvalidToken
	}
	return record, nil
}

func hashVerifier(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return fmt.Sprintf("%x", sum)
}
