// Package auth は認証セッションの状態管理と、ログイン・登録フローを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/studyquest/internal/model"
)

// AuthAPI はログイン・登録に使うバックエンドAPIのインターフェース。
type AuthAPI interface {
	Login(ctx context.Context, email, password string) (*model.AuthResponse, error)
	Register(ctx context.Context, name, email, password string) (*model.AuthResponse, error)
}

// SessionStore はServiceが使う認証ストアの部分集合。
type SessionStore interface {
	Login(ctx context.Context, user model.UserSummary, token, refreshToken string)
	Logout(ctx context.Context)
	Session() model.Session
}

// Service はフォーム入力からセッション確立までを担う。
type Service struct {
	api    AuthAPI
	store  SessionStore
	logger *slog.Logger
}

// NewService はServiceを生成する。
func NewService(api AuthAPI, store SessionStore, logger *slog.Logger) *Service {
	return &Service{
		api:    api,
		store:  store,
		logger: logger,
	}
}

// Login はフォームを検証してログインAPIを呼び、成功したらセッションを確立する。
// 入力不備や認証情報の誤りは*model.ValidationErrorとして返し、フォームの横に表示させる。
func (s *Service) Login(ctx context.Context, form LoginForm) (model.Session, error) {
	if err := ValidateForm(form); err != nil {
		return model.Session{}, err
	}

	resp, err := s.api.Login(ctx, form.Email, form.Password)
	if err != nil {
		return model.Session{}, toFormError(err)
	}
	return s.establish(ctx, resp)
}

// Register はフォームを検証して登録APIを呼び、成功したらセッションを確立する。
func (s *Service) Register(ctx context.Context, form RegisterForm) (model.Session, error) {
	if err := ValidateForm(form); err != nil {
		return model.Session{}, err
	}

	resp, err := s.api.Register(ctx, form.Name, form.Email, form.Password)
	if err != nil {
		return model.Session{}, toFormError(err)
	}
	return s.establish(ctx, resp)
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context) {
	s.store.Logout(ctx)
}

func (s *Service) establish(ctx context.Context, resp *model.AuthResponse) (model.Session, error) {
	if resp == nil || resp.Token == "" || resp.User == nil {
		return model.Session{}, model.NewInvalidPayloadError("token or user is missing")
	}

	s.store.Login(ctx, *resp.User, resp.Token, resp.RefreshToken)
	return s.store.Session(), nil
}

// toFormError はフォーム起因のAPIエラーをValidationErrorに変換する。
// 通信エラーなどフォームと無関係のエラーはそのまま返す。
func toFormError(err error) error {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	switch apiErr.Status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict, http.StatusUnprocessableEntity:
		return &model.ValidationError{Fields: map[string]string{"form": apiErr.Message}}
	default:
		return fmt.Errorf("auth request failed: %w", err)
	}
}
