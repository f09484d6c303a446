package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/hitoshi/studyquest/internal/model"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Login はPOST /auth/loginを呼ぶ。
func (c *Client) Login(ctx context.Context, email, password string) (*model.AuthResponse, error) {
	var resp model.AuthResponse
	err := c.do(ctx, request{
		method:       http.MethodPost,
		path:         "/auth/login",
		body:         loginRequest{Email: email, Password: password},
		endpoint:     "auth.login",
		authEndpoint: true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Register はPOST /auth/registerを呼ぶ。
func (c *Client) Register(ctx context.Context, name, email, password string) (*model.AuthResponse, error) {
	var resp model.AuthResponse
	err := c.do(ctx, request{
		method:       http.MethodPost,
		path:         "/auth/register",
		body:         registerRequest{Name: name, Email: email, Password: password},
		endpoint:     "auth.register",
		authEndpoint: true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh はPOST /auth/refreshを呼ぶ。応答のrefreshTokenは省略されることがある。
// 通信エラー以外の失敗はErrRefreshFailedとして返す。
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*model.TokenPair, error) {
	var resp model.TokenPair
	err := c.do(ctx, request{
		method:       http.MethodPost,
		path:         "/auth/refresh",
		body:         refreshRequest{RefreshToken: refreshToken},
		endpoint:     "auth.refresh",
		authEndpoint: true,
	}, &resp)
	if err != nil {
		if errors.Is(err, model.ErrNetwork) {
			return nil, err
		}
		return nil, model.NewRefreshFailedError(err.Error())
	}
	return &resp, nil
}

// ListNotifications はGET /notifications?userId=を呼ぶ。
func (c *Client) ListNotifications(ctx context.Context, userID string) (*model.NotificationList, error) {
	var resp model.NotificationList
	err := c.do(ctx, request{
		method:   http.MethodGet,
		path:     "/notifications",
		query:    url.Values{"userId": {userID}},
		endpoint: "notifications.list",
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Notifications == nil {
		resp.Notifications = []model.Notification{}
	}
	return &resp, nil
}

// MarkNotificationRead はPATCH /notifications/{id}/readを呼ぶ。
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, request{
		method:   http.MethodPatch,
		path:     "/notifications/" + url.PathEscape(id) + "/read",
		endpoint: "notifications.mark_read",
	}, nil)
}

// MarkAllNotificationsRead はPATCH /notifications/read-all?userId=を呼ぶ。
func (c *Client) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	return c.do(ctx, request{
		method:   http.MethodPatch,
		path:     "/notifications/read-all",
		query:    url.Values{"userId": {userID}},
		endpoint: "notifications.mark_all_read",
	}, nil)
}
