package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// エラー分類。errors.Isで判定する。
var (
	// ErrAuthExpired は401によりセッションが無効になったことを示す。
	ErrAuthExpired = errors.New("auth expired")
	// ErrRefreshFailed はトークンリフレッシュに失敗したことを示す。AuthExpiredと同様に扱う。
	ErrRefreshFailed = errors.New("token refresh failed")
	// ErrTierDenied はプラン不足またはトライアル期限切れで拒否されたことを示す。
	ErrTierDenied = errors.New("tier denied")
	// ErrNetwork は通信エラーを示す。呼び出し元でリトライ可能。
	ErrNetwork = errors.New("network error")
	// ErrValidation はフォーム入力の検証エラーを示す。
	ErrValidation = errors.New("validation error")
	// ErrNotAuthenticated は未ログイン状態で認証必須の操作を行ったことを示す。
	ErrNotAuthenticated = errors.New("not authenticated")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, tier, network, validation, system
	Action   string // ユーザー向け対処方法
	Status   int    // HTTPステータス（APIから返された場合のみ）
	Err      error  // 分類用の原因エラー
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は分類用の原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeAuthExpired    = "AUTH_EXPIRED"
	ErrCodeRefreshFailed  = "REFRESH_FAILED"
	ErrCodeTierRequired   = "TIER_REQUIRED"
	ErrCodeTrialExpired   = "TRIAL_EXPIRED"
	ErrCodeNetwork        = "NETWORK_ERROR"
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeRequestFailed  = "REQUEST_FAILED"
	ErrCodeNotAuthorized  = "NOT_AUTHENTICATED"
	ErrCodeInvalidPayload = "INVALID_PAYLOAD"
)

// IsTierDenialCode はコードがプラン拒否を表すかどうかを返す。
func IsTierDenialCode(code string) bool {
	return code == ErrCodeTierRequired || code == ErrCodeTrialExpired
}

// NewAuthExpiredError はセッション期限切れエラーを生成する。
func NewAuthExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthExpired,
		Message:  "セッションの有効期限が切れました。",
		Category: "auth",
		Action:   "再度ログインしてください。",
		Status:   401,
		Err:      ErrAuthExpired,
	}
}

// NewRefreshFailedError はトークンリフレッシュ失敗エラーを生成する。
func NewRefreshFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeRefreshFailed,
		Message:  fmt.Sprintf("トークンの更新に失敗しました: %s", reason),
		Category: "auth",
		Action:   "再度ログインしてください。",
		Err:      ErrRefreshFailed,
	}
}

// NewNetworkError は通信エラーを生成する。
func NewNetworkError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeNetwork,
		Message:  fmt.Sprintf("サーバーとの通信に失敗しました: %v", cause),
		Category: "network",
		Action:   "ネットワーク接続を確認し、再試行してください。",
		Err:      ErrNetwork,
	}
}

// NewNotAuthenticatedError は未ログインエラーを生成する。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthorized,
		Message:  "ログインしていません。",
		Category: "auth",
		Action:   "ログインしてください。",
		Err:      ErrNotAuthenticated,
	}
}

// NewRequestFailedError はAPIがエラーステータスを返した場合のエラーを生成する。
// codeやmessageが空の場合は汎用の値で補う。
func NewRequestFailedError(status int, code, message string) *APIError {
	if code == "" {
		code = ErrCodeRequestFailed
	}
	if message == "" {
		message = fmt.Sprintf("APIがステータス %d を返しました", status)
	}
	return &APIError{
		Code:     code,
		Message:  message,
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
		Status:   status,
	}
}

// NewInvalidPayloadError はレスポンスの形式が不正な場合のエラーを生成する。
func NewInvalidPayloadError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPayload,
		Message:  fmt.Sprintf("レスポンスの形式が不正です: %s", reason),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// TierDeniedError はプラン不足による拒否を表す。
// アップグレード案内の表示に必要な情報を含む。
type TierDeniedError struct {
	Code         string
	RequiredTier Tier
	CurrentTier  Tier
	Message      string
}

// Error はerrorインターフェースを実装する。
func (e *TierDeniedError) Error() string {
	return fmt.Sprintf("[%s] required tier %q, current tier %q", e.Code, e.RequiredTier, e.CurrentTier)
}

// Is はErrTierDeniedとの比較でtrueを返す。
func (e *TierDeniedError) Is(target error) bool {
	return target == ErrTierDenied
}

// ValidationError はフォーム入力の検証エラー。フィールド名ごとのメッセージを持つ。
// 画面全体ではなくフォームの横に表示する。
type ValidationError struct {
	Fields map[string]string
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return fmt.Sprintf("[%s] %s", ErrCodeValidation, strings.Join(parts, "; "))
}

// Is はErrValidationとの比較でtrueを返す。
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
