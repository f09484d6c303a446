// Package model はドメインモデルを定義する。
package model

import "time"

// Role はユーザーの権限ロールを表す。
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// Tier はサブスクリプションのプランを表す。AI機能の利用可否を決める。
type Tier string

const (
	TierNormal  Tier = "normal"
	TierVIP     Tier = "vip"
	TierVIPPlus Tier = "vip_plus"
	TierTrial   Tier = "trial"
)

// tierRank はプランの上下関係。trialはトライアル期間中vip_plus相当として扱う。
var tierRank = map[Tier]int{
	TierNormal:  0,
	TierVIP:     1,
	TierVIPPlus: 2,
	TierTrial:   2,
}

// AtLeast はtが要求プランreq以上であればtrueを返す。
// 未知のプランはnormal扱い。トライアルの期限切れ判定は呼び出し元で行う。
func (t Tier) AtLeast(req Tier) bool {
	return tierRank[t] >= tierRank[req]
}

// Valid は定義済みのプランかどうかを返す。
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// UserSummary はAPIが返すログインユーザーの概要。
type UserSummary struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Email          string     `json:"email"`
	Role           Role       `json:"role"`
	Tier           Tier       `json:"tier"`
	TrialStartedAt *time.Time `json:"trialStartedAt,omitempty"`
}

// Session はクライアントが保持する認証情報。
// 認証ストアのみが更新し、HTTPクライアントは読み取りのみ行う。
type Session struct {
	Token           string       `json:"token"`
	RefreshToken    string       `json:"refreshToken"`
	User            *UserSummary `json:"user"`
	IsAuthenticated bool         `json:"isAuthenticated"`
}

// PersistedAuth は永続化される認証レコード（auth-storage）。
type PersistedAuth struct {
	Token        string       `json:"token"`
	RefreshToken string       `json:"refreshToken"`
	User         *UserSummary `json:"user"`
}

// AuthStorageKey は認証レコードの保存キー。
const AuthStorageKey = "auth-storage"

// AuthResponse はログイン・登録APIのレスポンス。
type AuthResponse struct {
	Token        string       `json:"token"`
	RefreshToken string       `json:"refreshToken"`
	User         *UserSummary `json:"user"`
}

// TokenPair はトークンリフレッシュAPIのレスポンス。
// RefreshTokenは省略される場合がある。
type TokenPair struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
}
