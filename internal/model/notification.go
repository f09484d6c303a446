package model

import "time"

// NotificationStatus は通知の既読状態。unread → read の一方向のみ遷移する。
type NotificationStatus string

const (
	NotificationUnread NotificationStatus = "unread"
	NotificationRead   NotificationStatus = "read"
)

// Notification はユーザーに届く通知を表す。
type Notification struct {
	ID        string             `json:"id"`
	Type      string             `json:"type"`
	Title     string             `json:"title"`
	Message   string             `json:"message"`
	Priority  string             `json:"priority"`
	Status    NotificationStatus `json:"status"`
	CreatedAt time.Time          `json:"createdAt"`
}

// NotificationList は通知一覧APIのレスポンス。
type NotificationList struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unreadCount"`
}

// NotificationFeed は通知フィードのスナップショット。
// Itemsは新しい順に並ぶ。
type NotificationFeed struct {
	Items       []Notification `json:"items"`
	UnreadCount int            `json:"unreadCount"`
	IsOpen      bool           `json:"isOpen"`
	Loading     bool           `json:"loading"`
	Error       string         `json:"error,omitempty"`
}
