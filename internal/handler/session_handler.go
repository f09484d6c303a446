package handler

import (
	"net/http"

	"github.com/hitoshi/studyquest/internal/model"
)

// SessionInfo はセッションハンドラーが参照する認証状態。auth.Storeが満たす。
type SessionInfo interface {
	Session() model.Session
	Tier() model.Tier
	TrialDaysRemaining() int
	IsTrialExpired() bool
	CanUseAIFeatures() bool
}

// sessionResponse はセッション状態のAPIレスポンス。トークンは含めない。
type sessionResponse struct {
	IsAuthenticated    bool               `json:"isAuthenticated"`
	User               *model.UserSummary `json:"user"`
	Tier               model.Tier         `json:"tier,omitempty"`
	TrialDaysRemaining int                `json:"trialDaysRemaining"`
	IsTrialExpired     bool               `json:"isTrialExpired"`
	CanUseAIFeatures   bool               `json:"canUseAIFeatures"`
}

func newSessionResponse(s SessionInfo) sessionResponse {
	sess := s.Session()
	resp := sessionResponse{
		IsAuthenticated: sess.IsAuthenticated,
		User:            sess.User,
	}
	if !sess.IsAuthenticated {
		return resp
	}
	resp.Tier = s.Tier()
	resp.TrialDaysRemaining = s.TrialDaysRemaining()
	resp.IsTrialExpired = s.IsTrialExpired()
	resp.CanUseAIFeatures = s.CanUseAIFeatures()
	return resp
}

// SessionHandler はセッション状態のHTTPハンドラー。
type SessionHandler struct {
	session SessionInfo
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(session SessionInfo) *SessionHandler {
	return &SessionHandler{session: session}
}

// Get は現在のセッション状態を返す。
// GET /api/session
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newSessionResponse(h.session))
}
