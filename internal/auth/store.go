package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/studyquest/internal/events"
	"github.com/hitoshi/studyquest/internal/metrics"
	"github.com/hitoshi/studyquest/internal/model"
	"github.com/hitoshi/studyquest/internal/repository"
)

// DefaultRefreshLead はトークン期限の何分前からリフレッシュ対象とするか。
const DefaultRefreshLead = 5 * time.Minute

// ログアウト理由（メトリクスのラベル）
const (
	LogoutReasonUser          = "user"
	LogoutReasonUnauthorized  = "unauthorized"
	LogoutReasonRefreshFailed = "refresh_failed"
)

// Refresher はリフレッシュトークンを新しいアクセストークンに交換する。
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*model.TokenPair, error)
}

// Options はStoreの設定。ゼロ値のフィールドはデフォルト値で補う。
type Options struct {
	Clock       func() time.Time
	RefreshLead time.Duration
	TrialDays   int
	Logger      *slog.Logger
	Metrics     metrics.MetricsCollector
	Publisher   events.Publisher
}

// Store は認証セッションの状態機械。
//
//	Anonymous → Authenticated → (リフレッシュ) → Authenticated | Anonymous
//
// 状態の変更はStoreのみが行い、HTTPクライアントはToken経由で読み取るだけ。
// 変更のたびにepochを進め、古いリフレッシュ応答を適用しないようにする。
type Store struct {
	mu      sync.RWMutex
	session model.Session
	epoch   uint64

	// リフレッシュは同時に1つだけ実行する
	refreshMu sync.Mutex
	// 保存先への書き込みを直列化する。s.muより先に取得すること。
	persistMu sync.Mutex

	repo      repository.AuthStateRepository
	refresher Refresher

	now         func() time.Time
	refreshLead time.Duration
	trialDays   int
	logger      *slog.Logger
	metrics     metrics.MetricsCollector
	publisher   events.Publisher
}

// NewStore は匿名状態のStoreを生成する。永続化済みの状態を読み込むにはRestoreを呼ぶ。
func NewStore(repo repository.AuthStateRepository, refresher Refresher, opts Options) *Store {
	s := &Store{
		repo:        repo,
		refresher:   refresher,
		now:         opts.Clock,
		refreshLead: opts.RefreshLead,
		trialDays:   opts.TrialDays,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		publisher:   opts.Publisher,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.refreshLead <= 0 {
		s.refreshLead = DefaultRefreshLead
	}
	if s.trialDays <= 0 {
		s.trialDays = DefaultTrialDays
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	return s
}

// Restore は永続化された認証レコードから状態を復元する。
// トークンとユーザーが揃っていない場合は匿名状態のままにする。
func (s *Store) Restore(ctx context.Context) error {
	state, err := s.repo.Load(ctx)
	if err != nil {
		return err
	}
	if state == nil || state.Token == "" || state.User == nil {
		return nil
	}

	s.mu.Lock()
	s.session = model.Session{
		Token:           state.Token,
		RefreshToken:    state.RefreshToken,
		User:            cloneUser(state.User),
		IsAuthenticated: true,
	}
	s.epoch++
	user := *state.User
	s.mu.Unlock()

	s.logger.Info("保存済みのセッションを復元しました",
		slog.String("user_id", user.ID),
	)
	s.publish(events.LoggedIn{User: user})
	return nil
}

// Login は認証済み状態に遷移する。
// 値の検証は呼び出し元のAPI呼び出しで済んでいるため常に成功する。
// 永続化に失敗してもメモリ上の状態は更新し、エラーはログにのみ残す。
func (s *Store) Login(ctx context.Context, user model.UserSummary, token, refreshToken string) {
	s.mu.Lock()
	s.session = model.Session{
		Token:           token,
		RefreshToken:    refreshToken,
		User:            cloneUser(&user),
		IsAuthenticated: true,
	}
	s.epoch++
	s.mu.Unlock()
	s.persist(ctx)

	s.logger.Info("ログインしました",
		slog.String("user_id", user.ID),
		slog.String("role", string(user.Role)),
		slog.String("tier", string(user.Tier)),
	)
	s.publish(events.LoggedIn{User: user})
}

// Logout はすべてのフィールドを初期状態に戻し、永続化レコードを削除する。冪等。
func (s *Store) Logout(ctx context.Context) {
	s.logout(ctx, LogoutReasonUser)
}

// HandleUnauthorized はAPIが401を返したときに呼ばれる。セッションを破棄する。
func (s *Store) HandleUnauthorized(ctx context.Context) {
	s.logout(ctx, LogoutReasonUnauthorized)
}

func (s *Store) logout(ctx context.Context, reason string) {
	s.mu.Lock()
	wasAuthenticated := s.session.IsAuthenticated
	s.session = model.Session{}
	s.epoch++
	s.mu.Unlock()
	s.persist(ctx)

	if !wasAuthenticated {
		return
	}

	s.metrics.RecordLogout(reason)
	s.logger.Info("ログアウトしました", slog.String("reason", reason))
	s.publish(events.LoggedOut{})
}

// ShouldRefreshToken はトークンの期限がリード時間以内に迫っていればtrueを返す。
// 期限を読み取れないトークンはリフレッシュ対象にしない。
func (s *Store) ShouldRefreshToken() bool {
	s.mu.RLock()
	token := s.session.Token
	authenticated := s.session.IsAuthenticated
	s.mu.RUnlock()

	if !authenticated || token == "" {
		return false
	}

	exp, err := TokenExpiry(token)
	if err != nil {
		return false
	}
	return exp.Sub(s.now()) <= s.refreshLead
}

// RefreshToken はリフレッシュトークンでアクセストークンを更新する。
// 成功時はトークンを差し替えてtrueを返す。失敗時は通信エラーか拒否かを区別せず
// ログアウトしてfalseを返す。応答待ちの間にログアウト・再ログインがあった場合は
// 応答を破棄し、状態を変更せずにfalseを返す。
func (s *Store) RefreshToken(ctx context.Context) bool {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	s.mu.RLock()
	authenticated := s.session.IsAuthenticated
	refreshToken := s.session.RefreshToken
	epoch := s.epoch
	s.mu.RUnlock()

	if !authenticated {
		return false
	}
	if refreshToken == "" || s.refresher == nil {
		s.logger.Warn("リフレッシュトークンがないためログアウトします")
		s.metrics.RecordTokenRefresh(metrics.RefreshFailure)
		s.logoutIfEpoch(ctx, epoch, LogoutReasonRefreshFailed)
		return false
	}

	pair, err := s.refresher.Refresh(ctx, refreshToken)

	s.mu.Lock()
	if s.epoch != epoch || !s.session.IsAuthenticated {
		s.mu.Unlock()
		s.logger.Info("ログアウト後に届いたリフレッシュ応答を破棄しました")
		s.metrics.RecordTokenRefresh(metrics.RefreshDiscarded)
		return false
	}

	if err != nil || pair == nil || pair.Token == "" {
		s.mu.Unlock()
		attrs := []any{}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		s.logger.Warn("トークンのリフレッシュに失敗したためログアウトします", attrs...)
		s.metrics.RecordTokenRefresh(metrics.RefreshFailure)
		s.logoutIfEpoch(ctx, epoch, LogoutReasonRefreshFailed)
		return false
	}

	s.session.Token = pair.Token
	if pair.RefreshToken != "" {
		s.session.RefreshToken = pair.RefreshToken
	}
	s.mu.Unlock()
	s.persist(ctx)

	s.metrics.RecordTokenRefresh(metrics.RefreshSuccess)
	s.logger.Info("トークンをリフレッシュしました")
	return true
}

// logoutIfEpoch はepochが変わっていない場合のみログアウトする。
// 失敗判定とログアウトの間に再ログインされたセッションを消さないため。
func (s *Store) logoutIfEpoch(ctx context.Context, epoch uint64, reason string) {
	s.mu.RLock()
	same := s.epoch == epoch
	s.mu.RUnlock()
	if same {
		s.logout(ctx, reason)
	}
}

// Session は現在のセッションのコピーを返す。
func (s *Store) Session() model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.session
	c.User = cloneUser(s.session.User)
	return c
}

// IsAuthenticated はログイン済みかどうかを返す。
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.IsAuthenticated
}

// Token は現在のアクセストークンを返す。未ログインの場合は空文字列。
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.Token
}

// User はログインユーザーのコピーを返す。未ログインの場合はnil。
func (s *Store) User() *model.UserSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneUser(s.session.User)
}

// UserID はログインユーザーのIDを返す。未ログインの場合は空文字列。
func (s *Store) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session.User == nil {
		return ""
	}
	return s.session.User.ID
}

// HasRole はログインユーザーのロールがrolesのいずれかであればtrueを返す。
func (s *Store) HasRole(roles ...model.Role) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.session.IsAuthenticated || s.session.User == nil {
		return false
	}
	for _, r := range roles {
		if s.session.User.Role == r {
			return true
		}
	}
	return false
}

// Tier は現在のプランを返す。未ログインの場合はnormal。
func (s *Store) Tier() model.Tier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session.User == nil || s.session.User.Tier == "" {
		return model.TierNormal
	}
	return s.session.User.Tier
}

// TrialDaysRemaining はトライアルの残り日数を返す。
// トライアル以外のプランでは0。開始日時が不明な場合は全期間を返す。
func (s *Store) TrialDaysRemaining() int {
	s.mu.RLock()
	user := cloneUser(s.session.User)
	s.mu.RUnlock()

	if user == nil || user.Tier != model.TierTrial {
		return 0
	}
	if user.TrialStartedAt == nil {
		return s.trialDays
	}
	return TrialDaysRemaining(*user.TrialStartedAt, s.now(), s.trialDays)
}

// IsTrialExpired はトライアル中かつ残り日数が0以下であればtrueを返す。
func (s *Store) IsTrialExpired() bool {
	return s.Tier() == model.TierTrial && s.TrialDaysRemaining() <= 0
}

// CanUseAIFeatures はAI機能を利用できるプランかどうかを返す。
// vip以上、または期限内のトライアルで利用できる。
func (s *Store) CanUseAIFeatures() bool {
	tier := s.Tier()
	if tier == model.TierTrial {
		return !s.IsTrialExpired()
	}
	return tier.AtLeast(model.TierVIP)
}

// persist は現在の状態を保存先に反映する。匿名状態ならレコードを削除する。
// s.muを保持せずに呼ぶこと。書き込み直前の状態を読むため、最後の呼び出しが最新の状態を残す。
// 呼び出し元のリクエストやポーリングが終わっていても削除を完了させるため、キャンセルは引き継がない。
func (s *Store) persist(ctx context.Context) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	var state *model.PersistedAuth
	if s.session.IsAuthenticated {
		state = &model.PersistedAuth{
			Token:        s.session.Token,
			RefreshToken: s.session.RefreshToken,
			User:         cloneUser(s.session.User),
		}
	}
	s.mu.RUnlock()

	ctx = context.WithoutCancel(ctx)
	if state == nil {
		if err := s.repo.Clear(ctx); err != nil {
			s.logger.Error("認証レコードの削除に失敗しました",
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if err := s.repo.Save(ctx, state); err != nil {
		s.logger.Error("認証レコードの保存に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

func (s *Store) publish(ev events.Event) {
	if s.publisher != nil {
		s.publisher.Publish(ev)
	}
}

func cloneUser(u *model.UserSummary) *model.UserSummary {
	if u == nil {
		return nil
	}
	c := *u
	if u.TrialStartedAt != nil {
		ts := *u.TrialStartedAt
		c.TrialStartedAt = &ts
	}
	return &c
}
