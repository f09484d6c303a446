package notification

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/studyquest/internal/model"
)

// --- モック定義 ---

// mockAPI は通知APIのモック。
type mockAPI struct {
	listFn        func(ctx context.Context, userID string) (*model.NotificationList, error)
	markReadFn    func(ctx context.Context, id string) error
	markAllReadFn func(ctx context.Context, userID string) error

	listCalls    atomic.Int32
	mu           sync.Mutex
	markedRead   []string
	markedAllFor []string
}

func (m *mockAPI) ListNotifications(ctx context.Context, userID string) (*model.NotificationList, error) {
	m.listCalls.Add(1)
	if m.listFn != nil {
		return m.listFn(ctx, userID)
	}
	return &model.NotificationList{Notifications: []model.Notification{}}, nil
}

func (m *mockAPI) MarkNotificationRead(ctx context.Context, id string) error {
	m.mu.Lock()
	m.markedRead = append(m.markedRead, id)
	m.mu.Unlock()
	if m.markReadFn != nil {
		return m.markReadFn(ctx, id)
	}
	return nil
}

func (m *mockAPI) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	m.mu.Lock()
	m.markedAllFor = append(m.markedAllFor, userID)
	m.mu.Unlock()
	if m.markAllReadFn != nil {
		return m.markAllReadFn(ctx, userID)
	}
	return nil
}

// mockSession はSessionViewのモック。
type mockSession struct {
	mu            sync.Mutex
	authenticated bool
	userID        string
}

func (m *mockSession) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticated
}

func (m *mockSession) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

func (m *mockSession) logout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authenticated = false
	m.userID = ""
}

// safeBuffer はゴルーチンから書き込まれるログ用のバッファ。
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger(buf *safeBuffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func unread(id string) model.Notification {
	return model.Notification{ID: id, Title: "title " + id, Status: model.NotificationUnread}
}

func read(id string) model.Notification {
	return model.Notification{ID: id, Title: "title " + id, Status: model.NotificationRead}
}

func newTestFeed(api *mockAPI, session *mockSession) (*Feed, *safeBuffer) {
	buf := &safeBuffer{}
	opts := Options{Logger: newTestLogger(buf)}
	if session != nil {
		opts.Session = session
	}
	return NewFeed(api, opts), buf
}

// seed はFetch経由でフィードに初期データを入れる。
func seed(t *testing.T, f *Feed, api *mockAPI, items []model.Notification, unreadCount int) {
	t.Helper()
	api.listFn = func(ctx context.Context, userID string) (*model.NotificationList, error) {
		return &model.NotificationList{Notifications: items, UnreadCount: unreadCount}, nil
	}
	if err := f.Fetch(context.Background(), "user-1"); err != nil {
		t.Fatalf("Fetchがエラーを返した: %v", err)
	}
}

// --- Fetch ---

func TestFeed_NewFeed_IsEmpty(t *testing.T) {
	f, _ := newTestFeed(&mockAPI{}, nil)
	snap := f.Snapshot()
	if len(snap.Items) != 0 || snap.UnreadCount != 0 || snap.IsOpen || snap.Loading || snap.Error != "" {
		t.Errorf("snapshot = %+v, want empty", snap)
	}
	if snap.Items == nil {
		t.Error("Items = nil, want empty slice")
	}
}

func TestFeed_Fetch_ReplacesItemsAndClearsError(t *testing.T) {
	api := &mockAPI{}
	f, _ := newTestFeed(api, nil)

	api.listFn = func(ctx context.Context, userID string) (*model.NotificationList, error) {
		return nil, errors.New("timeout")
	}
	_ = f.Fetch(context.Background(), "user-1")
	if f.Snapshot().Error == "" {
		t.Fatal("失敗後にエラーが設定されていない")
	}

	seed(t, f, api, []model.Notification{unread("n1"), read("n2")}, 1)

	snap := f.Snapshot()
	if len(snap.Items) != 2 || snap.Items[0].ID != "n1" {
		t.Errorf("Items = %+v", snap.Items)
	}
	if snap.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1", snap.UnreadCount)
	}
	if snap.Error != "" {
		t.Errorf("Error = %q, want empty", snap.Error)
	}
	if snap.Loading {
		t.Error("Loading = true, want false")
	}
}

func TestFeed_Fetch_LoadingWhileInFlight(t *testing.T) {
	api := &mockAPI{}
	f, _ := newTestFeed(api, nil)

	var sawLoading bool
	api.listFn = func(ctx context.Context, userID string) (*model.NotificationList, error) {
		sawLoading = f.Snapshot().Loading
		return nil, errors.New("boom")
	}

	err := f.Fetch(context.Background(), "user-1")
	if err == nil {
		t.Fatal("Fetchがエラーを返さなかった")
	}
	if !sawLoading {
		t.Error("取得中にLoadingがtrueになっていない")
	}
	snap := f.Snapshot()
	if snap.Loading {
		t.Error("失敗後もLoadingがtrueのまま")
	}
	if snap.Error != fetchErrorMessage {
		t.Errorf("Error = %q, want %q", snap.Error, fetchErrorMessage)
	}
}

func TestFeed_Fetch_FailureKeepsPreviousItems(t *testing.T) {
	api := &mockAPI{}
	f, _ := newTestFeed(api, nil)
	seed(t, f, api, []model.Notification{unread("n1")}, 1)

	api.listFn = func(ctx context.Context, userID string) (*model.NotificationList, error) {
		return nil, model.NewNetworkError(errors.New("connection reset"))
	}
	_ = f.Fetch(context.Background(), "user-1")

	snap := f.Snapshot()
	if len(snap.Items) != 1 || snap.UnreadCount != 1 {
		t.Errorf("失敗時に既存の通知が消えた: %+v", snap)
	}
}

func TestFeed_Fetch_SanitizesText(t *testing.T) {
	api := &mockAPI{}
	f, _ := newTestFeed(api, nil)
	seed(t, f, api, []model.Notification{{
		ID:      "n1",
		Title:   `<b>レベルアップ</b><script>alert(1)</script>`,
		Message: `<a href="javascript:alert(1)">XP &amp; 実績</a>`,
		Status:  model.NotificationUnread,
	}}, 1)

	item := f.Snapshot().Items[0]
	if item.Title != "レベルアップ" {
		t.Errorf("Title = %q", item.Title)
	}
	if item.Message != "XP & 実績" {
		t.Errorf("Message = %q", item.Message)
	}
}

func TestFeed_Fetch_ResultAfterLogout_IsDiscarded(t *testing.T) {
	api := &mockAPI{}
	session := &mockSession{authenticated: true, userID: "user-1"}
	f, _ := newTestFeed(api, session)

	api.listFn = func(ctx context.Context, userID string) (*model.NotificationList, error) {
		// 応答待ちの間にログアウトされる
		session.logout()
		return &model.NotificationList{Notifications: []model.Notification{unread("n1")}, UnreadCount: 1}, nil
	}

	if err := f.Fetch(context.Background(), "user-1"); err != nil {
		t.Fatalf("Fetchがエラーを返した: %v", err)
	}

	snap := f.Snapshot()
	if len(snap.Items) != 0 || snap.UnreadCount != 0 {
		t.Errorf("ログアウト後の結果が適用された: %+v", snap)
	}
	if snap.Loading {
		t.Error("Loading = true, want false")
	}
}

func TestFeed_Fetch_ResultForPreviousUser_IsDiscarded(t *testing.T) {
	api := &mockAPI{}
	session := &mockSession{authenticated: true, userID: "user-2"}
	f, _ := newTestFeed(api, session)
	api.listFn = func(ctx context.Context, userID string) (*model.NotificationList, error) {
		return &model.NotificationList{Notifications: []model.Notification{unread("n1")}, UnreadCount: 1}, nil
	}

	_ = f.Fetch(context.Background(), "user-1")

	if len(f.Snapshot().Items) != 0 {
		t.Error("別ユーザーの通知が適用された")
	}
}

func TestFeed_Fetch_ResultAfterReset_IsDiscarded(t *testing.T) {
	api := &mockAPI{}
	f, _ := newTestFeed(api, nil)

	api.listFn = func(ctx context.Context, userID string) (*model.NotificationList, error) {
		f.Reset()
		return &model.NotificationList{Notifications: []model.Notification{unread("n1")}, UnreadCount: 1}, nil
	}
	_ = f.Fetch(context.Background(), "user-1")

	if snap := f.Snapshot(); len(snap.Items) != 0 || snap.UnreadCount != 0 {
		t.Errorf("Reset前に始まった取得結果が適用された: %+v", snap)
	}
}

func TestFeed_Fetch_AuthExpiredDuringLogout_ReturnsError(t *testing.T) {
	api := &mockAPI{}
	session := &mockSession{authenticated: true, userID: "user-1"}
	f, _ := newTestFeed(api, session)

	// 401を受けたクライアントがログアウトを済ませてからエラーを返す
	api.listFn = func(ctx context.Context, userID string) (*model.NotificationList, error) {
		session.logout()
		f.Reset()
		return nil, model.NewAuthExpiredError()
	}

	err := f.Fetch(context.Background(), "user-1")
	if !errors.Is(err, model.ErrAuthExpired) {
		t.Fatalf("err = %v, want ErrAuthExpired", err)
	}
	if snap := f.Snapshot(); len(snap.Items) != 0 || snap.Error != "" {
		t.Errorf("破棄したはずの結果が適用された: %+v", snap)
	}
}

func TestFeed_Fetch_NetworkErrorAfterLogout_IsDiscarded(t *testing.T) {
	api := &mockAPI{}
	session := &mockSession{authenticated: true, userID: "user-1"}
	f, _ := newTestFeed(api, session)

	api.listFn = func(ctx context.Context, userID string) (*model.NotificationList, error) {
		session.logout()
		return nil, model.NewNetworkError(errors.New("connection reset"))
	}

	if err := f.Fetch(context.Background(), "user-1"); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

// --- MarkAsRead ---

func TestFeed_MarkAsRead_UnreadItem(t *testing.T) {
	api := &mockAPI{}
	f, _ := newTestFeed(api, nil)
	seed(t, f, api, []model.Notification{unread("n1"), unread("n2")}, 2)

	if !f.MarkAsRead(context.Background(), "n1") {
		t.Fatal("MarkAsRead = false, want true")
	}
	f.Wait()

	snap := f.Snapshot()
	if snap.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1", snap.UnreadCount)
	}
	if snap.Items[0].Status != model.NotificationRead {
		t.Errorf("Status = %q, want read", snap.Items[0].Status)
	}
	if len(api.markedRead) != 1 || api.markedRead[0] != "n1" {
		t.Errorf("markedRead = %v, want [n1]", api.markedRead)
	}
}

func TestFeed_MarkAsRead_Twice_DecrementsOnce(t *testing.T) {
	api := &mockAPI{}
	f, _ := newTestFeed(api, nil)
	seed(t, f, api, []model.Notification{unread("n1"), unread("n2")}, 2)

	f.MarkAsRead(context.Background(), "n1")
	if f.MarkAsRead(context.Background(), "n1") {
		t.Error("2回目のMarkAsReadはfalseであるべき")
	}
	f.Wait()

	if got := f.Snapshot().UnreadCount; got != 1 {
		t.Errorf("UnreadCount = %d, want 1", got)
	}
	if len(api.markedRead) != 1 {
		t.Errorf("API calls = %d, want 1", len(api.markedRead))
	}
}

func TestFeed_MarkAsRead_ReadOrUnknownItem_NoChange(t *testing.T) {
	api := &mockAPI{}
	f, _ := newTestFeed(api, nil)
	seed(t, f, api, []model.Notification{read("n1"), unread("n2")}, 1)

	f.MarkAsRead(context.Background(), "n1")
	f.MarkAsRead(context.Background(), "missing")
	f.Wait()

	if got := f.Snapshot().UnreadCount; got != 1 {
		t.Errorf("UnreadCount = %d, want 1", got)
	}
	if len(api.markedRead) != 0 {
		t.Errorf("API calls = %v, want none", api.markedRead)
	}
}

func TestFeed_MarkAsRead_NeverBelowZero(t *testing.T) {
	api := &mockAPI{}
	f, _ := newTestFeed(api, nil)
	// サーバーの未読数が項目と食い違っている場合でも負にならない
	seed(t, f, api, []model.Notification{unread("n1"), unread("n2")}, 1)

	f.MarkAsRead(context.Background(), "n1")
	f.MarkAsRead(context.Background(), "n2")
	f.Wait()

	if got := f.Snapshot().UnreadCount; got != 0 {
		t.Errorf("UnreadCount = %d, want 0", got)
	}
}

func TestFeed_MarkAsRead_APIFailure_NoRollback(t *testing.T) {
	api := &mockAPI{
		markReadFn: func(ctx context.Context, id string) error {
			return errors.New("500")
		},
	}
	f, logBuf := newTestFeed(api, nil)
	seed(t, f, api, []model.Notification{unread("n1")}, 1)

	f.MarkAsRead(context.Background(), "n1")
	f.Wait()

	snap := f.Snapshot()
	if snap.UnreadCount != 0 || snap.Items[0].Status != model.NotificationRead {
		t.Errorf("API失敗で状態が戻された: %+v", snap)
	}
	if !bytes.Contains([]byte(logBuf.String()), []byte("通知の既読化に失敗しました")) {
		t.Errorf("失敗ログが出力されていない: %s", logBuf.String())
	}
}

func TestFeed_MarkAsRead_DoesNotWaitForAPI(t *testing.T) {
	release := make(chan struct{})
	api := &mockAPI{
		markReadFn: func(ctx context.Context, id string) error {
			<-release
			return nil
		},
	}
	f, _ := newTestFeed(api, nil)
	seed(t, f, api, []model.Notification{unread("n1")}, 1)

	returned := make(chan struct{})
	go func() {
		f.MarkAsRead(context.Background(), "n1")
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("MarkAsReadがAPIの完了を待っている")
	}
	if got := f.Snapshot().UnreadCount; got != 0 {
		t.Errorf("UnreadCount = %d, want 0", got)
	}

	close(release)
	f.Wait()
}

func TestFeed_MarkAsRead_SurvivesCallerCancel(t *testing.T) {
	gotErr := make(chan error, 1)
	api := &mockAPI{
		markReadFn: func(ctx context.Context, id string) error {
			gotErr <- ctx.Err()
			return nil
		},
	}
	f, _ := newTestFeed(api, nil)
	seed(t, f, api, []model.Notification{unread("n1")}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	f.MarkAsRead(ctx, "n1")
	cancel()
	f.Wait()

	if err := <-gotErr; err != nil {
		t.Errorf("呼び出し元のキャンセルが伝播した: %v", err)
	}
}

// --- MarkAllAsRead ---

func TestFeed_MarkAllAsRead(t *testing.T) {
	api := &mockAPI{}
	f, _ := newTestFeed(api, nil)
	seed(t, f, api, []model.Notification{unread("n1"), read("n2"), unread("n3")}, 2)

	f.MarkAllAsRead(context.Background(), "user-1")
	f.Wait()

	snap := f.Snapshot()
	if snap.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d, want 0", snap.UnreadCount)
	}
	for _, n := range snap.Items {
		if n.Status != model.NotificationRead {
			t.Errorf("%s: Status = %q, want read", n.ID, n.Status)
		}
	}
	if len(api.markedAllFor) != 1 || api.markedAllFor[0] != "user-1" {
		t.Errorf("markedAllFor = %v", api.markedAllFor)
	}
}

// --- Add ---

func TestFeed_Add(t *testing.T) {
	tests := []struct {
		name       string
		n          model.Notification
		wantUnread int
	}{
		{"未読", unread("new"), 2},
		{"既読", read("new"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &mockAPI{}
			f, _ := newTestFeed(api, nil)
			seed(t, f, api, []model.Notification{unread("n1")}, 1)

			f.Add(tt.n)

			snap := f.Snapshot()
			if snap.Items[0].ID != "new" {
				t.Errorf("先頭 = %q, want new", snap.Items[0].ID)
			}
			if len(snap.Items) != 2 {
				t.Errorf("len = %d, want 2", len(snap.Items))
			}
			if snap.UnreadCount != tt.wantUnread {
				t.Errorf("UnreadCount = %d, want %d", snap.UnreadCount, tt.wantUnread)
			}
		})
	}
}

func TestFeed_Add_MissingStatusTreatedAsUnread(t *testing.T) {
	f, _ := newTestFeed(&mockAPI{}, nil)

	f.Add(model.Notification{ID: "n1", Title: "<i>hi</i>"})

	snap := f.Snapshot()
	if snap.UnreadCount != 1 || snap.Items[0].Status != model.NotificationUnread {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Items[0].Title != "hi" {
		t.Errorf("Title = %q, want hi", snap.Items[0].Title)
	}
}

// --- Open / Toggle / Reset ---

func TestFeed_OpenAndToggle_IndependentOfData(t *testing.T) {
	api := &mockAPI{}
	f, _ := newTestFeed(api, nil)

	if !f.Toggle() {
		t.Error("Toggle = false, want true")
	}
	seed(t, f, api, []model.Notification{unread("n1")}, 1)
	if !f.Snapshot().IsOpen {
		t.Error("Fetchで開閉状態が変わった")
	}
	if f.Toggle() {
		t.Error("Toggle = true, want false")
	}
	f.SetOpen(true)
	if !f.Snapshot().IsOpen {
		t.Error("SetOpen(true)が反映されていない")
	}
}

func TestFeed_Reset_ClearsEverything(t *testing.T) {
	api := &mockAPI{}
	f, _ := newTestFeed(api, nil)
	seed(t, f, api, []model.Notification{unread("n1")}, 1)
	f.SetOpen(true)

	f.Reset()

	snap := f.Snapshot()
	if len(snap.Items) != 0 || snap.UnreadCount != 0 || snap.IsOpen || snap.Error != "" {
		t.Errorf("snapshot = %+v, want empty", snap)
	}
}

// --- Snapshot ---

func TestFeed_Snapshot_ReturnsCopy(t *testing.T) {
	api := &mockAPI{}
	f, _ := newTestFeed(api, nil)
	seed(t, f, api, []model.Notification{unread("n1")}, 1)

	snap := f.Snapshot()
	snap.Items[0].Status = model.NotificationRead

	if f.Snapshot().Items[0].Status != model.NotificationUnread {
		t.Error("返却されたコピーの変更がフィードに反映された")
	}
}

// --- Polling ---

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestFeed_StartPolling_FetchesImmediately(t *testing.T) {
	api := &mockAPI{}
	f, _ := newTestFeed(api, nil)

	stop := f.StartPolling(context.Background(), "user-1", time.Hour)
	defer stop()

	waitFor(t, func() bool { return api.listCalls.Load() == 1 }, "起動直後に取得されていない")
	if !f.IsPolling() {
		t.Error("IsPolling = false, want true")
	}
}

func TestFeed_StartPolling_RepeatsOnInterval(t *testing.T) {
	api := &mockAPI{}
	f, _ := newTestFeed(api, nil)

	stop := f.StartPolling(context.Background(), "user-1", 5*time.Millisecond)
	waitFor(t, func() bool { return api.listCalls.Load() >= 3 }, "間隔ごとに取得されていない")
	stop()

	calls := api.listCalls.Load()
	time.Sleep(30 * time.Millisecond)
	if api.listCalls.Load() != calls {
		t.Error("停止後も取得が続いている")
	}
	if f.IsPolling() {
		t.Error("IsPolling = true, want false")
	}
}

func TestFeed_StartPolling_UsesUserID(t *testing.T) {
	got := make(chan string, 1)
	api := &mockAPI{
		listFn: func(ctx context.Context, userID string) (*model.NotificationList, error) {
			select {
			case got <- userID:
			default:
			}
			return &model.NotificationList{}, nil
		},
	}
	f, _ := newTestFeed(api, nil)

	stop := f.StartPolling(context.Background(), "user-42", time.Hour)
	defer stop()

	select {
	case id := <-got:
		if id != "user-42" {
			t.Errorf("userID = %q, want user-42", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("取得されていない")
	}
}

func TestFeed_StartPolling_Twice_OnlyOnePollerLive(t *testing.T) {
	var mu sync.Mutex
	users := map[string]int{}
	api := &mockAPI{
		listFn: func(ctx context.Context, userID string) (*model.NotificationList, error) {
			mu.Lock()
			users[userID]++
			mu.Unlock()
			return &model.NotificationList{}, nil
		},
	}
	f, _ := newTestFeed(api, nil)

	f.StartPolling(context.Background(), "user-1", 5*time.Millisecond)
	stop := f.StartPolling(context.Background(), "user-2", 5*time.Millisecond)
	defer stop()

	mu.Lock()
	before := users["user-1"]
	mu.Unlock()

	time.Sleep(40 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if users["user-1"] != before {
		t.Errorf("前のポーリングが動き続けている: %d → %d", before, users["user-1"])
	}
	if users["user-2"] < 2 {
		t.Errorf("新しいポーリングの取得回数 = %d, want >= 2", users["user-2"])
	}
	if got := f.polling.Load(); got != 1 {
		t.Errorf("polling = %d, want 1", got)
	}
}

func TestFeed_StopPolling(t *testing.T) {
	api := &mockAPI{}
	f, logBuf := newTestFeed(api, nil)

	f.StartPolling(context.Background(), "user-1", 5*time.Millisecond)
	waitFor(t, func() bool { return api.listCalls.Load() >= 1 }, "取得されていない")

	f.StopPolling()
	f.StopPolling()

	calls := api.listCalls.Load()
	time.Sleep(30 * time.Millisecond)
	if api.listCalls.Load() != calls {
		t.Error("StopPolling後も取得が続いている")
	}
	if !bytes.Contains([]byte(logBuf.String()), []byte("通知のポーリングを停止しました")) {
		t.Errorf("停止ログが出力されていない: %s", logBuf.String())
	}
}

func TestFeed_CancelPolling_FromInsideFetch_DoesNotDeadlock(t *testing.T) {
	api := &mockAPI{}
	f, _ := newTestFeed(api, nil)

	var once sync.Once
	api.listFn = func(ctx context.Context, userID string) (*model.NotificationList, error) {
		// 401によるログアウト処理がポーリング中の呼び出しから走る状況
		once.Do(func() {
			f.CancelPolling()
			f.Reset()
		})
		return nil, model.NewAuthExpiredError()
	}

	f.StartPolling(context.Background(), "user-1", 5*time.Millisecond)

	waitFor(t, func() bool { return !f.IsPolling() }, "ポーリングが停止していない")
	if calls := api.listCalls.Load(); calls != 1 {
		t.Errorf("list calls = %d, want 1", calls)
	}
	if f.Snapshot().Error != "" {
		t.Error("Reset後の失敗がフィードに反映された")
	}
}

func TestFeed_StopPolling_WithoutStart(t *testing.T) {
	f, _ := newTestFeed(&mockAPI{}, nil)
	f.StopPolling()
	f.CancelPolling()
}
