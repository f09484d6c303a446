package auth

import "time"

// DefaultTrialDays はトライアル期間の日数。
const DefaultTrialDays = 15

// TrialDaysRemaining はトライアルの残り日数を返す。
// 経過日数は24時間単位で切り捨てる。結果は0未満にならない。
// 開始日時が未来（端末の時計ずれ）の場合は経過0日として扱う。
func TrialDaysRemaining(startedAt, now time.Time, trialDays int) int {
	elapsed := now.Sub(startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := trialDays - int(elapsed/(24*time.Hour))
	if remaining < 0 {
		return 0
	}
	return remaining
}
