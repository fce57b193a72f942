// Package model はドメインモデルを定義する。
package model

import "time"

// Feed は購読中のRSS/Atomフィードを表す。
// NextDueAtはスケジューラの条件付き更新によってのみ進み、
// last_polled_at + ポーリング間隔 を下回らない。
type Feed struct {
	ID               string
	FeedURL          string
	SiteURL          string
	Title            string
	Description      string
	Language         string
	FeedVersion      string
	Status           FeedStatus
	IntervalMinutes  int
	ETag             string
	LastModified     string
	LastPolledAt     *time.Time
	NextDueAt        time.Time
	ErrorCount       int
	LastErrorMessage string
	PushSupported    bool
	PushHubURL       string
	PushTopicURL     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// FeedStatus はフィードの購読状態を表す。
type FeedStatus string

const (
	// FeedStatusActive はポーリング対象のフィード状態。
	FeedStatusActive FeedStatus = "active"
	// FeedStatusInactive は購読解除されたフィード状態。
	// inactiveなフィードはスケジューリングされない。
	FeedStatusInactive FeedStatus = "inactive"
)

// NextDueAfter はポーリング成功後の次回実行時刻を返す。
func (f *Feed) NextDueAfter(polledAt time.Time) time.Time {
	return polledAt.Add(time.Duration(f.IntervalMinutes) * time.Minute)
}
