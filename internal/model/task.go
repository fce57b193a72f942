// Package model はドメインモデルを定義する。
package model

import "time"

// PollTask はディスパッチキュー上の「このフィードをポーリングする」作業単位。
// ペイロードはフィードIDのみで、状態は処理時にFeedStoreから再取得する。
// 処理成功でキューから削除され、試行上限を超えるとデッドレターに移動する。
type PollTask struct {
	ID         string
	FeedID     string
	EnqueuedAt time.Time
	VisibleAt  time.Time
	Attempts   int
}

// TaskReceipt は配信ごとに発行される受領票。
// Ackは受領票単位で行い、可視性タイムアウト後の再配信では新しい受領票が発行される。
type TaskReceipt string

// DeliveredTask はデキューされたタスクと受領票の組。
type DeliveredTask struct {
	Task    PollTask
	Receipt TaskReceipt
}

// DeadLetter は試行上限を使い切ったタスク/イベントの記録。
// 自動では再試行されず、オペレータによる調査のために保持される。
type DeadLetter struct {
	ID            string
	Kind          DeadLetterKind
	FeedID        string
	Payload       string
	Attempts      int
	LastError     string
	FirstFailedAt time.Time
	CreatedAt     time.Time
}

// DeadLetterKind はデッドレターの発生元を表す。
type DeadLetterKind string

const (
	// DeadLetterKindPollTask はポーリングタスク由来のデッドレター。
	DeadLetterKindPollTask DeadLetterKind = "poll_task"
	// DeadLetterKindChangeEvent は変更イベント由来のデッドレター。
	DeadLetterKindChangeEvent DeadLetterKind = "change_event"
)
