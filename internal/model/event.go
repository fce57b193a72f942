// Package model はドメインモデルを定義する。
package model

import "time"

// ChangeEvent はFeedStoreへの1回の変更を表す。
// 成功した書き込みごとに1件、同一キーのイベントより後のシーケンス位置で追記される。
// 登録されたハンドラグループごとに少なくとも1回配信される。
type ChangeEvent struct {
	Seq        int64
	EntityType EntityType
	EntityKey  string
	Op         ChangeOp
	NewImage   string // 変更後エンティティのJSON表現
	CreatedAt  time.Time
}

// EntityType は変更対象のエンティティ種別を表す。
type EntityType string

const (
	// EntityTypeFeed はフィードメタデータのエンティティ種別。
	EntityTypeFeed EntityType = "feed"
	// EntityTypeItem は記事のエンティティ種別。
	EntityTypeItem EntityType = "item"
)

// ChangeOp は変更の種類を表す。
type ChangeOp string

const (
	// ChangeOpInsert は新規作成。
	ChangeOpInsert ChangeOp = "insert"
	// ChangeOpUpdate は既存エンティティの更新。
	ChangeOpUpdate ChangeOp = "update"
)
