// Package model はドメインモデルを定義する。
package model

import "time"

// Item はフィードから取得した記事を表す。
// (FeedID, Fingerprint) の組はフィード内で一意であり、
// 同じフィンガープリントの2回目の書き込みは重複レコードではなくno-opになる。
// Fetcherによって作成された後は変更されない。
type Item struct {
	ID           string
	FeedID       string
	GuidOrID     string
	Fingerprint  string
	Title        string
	Link         string
	Summary      string // サニタイズ済み
	Content      string // サニタイズ済みHTML
	Author       string
	Categories   []string
	CommentsLink string
	PublishedAt  *time.Time
	CreatedAt    time.Time
}

// ParsedItem はフィードパーサーから取得した未保存の記事データを表す。
// Fetcherがフィードをパースした後、フィンガープリント計算と保存に渡される。
type ParsedItem struct {
	GuidOrID     string
	Title        string
	Link         string
	Summary      string // 未サニタイズ
	Content      string // 未サニタイズのHTML
	Author       string
	Categories   []string
	CommentsLink string
	PublishedAt  *time.Time
}
