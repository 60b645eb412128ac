// Package conflict は人物間の予定重複を検出するサービスを提供する。
package conflict

import (
	"sort"
	"time"

	"github.com/hitoshi/calhub/internal/model"
)

// Detector は予定リストから人物間の時間帯重複を検出するサービス。
// 入力順序に依存しない決定的な結果を返す。
type Detector struct{}

// NewDetector はDetectorの新しいインスタンスを生成する。
func NewDetector() *Detector {
	return &Detector{}
}

// Detect は異なる人物同士の時間帯が重複する予定ペアを返す。
// 終日予定と終了時刻がnowより前の予定は対象外。
// 同一人物内の重複は衝突とみなさない。
// 結果は開始時刻の早い順にソートされ、同じペアは一度だけ現れる。
func (d *Detector) Detect(events []model.Event, now time.Time) []model.ConflictPair {
	candidates := make([]model.Event, 0, len(events))
	for _, e := range events {
		if e.IsAllDay {
			continue
		}
		if !e.EndAt.After(now) {
			continue
		}
		candidates = append(candidates, e)
	}

	// 入力順序に依存しないよう候補を正規化キーで並べる
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.StartAt.Equal(b.StartAt) {
			return a.StartAt.Before(b.StartAt)
		}
		return a.Key() < b.Key()
	})

	seen := make(map[string]bool)
	var pairs []model.ConflictPair
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			a, b := candidates[i], candidates[j]
			if a.PersonName == b.PersonName {
				continue
			}
			if !a.Overlaps(&b) {
				continue
			}
			key := pairKey(&a, &b)
			if seen[key] {
				continue
			}
			seen[key] = true
			pairs = append(pairs, model.ConflictPair{EventA: a, EventB: b})
		}
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].EventA.StartAt.Before(pairs[j].EventA.StartAt)
	})
	return pairs
}

// pairKey は予定ペアの正規化キーを返す。
// 2つの予定キーを辞書順に連結するため、ペアの順序に依存しない。
func pairKey(a, b *model.Event) string {
	ka, kb := a.Key(), b.Key()
	if kb < ka {
		ka, kb = kb, ka
	}
	return ka + "|" + kb
}
