package memory_test

import (
	"errors"
	"testing"
	"time"

	"github.com/HendryAvila/recall/internal/memory"
)

// ─── Before / After ─────────────────────────────────────────────────────────

func TestQueryBeforeAfter_ExactLengths(t *testing.T) {
	s := newTestStore(t)
	sess := ensureSession(t, s, "ext", "proj")

	var all []int64
	for i := 0; i < 7; i++ {
		all = append(all, addObs(t, s, sess, "Timeline obs "+string(rune('A'+i)), "content"))
	}
	anchor, err := s.GetRecord(ctx, memory.RecordRef{Kind: memory.KindObservation, ID: all[3]})
	if err != nil {
		t.Fatal(err)
	}
	pos := memory.AnchorOf(*anchor)

	before, err := s.QueryBeforeTimestamp(ctx, pos, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ids(before), all[1:3]; !equalIDs(got, want) {
		t.Errorf("before = %v, want %v (chronological)", got, want)
	}

	after, err := s.QueryAfterTimestamp(ctx, pos, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ids(after), all[4:6]; !equalIDs(got, want) {
		t.Errorf("after = %v, want %v", got, want)
	}

	none, err := s.QueryBeforeTimestamp(ctx, pos, 0, "")
	if err != nil || len(none) != 0 {
		t.Errorf("n=0: got %v, err %v", none, err)
	}
}

func TestQueryBefore_ShortHistory(t *testing.T) {
	s := newTestStore(t)
	sess := ensureSession(t, s, "ext", "proj")

	first := addObs(t, s, sess, "first", "a")
	second := addObs(t, s, sess, "second", "b")
	addObs(t, s, sess, "third", "c")

	anchor, _ := s.GetRecord(ctx, memory.RecordRef{Kind: memory.KindObservation, ID: second})
	before, err := s.QueryBeforeTimestamp(ctx, memory.AnchorOf(*anchor), 3, "")
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(before); !equalIDs(got, []int64{first}) {
		t.Errorf("before = %v, want only [%d]", got, first)
	}
}

func TestQueryBeforeAfter_MixedKindsAndProject(t *testing.T) {
	s := newTestStore(t)
	sess := ensureSession(t, s, "ext", "proj")
	other := ensureSession(t, s, "ext-2", "other")

	o1 := addObs(t, s, sess, "o1", "x")
	addObs(t, s, other, "foreign", "x")
	sm := addSummary(t, s, sess, 1, "turn one")
	o2 := addObs(t, s, sess, "o2", "x")

	anchor, _ := s.GetRecord(ctx, memory.RecordRef{Kind: memory.KindObservation, ID: o2})
	before, err := s.QueryBeforeTimestamp(ctx, memory.AnchorOf(*anchor), 10, "proj")
	if err != nil {
		t.Fatal(err)
	}
	if len(before) != 2 {
		t.Fatalf("before = %+v, want 2 records", before)
	}
	if before[0].Kind != memory.KindObservation || before[0].ID != o1 {
		t.Errorf("before[0] = %s/%d, want observation/%d", before[0].Kind, before[0].ID, o1)
	}
	if before[1].Kind != memory.KindSummary || before[1].ID != sm || before[1].Summary == nil {
		t.Errorf("before[1] = %+v, want summary/%d", before[1], sm)
	}

	unfiltered, _ := s.QueryBeforeTimestamp(ctx, memory.AnchorOf(*anchor), 10, "")
	if len(unfiltered) != 3 {
		t.Errorf("unfiltered before = %d records, want 3", len(unfiltered))
	}
}

// Records sharing one epoch are ordered by id, then kind.
func TestQueryBeforeAfter_TieBreak(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStoreWithClock(t, func() time.Time { return fixed })
	sess := ensureSession(t, s, "ext", "proj")

	o1 := addObs(t, s, sess, "o1", "x")
	s1 := addSummary(t, s, sess, 1, "s1")
	o2 := addObs(t, s, sess, "o2", "x")

	anchor, _ := s.GetRecord(ctx, memory.RecordRef{Kind: memory.KindObservation, ID: o2})
	before, err := s.QueryBeforeTimestamp(ctx, memory.AnchorOf(*anchor), 5, "")
	if err != nil {
		t.Fatal(err)
	}
	want := []memory.RecordRef{
		{Kind: memory.KindObservation, ID: o1},
		{Kind: memory.KindSummary, ID: s1},
	}
	if len(before) != len(want) {
		t.Fatalf("before = %+v, want %v", before, want)
	}
	for i := range want {
		if before[i].Ref() != want[i] {
			t.Errorf("before[%d] = %v, want %v", i, before[i].Ref(), want[i])
		}
	}

	first, _ := s.GetRecord(ctx, want[0])
	after, _ := s.QueryAfterTimestamp(ctx, memory.AnchorOf(*first), 5, "")
	if len(after) != 2 || after[0].Ref() != want[1] || after[1].ID != o2 {
		t.Errorf("after = %+v", after)
	}
}

// ─── QueryByRefs ────────────────────────────────────────────────────────────

func TestQueryByRefs_OrderAndMissing(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := fixed
	s := newTestStoreWithClock(t, func() time.Time { return now })
	sess := ensureSession(t, s, "ext", "proj")

	old := addObs(t, s, sess, "old", "x")
	now = fixed.Add(time.Hour)
	newA := addObs(t, s, sess, "newA", "x")
	newB := addObs(t, s, sess, "newB", "x")

	refs := []memory.RecordRef{
		{Kind: memory.KindObservation, ID: old},
		{Kind: memory.KindObservation, ID: newB},
		{Kind: memory.KindObservation, ID: 9999},
		{Kind: memory.KindObservation, ID: newA},
	}

	newest, err := s.QueryByRefs(ctx, refs, memory.OrderNewest, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(newest); !equalIDs(got, []int64{newA, newB, old}) {
		t.Errorf("newest = %v, want [%d %d %d]", got, newA, newB, old)
	}

	oldest, _ := s.QueryByRefs(ctx, refs, memory.OrderOldest, 1)
	if got := ids(oldest); !equalIDs(got, []int64{old}) {
		t.Errorf("oldest limit 1 = %v, want [%d]", got, old)
	}

	empty, err := s.QueryByRefs(ctx, nil, memory.OrderNewest, 0)
	if err != nil || len(empty) != 0 {
		t.Errorf("no refs: %v, %v", empty, err)
	}
}

// ─── Timeline ───────────────────────────────────────────────────────────────

func TestTimeline_AroundRecord(t *testing.T) {
	s := newTestStore(t)
	sess := ensureSession(t, s, "ext", "proj")

	var all []int64
	for i := 0; i < 5; i++ {
		all = append(all, addObs(t, s, sess, "obs", "content"))
	}

	result, err := s.Timeline(ctx, memory.RecordRef{Kind: memory.KindObservation, ID: all[2]}, 5, 1, "")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if result.Anchor.ID != all[2] {
		t.Errorf("Anchor.ID = %d, want %d", result.Anchor.ID, all[2])
	}
	if got := ids(result.Before); !equalIDs(got, all[:2]) {
		t.Errorf("Before = %v, want %v", got, all[:2])
	}
	if got := ids(result.After); !equalIDs(got, all[3:4]) {
		t.Errorf("After = %v, want %v", got, all[3:4])
	}
}

func TestTimeline_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Timeline(ctx, memory.RecordRef{Kind: memory.KindSummary, ID: 42}, 5, 5, "")
	if !errors.Is(err, memory.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestQueryByProject(t *testing.T) {
	s := newTestStore(t)
	sess := ensureSession(t, s, "ext", "proj")
	other := ensureSession(t, s, "ext-2", "other")

	o := addObs(t, s, sess, "o", "x")
	addObs(t, s, other, "foreign", "x")
	sm := addSummary(t, s, sess, 1, "req")

	records, err := s.QueryByProject(ctx, "proj", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %+v, want 2", records)
	}
	if records[0].Kind != memory.KindSummary || records[0].ID != sm {
		t.Errorf("newest = %s/%d, want summary/%d", records[0].Kind, records[0].ID, sm)
	}
	if records[1].ID != o || records[1].Title() != "o" {
		t.Errorf("second = %+v", records[1])
	}
}
