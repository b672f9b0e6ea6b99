// Package storetest holds a behavioural test suite that every
// upload.RecordStore implementation must pass.
package storetest

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wesm/mboxstream/internal/upload"
)

// Factory returns a fresh, empty store. maxPerSession is 0 for unbounded.
type Factory func(t *testing.T, maxPerSession int) upload.RecordStore

// NewRecord returns a populated record whose fields derive from n.
func NewRecord(n int) upload.Record {
	return upload.Record{
		Offset:         int64(n * 100),
		Subject:        fmt.Sprintf("subject %d", n),
		Sender:         fmt.Sprintf("sender%d@example.com", n),
		Recipient:      "recipient@example.com",
		Date:           time.Date(2024, 1, 1, 12, 0, n, 0, time.UTC),
		HasAttachments: n%2 == 1,
		BodyExcerpt:    fmt.Sprintf("body %d", n),
	}
}

// Run exercises newStore against the RecordStore contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("AppendAssignsOrdinals", func(t *testing.T) {
		rs := newStore(t, 0)
		for i := 0; i < 3; i++ {
			got, err := rs.Append("s1", NewRecord(i))
			if err != nil {
				t.Fatalf("Append %d: %v", i, err)
			}
			if got.Ordinal != i {
				t.Errorf("ordinal = %d, want %d", got.Ordinal, i)
			}
		}
		if _, err := rs.Append("s2", NewRecord(9)); err != nil {
			t.Fatalf("Append s2: %v", err)
		}
		if n, _ := rs.Count("s1"); n != 3 {
			t.Errorf("Count(s1) = %d, want 3", n)
		}
		if n, _ := rs.Count("s2"); n != 1 {
			t.Errorf("Count(s2) = %d, want 1", n)
		}
	})

	t.Run("ListPages", func(t *testing.T) {
		rs := newStore(t, 0)
		var want []upload.Record
		for i := 0; i < 7; i++ {
			rec, err := rs.Append("s", NewRecord(i))
			if err != nil {
				t.Fatal(err)
			}
			want = append(want, rec)
		}
		tests := []struct {
			offset, limit int
			want          []upload.Record
		}{
			{0, 3, want[0:3]},
			{3, 3, want[3:6]},
			{6, 3, want[6:7]},
			{7, 3, []upload.Record{}},
			{0, 0, []upload.Record{}},
		}
		for _, tt := range tests {
			got, err := rs.List("s", tt.offset, tt.limit)
			if err != nil {
				t.Fatalf("List(%d, %d): %v", tt.offset, tt.limit, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("List(%d, %d) mismatch (-want +got):\n%s", tt.offset, tt.limit, diff)
			}
		}
		got, err := rs.List("unknown", 0, 10)
		if err != nil || len(got) != 0 {
			t.Errorf("List(unknown) = %v, %v", got, err)
		}
	})

	t.Run("Replace", func(t *testing.T) {
		rs := newStore(t, 0)
		for i := 0; i < 2; i++ {
			if _, err := rs.Append("s", NewRecord(i)); err != nil {
				t.Fatal(err)
			}
		}
		repl := NewRecord(5)
		repl.Ordinal = 1
		if err := rs.Replace("s", repl); err != nil {
			t.Fatalf("Replace: %v", err)
		}
		got, _ := rs.List("s", 1, 1)
		if diff := cmp.Diff([]upload.Record{repl}, got); diff != "" {
			t.Errorf("after Replace (-want +got):\n%s", diff)
		}
		missing := NewRecord(0)
		missing.Ordinal = 2
		if err := rs.Replace("s", missing); err == nil {
			t.Error("Replace of missing ordinal succeeded")
		}
	})

	t.Run("Limit", func(t *testing.T) {
		rs := newStore(t, 2)
		for i := 0; i < 2; i++ {
			if _, err := rs.Append("s", NewRecord(i)); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := rs.Append("s", NewRecord(2)); !errors.Is(err, upload.ErrRecordLimit) {
			t.Errorf("third Append error = %v, want ErrRecordLimit", err)
		}
		if _, err := rs.Append("other", NewRecord(0)); err != nil {
			t.Errorf("limit leaked across sessions: %v", err)
		}
	})

	t.Run("DeleteSession", func(t *testing.T) {
		rs := newStore(t, 0)
		for _, id := range []string{"a", "b"} {
			if _, err := rs.Append(id, NewRecord(0)); err != nil {
				t.Fatal(err)
			}
		}
		if err := rs.DeleteSession("a"); err != nil {
			t.Fatalf("DeleteSession: %v", err)
		}
		if n, _ := rs.Count("a"); n != 0 {
			t.Errorf("Count(a) = %d after delete", n)
		}
		if n, _ := rs.Count("b"); n != 1 {
			t.Errorf("Count(b) = %d, want 1", n)
		}
		// Ordinals restart for a session id that is reused.
		rec, err := rs.Append("a", NewRecord(1))
		if err != nil || rec.Ordinal != 0 {
			t.Errorf("Append after delete = %+v, %v", rec, err)
		}
	})

	t.Run("ConcurrentSessions", func(t *testing.T) {
		rs := newStore(t, 0)
		var wg sync.WaitGroup
		for s := 0; s < 4; s++ {
			wg.Add(1)
			go func(s int) {
				defer wg.Done()
				id := fmt.Sprintf("s%d", s)
				for i := 0; i < 25; i++ {
					if _, err := rs.Append(id, NewRecord(i)); err != nil {
						t.Errorf("Append(%s): %v", id, err)
						return
					}
				}
			}(s)
		}
		wg.Wait()
		for s := 0; s < 4; s++ {
			id := fmt.Sprintf("s%d", s)
			recs, err := rs.List(id, 0, 100)
			if err != nil {
				t.Fatal(err)
			}
			for i, r := range recs {
				if r.Ordinal != i || r.Subject != fmt.Sprintf("subject %d", i) {
					t.Fatalf("%s record %d = %+v", id, i, r)
				}
			}
		}
	})
}
