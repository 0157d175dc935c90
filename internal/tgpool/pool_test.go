package tgpool_test

import (
	"testing"

	"telegram-broadcast/internal/store"
	"telegram-broadcast/internal/tgpool"
)

func TestSplitGroupID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		id       string
		wantKind store.TargetGroupKind
		wantID   int64
		wantErr  bool
	}{
		{name: "supergroup", id: "-1001234567890", wantKind: store.TargetGroupKindSupergroup, wantID: 1234567890},
		{name: "plainGroup", id: "-456789", wantKind: store.TargetGroupKindGroup, wantID: 456789},
		{name: "bareMarkerIsPlainGroup", id: "-100", wantKind: store.TargetGroupKindGroup, wantID: 100},
		{name: "positiveIdIsUnsupported", id: "123", wantErr: true},
		{name: "garbage", id: "-100abc", wantErr: true},
		{name: "empty", id: "", wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			kind, id, err := tgpool.SplitGroupID(tc.id)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got kind=%s id=%d", tc.id, kind, id)
				}
				return
			}
			if err != nil {
				t.Fatalf("SplitGroupID(%q): %v", tc.id, err)
			}
			if kind != tc.wantKind || id != tc.wantID {
				t.Fatalf("SplitGroupID(%q) = (%s, %d), want (%s, %d)", tc.id, kind, id, tc.wantKind, tc.wantID)
			}
		})
	}
}

func TestNormalizeGroupIDRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind store.TargetGroupKind
		id   int64
		want string
	}{
		{kind: store.TargetGroupKindSupergroup, id: 1234567890, want: "-1001234567890"},
		{kind: store.TargetGroupKindSupergroup, id: -1234567890, want: "-1001234567890"},
		{kind: store.TargetGroupKindGroup, id: 456789, want: "-456789"},
	}

	for _, tc := range cases {
		got := tgpool.NormalizeGroupID(tc.kind, tc.id)
		if got != tc.want {
			t.Fatalf("NormalizeGroupID(%s, %d) = %q, want %q", tc.kind, tc.id, got, tc.want)
		}
		kind, id, err := tgpool.SplitGroupID(got)
		if err != nil {
			t.Fatalf("SplitGroupID(%q): %v", got, err)
		}
		if kind != tc.kind {
			t.Fatalf("round trip kind = %s, want %s", kind, tc.kind)
		}
		if want := tc.id; want < 0 {
			want = -want
			if id != want {
				t.Fatalf("round trip id = %d, want %d", id, want)
			}
		} else if id != want {
			t.Fatalf("round trip id = %d, want %d", id, want)
		}
	}
}
