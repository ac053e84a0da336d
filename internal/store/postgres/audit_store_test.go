package postgres

import (
	"testing"
	"time"

	"github.com/acheron/engine/internal/domain"
)

func TestAuditListQuery(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		opts     domain.ListOpts
		want     string
		wantArgs int
	}{
		{
			name: "no filters",
			want: "SELECT id, event, detail, created_at FROM audit_log ORDER BY created_at DESC, id DESC",
		},
		{
			name:     "exact event with paging",
			opts:     domain.ListOpts{Event: "system.alert", Limit: 50, Offset: 100},
			want:     "SELECT id, event, detail, created_at FROM audit_log WHERE event = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3",
			wantArgs: 3,
		},
		{
			name:     "prefix and since",
			opts:     domain.ListOpts{Event: "archive.*", Since: &since},
			want:     "SELECT id, event, detail, created_at FROM audit_log WHERE event LIKE $1 AND created_at >= $2 ORDER BY created_at DESC, id DESC",
			wantArgs: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, args := auditListQuery(tt.opts)
			if got != tt.want {
				t.Errorf("query =\n%s\nwant\n%s", got, tt.want)
			}
			if len(args) != tt.wantArgs {
				t.Errorf("args = %v", args)
			}
		})
	}
}

func TestAuditPrefixEscaped(t *testing.T) {
	_, args := auditListQuery(domain.ListOpts{Event: "odds_feed.*"})
	if len(args) != 1 || args[0] != `odds\_feed.%` {
		t.Errorf("args = %v", args)
	}
}
