package index

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendAudit(t *testing.T, s *Store, principal, operation string, ts time.Time) {
	t.Helper()
	require.NoError(t, s.AppendAudit(context.Background(), &AuditEvent{
		Timestamp: ts,
		EventType: "s3",
		Principal: principal,
		Operation: operation,
		Status:    "200",
	}))
}

func TestAuditQueryFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	appendAudit(t, s, "alice", "PutObject", base)
	appendAudit(t, s, "alice", "GetObject", base.Add(time.Minute))
	appendAudit(t, s, "bob", "PutObject", base.Add(2*time.Minute))

	events, _, err := s.QueryAudit(ctx, AuditFilter{Principal: "alice"}, 0, "")
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, _, err = s.QueryAudit(ctx, AuditFilter{Operation: "PutObject"}, 0, "")
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, _, err = s.QueryAudit(ctx, AuditFilter{Since: base.Add(90 * time.Second)}, 0, "")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "bob", events[0].Principal)
}

func TestAuditPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 7; i++ {
		appendAudit(t, s, "alice", fmt.Sprintf("Op%d", i), base.Add(time.Duration(i)*time.Second))
	}

	var all []*AuditEvent
	token := ""
	for {
		events, next, err := s.QueryAudit(ctx, AuditFilter{}, 3, token)
		require.NoError(t, err)
		all = append(all, events...)
		if next == "" {
			break
		}
		token = next
	}
	require.Len(t, all, 7)
	// Newest first across pages.
	assert.Equal(t, "Op6", all[0].Operation)
	assert.Equal(t, "Op0", all[6].Operation)

	_, _, err := s.QueryAudit(ctx, AuditFilter{}, 3, "not-a-number")
	assert.Error(t, err)
}

func TestAuditPurge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	appendAudit(t, s, "alice", "Old", time.Now().Add(-48*time.Hour))
	appendAudit(t, s, "alice", "Recent", time.Now())

	removed, err := s.PurgeAudit(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	events, _, err := s.QueryAudit(ctx, AuditFilter{}, 0, "")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Recent", events[0].Operation)
}
