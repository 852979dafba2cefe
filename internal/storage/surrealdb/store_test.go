package surrealdb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	surreal "github.com/surrealdb/surrealdb.go"

	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/interfaces"
	"github.com/bobmcallan/kabuka/internal/storage/containertest"
	"github.com/bobmcallan/kabuka/internal/storage/storagetest"
)

// testDB connects to the shared container using a database unique to the test.
func testDB(t *testing.T) *surreal.DB {
	t.Helper()

	sc := containertest.StartSurrealDB(t)
	ctx := context.Background()

	db, err := surreal.New(containertest.SurrealAddress(sc))
	if err != nil {
		t.Fatalf("connect to SurrealDB: %v", err)
	}

	if _, err := db.SignIn(ctx, map[string]interface{}{
		"user": "root",
		"pass": "root",
	}); err != nil {
		t.Fatalf("sign in to SurrealDB: %v", err)
	}

	// SurrealDB rejects "/" in database names, which subtests produce.
	sanitized := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dbName := fmt.Sprintf("t_%s_%d", sanitized, time.Now().UnixNano()%100000)
	if err := db.Use(ctx, "kabuka_test", dbName); err != nil {
		t.Fatalf("select namespace/database: %v", err)
	}

	t.Cleanup(func() {
		db.Close(context.Background())
	})

	return db
}

func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func inspector(s *Store) storagetest.Inspector {
	return func(ctx context.Context, date civil.Date) ([]storagetest.Row, error) {
		sql := fmt.Sprintf("SELECT * FROM %s WHERE date = $date ORDER BY security_code", s.Table())
		results, err := surreal.Query[[]quoteRow](ctx, s.DB(), sql, map[string]any{"date": date.String()})
		if err != nil {
			return nil, err
		}
		var out []storagetest.Row
		if results != nil && len(*results) > 0 {
			for _, r := range (*results)[0].Result {
				out = append(out, storagetest.Row{
					SecurityCode: r.SecurityCode,
					ClosePrice:   r.ClosePrice,
					Volume:       r.Volume,
					CreatedAt:    r.CreatedAt,
					UpdatedAt:    r.UpdatedAt,
				})
			}
		}
		return out, nil
	}
}

func TestStore_WarehouseBehaviour(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) (interfaces.WarehouseStore, storagetest.Inspector) {
		s := NewStoreWithDB(testDB(t), "daily_quotes", common.NewSilentLogger(), WithClock(tickingClock()))
		return s, inspector(s)
	})
}

func TestStore_StagingTablesAreRemoved(t *testing.T) {
	db := testDB(t)
	s := NewStoreWithDB(db, "daily_quotes", common.NewSilentLogger())
	ctx := context.Background()
	require.NoError(t, s.EnsureSchema(ctx))

	_, err := s.MergeUpsert(ctx, storagetest.Batch(storagetest.Day, 3), storagetest.Day)
	require.NoError(t, err)

	info, err := surreal.Query[map[string]any](ctx, db, "INFO FOR DB", nil)
	require.NoError(t, err)
	require.NotEmpty(t, *info)
	tables, _ := (*info)[0].Result["tables"].(map[string]any)
	for name := range tables {
		assert.NotContains(t, name, "_staging_")
	}
}

func TestNewStore_RejectsBadTableName(t *testing.T) {
	_, err := NewStore(context.Background(), common.SurrealConfig{Address: "ws://localhost:8000/rpc"}, "quotes-x", common.NewSilentLogger())
	assert.Error(t, err)
}

func TestMergeSQL(t *testing.T) {
	q := mergeSQL("dq_staging_20250603_abc")
	assert.True(t, strings.HasPrefix(q, "BEGIN TRANSACTION;"))
	assert.Contains(t, q, "INSERT INTO dq_staging_20250603_abc $rows")
	assert.Contains(t, q, "created_at = created_at ?? $r.created_at")
	assert.Contains(t, q, "REMOVE TABLE dq_staging_20250603_abc")
	assert.True(t, strings.HasSuffix(q, "COMMIT TRANSACTION;"))
}

func TestRecordID_IsNaturalKey(t *testing.T) {
	s := &Store{table: "daily_quotes"}
	a := s.recordID(storagetest.Day, "72030")
	b := s.recordID(storagetest.Day, "72030")
	assert.Equal(t, a, b)
	assert.Equal(t, "daily_quotes", a.Table)
	assert.Equal(t, []any{"2025-06-03", "72030"}, a.ID)
}
