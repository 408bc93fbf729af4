package surrealdb

import (
	"context"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	surreal "github.com/surrealdb/surrealdb.go"

	"github.com/bobmcallan/cadence/internal/common"
	tcommon "github.com/bobmcallan/cadence/test/common"
)

// SurrealDB database names accept only word characters.
var unsafeDBChars = regexp.MustCompile(`\W+`)

// testDB connects to the shared container and selects a database private to
// the calling test.
func testDB(t *testing.T) *surreal.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("SurrealDB integration test skipped in short mode")
	}

	ctx := context.Background()
	db, err := surreal.New(tcommon.StartSurrealDB(t).Address())
	require.NoError(t, err, "connect")
	t.Cleanup(func() { db.Close(context.Background()) })

	_, err = db.SignIn(ctx, map[string]any{"user": "root", "pass": "root"})
	require.NoError(t, err, "sign in")

	name := unsafeDBChars.ReplaceAllString(t.Name(), "_") + "_" + strconv.FormatInt(time.Now().UnixNano()%1e6, 36)
	require.NoError(t, db.Use(ctx, "cadence_test", name))
	return db
}

// testManager returns a Manager whose tables are defined on a fresh database.
func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := newManager(context.Background(), testDB(t), common.NewSilentLogger())
	require.NoError(t, err, "define tables")
	return m
}
