package objects

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/digsync/internal/common"
	"github.com/dmitrijs2005/digsync/internal/models"
)

var columns = []string{"uuid", "tbl", "projet_uuid", "live", "created", "author_uuid", "tag", "tag_hash", "custom_tag", "modified", "seq", "payload"}

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

func sampleObject() *models.Object {
	return &models.Object{
		Table:      models.TableFait,
		UUID:       "u1",
		ProjetUUID: "p1",
		Status:     models.StatusLive,
		Created:    10,
		AuthorUUID: "a1",
		Tag:        "F-1",
		TagHash:    "h",
		Modified:   100,
		Payload:    json.RawMessage(`{"n":1}`),
	}
}

func TestGet_ReturnsLatestVersion(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT uuid, tbl, .* FROM objects WHERE uuid = \$1$`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("u1", "fait", "p1", false, int64(10), "a1", "F-1", "h", false, int64(100), 3, []byte(`{"n":1}`)))

	o, err := repo.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.TableFait, o.Table)
	assert.Equal(t, models.StatusArchived, o.Status)
	require.Len(t, o.Versions, 1)
	assert.Equal(t, 3, o.Versions[0].Seq)
	assert.Equal(t, int64(100), o.Versions[0].Modified)
	assert.JSONEq(t, `{"n":1}`, string(o.Versions[0].Payload))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM objects WHERE uuid = \$1$`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(columns))

	_, err := repo.Get(context.Background(), "nope")
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestGetForUpdate_LocksRow(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM objects WHERE uuid = \$1 FOR UPDATE`).
		WithArgs("u1").
		WillReturnError(errors.New("db err"))

	_, err := repo.GetForUpdate(context.Background(), "u1")
	if err == nil || !regexp.MustCompile(`failed to get object u1: .*db err`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestGetMany(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	got, err := repo.GetMany(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	mock.ExpectQuery(`SELECT .* FROM objects WHERE uuid IN \(\$1, \$2\)`).
		WithArgs("u1", "u2").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("u1", "fait", "p1", true, int64(1), "a", "", "", false, int64(5), 0, nil).
			AddRow("u2", "us", "p1", true, int64(2), "a", "", "", true, int64(6), 1, []byte(`{}`)))

	got, err = repo.GetMany(context.Background(), []string{"u1", "u2"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Nil(t, got[0].Payload)
	assert.True(t, got[1].CustomTag)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListByProjet_LiveOnly(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM objects WHERE projet_uuid = \$1 AND live ORDER BY created, uuid`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows(columns))

	got, err := repo.ListByProjet(context.Background(), "p1", true)
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListByTable_ScanError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM objects WHERE tbl = \$1`).
		WithArgs("projet").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("p1", "projet", "p1", "not-bool", int64(1), "a", "", "", false, int64(5), 0, nil))

	_, err := repo.ListByTable(context.Background(), models.TableProjet)
	if err == nil || !regexp.MustCompile(`failed to scan projet`).MatchString(err.Error()) {
		t.Fatalf("expected scan error, got %v", err)
	}
}

func TestInsert(t *testing.T) {
	q := `INSERT INTO objects .* ON CONFLICT \(uuid\) DO NOTHING`

	tests := []struct {
		name    string
		result  sql.Result
		execErr error
		wantErr string
		is      error
	}{
		{name: "inserted", result: sqlmock.NewResult(0, 1)},
		{name: "uuid taken", result: sqlmock.NewResult(0, 0), is: common.ErrConflict},
		{name: "db error", execErr: errors.New("db is down"), wantErr: `db error: .*db is down`},
		{name: "rows affected error", result: sqlmock.NewErrorResult(errors.New("rows-err")), wantErr: `rows affected error: .*rows-err`},
		{name: "too many rows", result: sqlmock.NewResult(0, 2), wantErr: `unexpected rows affected: 2`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock, db := newRepoWithMock(t)
			defer db.Close()

			o := sampleObject()
			exp := mock.ExpectExec(q).WithArgs("u1", "fait", "p1", true, int64(10), "a1", "F-1", "h", false, int64(100), 0, []byte(`{"n":1}`))
			if tt.execErr != nil {
				exp.WillReturnError(tt.execErr)
			} else {
				exp.WillReturnResult(tt.result)
			}

			err := repo.Insert(context.Background(), o, 0)
			switch {
			case tt.is != nil:
				require.ErrorIs(t, err, tt.is)
			case tt.wantErr != "":
				if err == nil || !regexp.MustCompile(tt.wantErr).MatchString(err.Error()) {
					t.Fatalf("expected %q, got %v", tt.wantErr, err)
				}
			default:
				require.NoError(t, err)
			}
		})
	}
}

func TestUpdate_NotFound(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	o := sampleObject()
	o.Payload = nil
	mock.ExpectExec(`UPDATE objects SET live = \$2, .* WHERE uuid = \$1`).
		WithArgs("u1", true, "a1", "F-1", "h", false, int64(100), 2, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), o, 2)
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestAppendVersion_And_Versions(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO object_versions`).
		WithArgs("u1", 1, false, "a1", int64(7), "F-1", []byte(`{"x":2}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.AppendVersion(context.Background(), "u1", models.Version{
		Seq: 1, Status: models.StatusArchived, AuthorUUID: "a1", Modified: 7, Tag: "F-1", Payload: json.RawMessage(`{"x":2}`),
	})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT seq, live, author_uuid, modified, tag, payload FROM object_versions\s+WHERE uuid = \$1 ORDER BY seq`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "live", "author_uuid", "modified", "tag", "payload"}).
			AddRow(0, true, "a1", int64(5), "F-1", []byte(`{"x":1}`)).
			AddRow(1, false, "a1", int64(7), "F-1", []byte(`{"x":2}`)))

	vs, err := repo.Versions(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.Equal(t, models.StatusLive, vs[0].Status)
	assert.Equal(t, models.StatusArchived, vs[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendVersion_DuplicateSeq(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO object_versions`).
		WillReturnError(errors.New("duplicate key"))

	err := repo.AppendVersion(context.Background(), "u1", models.Version{Seq: 0, Status: models.StatusLive})
	if err == nil || !regexp.MustCompile(`failed to append version 0 of u1`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestIndexSince(t *testing.T) {
	cols := []string{"uuid", "tbl", "modified"}

	t.Run("full manifest", func(t *testing.T) {
		repo, mock, db := newRepoWithMock(t)
		defer db.Close()

		mock.ExpectQuery(`SELECT uuid, tbl, modified FROM objects WHERE projet_uuid = \$1 ORDER BY modified, uuid`).
			WithArgs("p1").
			WillReturnRows(sqlmock.NewRows(cols).
				AddRow("p1", "projet", int64(3)).
				AddRow("u1", "fait", int64(9)))

		entries, mark, err := repo.IndexSince(context.Background(), "p1", nil)
		require.NoError(t, err)
		assert.Equal(t, []models.IndexEntry{{UUID: "p1", Table: models.TableProjet}, {UUID: "u1", Table: models.TableFait}}, entries)
		require.NotNil(t, mark)
		assert.Equal(t, int64(9), *mark)
	})

	t.Run("empty project has no mark", func(t *testing.T) {
		repo, mock, db := newRepoWithMock(t)
		defer db.Close()

		mock.ExpectQuery(`FROM objects WHERE projet_uuid = \$1 ORDER BY`).
			WithArgs("p1").
			WillReturnRows(sqlmock.NewRows(cols))

		entries, mark, err := repo.IndexSince(context.Background(), "p1", nil)
		require.NoError(t, err)
		assert.Empty(t, entries)
		assert.Nil(t, mark)
	})

	t.Run("delta keeps the caller mark when nothing changed", func(t *testing.T) {
		repo, mock, db := newRepoWithMock(t)
		defer db.Close()

		since := int64(50)
		mock.ExpectQuery(`FROM objects WHERE projet_uuid = \$1 AND modified > \$2`).
			WithArgs("p1", int64(50)).
			WillReturnRows(sqlmock.NewRows(cols))

		entries, mark, err := repo.IndexSince(context.Background(), "p1", &since)
		require.NoError(t, err)
		assert.Empty(t, entries)
		require.NotNil(t, mark)
		assert.Equal(t, int64(50), *mark)
	})

	t.Run("rows error", func(t *testing.T) {
		repo, mock, db := newRepoWithMock(t)
		defer db.Close()

		mock.ExpectQuery(`FROM objects WHERE projet_uuid`).
			WithArgs("p1").
			WillReturnRows(sqlmock.NewRows(cols).
				AddRow("u1", "fait", int64(1)).
				AddRow("u2", "fait", int64(2)).
				RowError(1, errors.New("row-err")))

		_, _, err := repo.IndexSince(context.Background(), "p1", nil)
		if err == nil || err.Error() != "row-err" {
			t.Fatalf("expected rows.Err 'row-err', got %v", err)
		}
	})
}

func TestStamp_And_NextTagSeq(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO projet_clocks .* GREATEST\(projet_clocks.last_modified \+ 1, EXCLUDED.last_modified\)`).
		WithArgs("p1", int64(1000)).
		WillReturnRows(sqlmock.NewRows([]string{"last_modified"}).AddRow(int64(1001)))

	stamp, err := repo.Stamp(context.Background(), "p1", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1001), stamp)

	mock.ExpectQuery(`INSERT INTO tag_counters .* RETURNING value`).
		WithArgs("p1", "fait").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(4))

	seq, err := repo.NextTagSeq(context.Background(), "p1", models.TableFait)
	require.NoError(t, err)
	assert.Equal(t, 4, seq)

	mock.ExpectExec(`INSERT INTO tag_counters .* SELECT \$2, tbl, value FROM tag_counters WHERE projet_uuid = \$1`).
		WithArgs("p1", "p2").
		WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, repo.CopyTagCounters(context.Background(), "p1", "p2"))
	require.NoError(t, mock.ExpectationsWereMet())
}
