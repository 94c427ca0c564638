package migrations

import (
	"context"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jackc/pgx/v5"
	"github.com/pborman/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/CMSgov/claimfin/claimfin/database/databasetest"
)

const sqlFlavor = sqlbuilder.PostgreSQL

type MigrationTestSuite struct {
	suite.Suite

	dbURL string
	conn  *pgx.Conn
}

func (s *MigrationTestSuite) SetupSuite() {
	s.dbURL = databasetest.StartEmpty(s.T(), 15443)

	conn, err := pgx.Connect(context.Background(), s.dbURL)
	require.NoError(s.T(), err)
	s.conn = conn
}

func (s *MigrationTestSuite) TearDownSuite() {
	if s.conn != nil {
		s.conn.Close(context.Background())
	}
}

func TestMigrationTestSuite(t *testing.T) {
	databasetest.SkipUnlessEnabled(t)
	suite.Run(t, new(MigrationTestSuite))
}

func (s *MigrationTestSuite) TestClaimfinMigration() {
	m, err := migrate.New("file://"+databasetest.MigrationsPath(), s.dbURL)
	require.NoError(s.T(), err)
	defer m.Close()

	derivedTables := []string{"activity_summaries", "claim_payments", "claim_status"}

	// Tests should begin with "up" migrations, in order, followed by "down" migrations in reverse order
	tests := []struct {
		name  string
		tFunc func(t *testing.T)
	}{
		{
			"Create claim_facts",
			func(t *testing.T) {
				runMigration(t, m, 1)
				assertTableExists(t, true, s.conn, "claim_facts")
				assertColumnExists(t, true, s.conn, "claim_facts", "dedup_key")
				for _, table := range derivedTables {
					assertTableExists(t, false, s.conn, table)
				}

				key := "sub|" + uuid.New() + "|A1"
				insert := func() error {
					ib := sqlFlavor.NewInsertBuilder().InsertInto("claim_facts").
						Cols("claim_key", "kind", "dedup_key", "tx_time", "payload").
						Values("CLM-1", "submission", key, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), "{}")
					query, args := ib.Build()
					_, err := s.conn.Exec(context.Background(), query, args...)
					return err
				}
				assert.NoError(t, insert())
				assert.Error(t, insert(), "dedup_key must be unique")
			},
		},
		{
			"Create derived tables",
			func(t *testing.T) {
				runMigration(t, m, 2)
				for _, table := range derivedTables {
					assertTableExists(t, true, s.conn, table)
				}
				assertColumnExists(t, true, s.conn, "claim_payments", "claim_date")

				ib := sqlFlavor.NewInsertBuilder().InsertInto("activity_summaries").
					Cols("claim_key", "activity_id", "status", "submitted", "paid", "payload").
					Values("CLM-1", "A1", "PAID", 100, 150, "{}")
				query, args := ib.Build()
				_, err := s.conn.Exec(context.Background(), query, args...)
				assert.Error(t, err, "paid must not exceed submitted")
			},
		},
		{
			"Drop derived tables",
			func(t *testing.T) {
				require.NoError(t, m.Steps(-1))
				for _, table := range derivedTables {
					assertTableExists(t, false, s.conn, table)
				}
				assertTableExists(t, true, s.conn, "claim_facts")
			},
		},
		{
			"Drop claim_facts",
			func(t *testing.T) {
				require.NoError(t, m.Steps(-1))
				assertTableExists(t, false, s.conn, "claim_facts")
			},
		},
	}

	for _, tt := range tests {
		s.T().Run(tt.name, tt.tFunc)
	}
}

func runMigration(t *testing.T, m *migrate.Migrate, version uint) {
	require.NoError(t, m.Migrate(version))

	actual, dirty, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, version, actual)
	assert.False(t, dirty)
}

func assertColumnExists(t *testing.T, shouldExist bool, conn *pgx.Conn, tableName, columnName string) {
	sb := sqlFlavor.NewSelectBuilder().Select("COUNT(1)").From("information_schema.columns")
	sb.Where(sb.Equal("table_name", tableName), sb.Equal("column_name", columnName))
	query, args := sb.Build()
	var count int
	assert.NoError(t, conn.QueryRow(context.Background(), query, args...).Scan(&count))

	var expected int
	if shouldExist {
		expected = 1
	}
	assert.Equal(t, expected, count)
}

func assertTableExists(t *testing.T, shouldExist bool, conn *pgx.Conn, tableName string) {
	sb := sqlFlavor.NewSelectBuilder().Select("COUNT(1)").From("information_schema.tables")
	sb.Where(sb.Equal("table_name", tableName))
	query, args := sb.Build()
	var count int
	assert.NoError(t, conn.QueryRow(context.Background(), query, args...).Scan(&count))

	var expected int
	if shouldExist {
		expected = 1
	}
	assert.Equal(t, expected, count)
}
