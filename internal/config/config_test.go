package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	def := Default()
	assert.Equal(t, StoreCosmos, def.Store)
	assert.Equal(t, "./migrations", def.Path)
	assert.Equal(t, "yaml", def.Extension)
	assert.Equal(t, []string{".yaml", ".yml", ".json"}, def.LoadExtensions)
	assert.Equal(t, "migrations", def.Database)
	assert.Equal(t, "migrations", def.Collection)
	assert.Zero(t, def.MaxRounds)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("cosmos via env", func(t *testing.T) {
		t.Setenv("DOCMIGRATOR_CONNECTION_HOST", "https://acct.documents.azure.com")
		t.Setenv("DOCMIGRATOR_CONNECTION_MASTER_KEY", "a2V5")

		c, err := Load(nil, writeConfig(t, "store: cosmos\n"))
		require.NoError(t, err)
		assert.Equal(t, "https://acct.documents.azure.com", c.Connection.Host)
		assert.Equal(t, "a2V5", c.Connection.MasterKey)
		assert.True(t, filepath.IsAbs(c.Path))
	})

	t.Run("missing connection", func(t *testing.T) {
		_, err := Load(nil, writeConfig(t, "store: cosmos\n"))
		var cerr *ConfigError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "connection", cerr.Key)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(nil, "/non/existent/config.yaml")
		assert.Error(t, err)
	})

	t.Run("postgres needs dsn", func(t *testing.T) {
		_, err := Load(nil, writeConfig(t, "store: postgres\n"))
		var cerr *ConfigError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "dsn", cerr.Key)
	})

	t.Run("unknown store", func(t *testing.T) {
		_, err := Load(nil, writeConfig(t, "store: mongo\n"))
		var cerr *ConfigError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "store", cerr.Key)
	})

	t.Run("invalid values", func(t *testing.T) {
		for key, content := range map[string]string{
			"max_rounds": "store: postgres\ndsn: x\nmax_rounds: -1\n",
			"log_level":  "store: postgres\ndsn: x\nlog_level: loud\n",
		} {
			_, err := Load(nil, writeConfig(t, content))
			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr, key)
			assert.Equal(t, key, cerr.Key)
		}
	})

	t.Run("from config file with expansion", func(t *testing.T) {
		t.Setenv("PG_PASSWORD", "s3cret")
		c, err := Load(nil, writeConfig(t, `
store: Postgres
dsn: "postgres://app:${PG_PASSWORD}@db:5432/app"
path: "/srv/migrations"
extension: ".json"
load_extensions: [".json"]
variables:
  owner: data-team
database: ops
collection: applied
max_rounds: 50
`))
		require.NoError(t, err)
		assert.Equal(t, StorePostgres, c.Store)
		assert.Equal(t, "postgres://app:s3cret@db:5432/app", c.DSN)
		assert.Equal(t, "/srv/migrations", c.Path)
		assert.Equal(t, "json", c.Extension)
		assert.Equal(t, []string{".json"}, c.LoadExtensions)
		assert.Equal(t, map[string]string{"owner": "data-team"}, c.Variables)
		assert.Equal(t, "ops", c.Database)
		assert.Equal(t, "applied", c.Collection)
		assert.Equal(t, 50, c.MaxRounds)
	})

	t.Run("precedence", func(t *testing.T) {
		path := writeConfig(t, "store: postgres\ndsn: postgres://file\ncollection: from_file\ndatabase: from_file\n")
		t.Setenv("DOCMIGRATOR_DSN", "postgres://env")
		t.Setenv("DOCMIGRATOR_COLLECTION", "from_env")

		fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
		fs.String("dsn", "", "")
		fs.String("collection", "", "")
		fs.String("log-level", "info", "")
		fs.String("master-key", "", "")
		require.NoError(t, fs.Parse([]string{"--dsn", "postgres://flag", "--log-level", "debug"}))

		c, err := Load(fs, path)
		require.NoError(t, err)
		assert.Equal(t, "postgres://flag", c.DSN)
		assert.Equal(t, "from_env", c.Collection)
		assert.Equal(t, "from_file", c.Database)
		assert.Equal(t, "debug", c.LogLevel)
	})

	t.Run("flag for nested key", func(t *testing.T) {
		fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
		fs.String("host", "", "")
		fs.String("master-key", "", "")
		require.NoError(t, fs.Parse([]string{"--host", "https://localhost:8081", "--master-key", "a2V5"}))

		c, err := Load(fs, writeConfig(t, "store: cosmos\n"))
		require.NoError(t, err)
		assert.Equal(t, "https://localhost:8081", c.Connection.Host)
		assert.Equal(t, "a2V5", c.Connection.MasterKey)
		assert.False(t, c.Connection.PartitionByID)
	})

	t.Run("partition by id from env", func(t *testing.T) {
		t.Setenv("DOCMIGRATOR_CONNECTION_PARTITION_BY_ID", "true")
		c, err := Load(nil, writeConfig(t, "store: cosmos\nconnection:\n  host: https://localhost:8081\n  master_key: a2V5\n"))
		require.NoError(t, err)
		assert.True(t, c.Connection.PartitionByID)
	})
}

func TestWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)
	require.NoError(t, Write(path, Sample()))
	assert.ErrorIs(t, Write(path, Sample()), ErrExists)

	t.Setenv("COSMOS_HOST", "https://localhost:8081")
	t.Setenv("COSMOS_MASTER_KEY", "a2V5")
	c, err := Load(nil, path)
	require.NoError(t, err)
	assert.Equal(t, "https://localhost:8081", c.Connection.Host)
	assert.Equal(t, "a2V5", c.Connection.MasterKey)
	assert.Equal(t, "migrations", c.Collection)
}
