package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv(t *testing.T) {
	environ := []string{
		"SHOP_AMQP_HOST=rabbit",
		"SHOP_AMQP_PORT=5672",
		"SHOPPING_AMQP_HOST=wrong",
		"HOME=/root",
		"SHOP_=empty",
		"broken",
	}

	got := fromList("SHOP", environ)
	assert.Equal(t, map[string]string{"amqp_host": "rabbit", "amqp_port": "5672"}, got)

	assert.Equal(t, got, fromList("SHOP_", environ))

	t.Run("strips the prefix, not a character set", func(t *testing.T) {
		got := fromList("AB", []string{"AB_BASE=1", "AB_AB=2"})
		assert.Equal(t, map[string]string{"base": "1", "ab": "2"}, got)
	})

	t.Run("reads the process environment", func(t *testing.T) {
		t.Setenv("TOPICBUSTEST_AMQP_VHOST", "/")
		assert.Equal(t, "/", FromEnv("TOPICBUSTEST")["amqp_vhost"])
	})
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("dotenv", func(t *testing.T) {
		path := filepath.Join(dir, ".env")
		require.NoError(t, os.WriteFile(path, []byte("AMQP_HOST=rabbit\n# comment\nAMQP_PASS=\"s3cret\"\n"), 0o600))

		got, err := FromFile(path)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"amqp_host": "rabbit", "amqp_pass": "s3cret"}, got)
	})

	t.Run("yaml", func(t *testing.T) {
		path := filepath.Join(dir, "bus.yaml")
		doc := "amqp:\n  host: rabbit\n  port: 5672\n  heartbeat: 30s\n  vhost: /\ndebug: true\nratio: 0.5\n"
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

		got, err := FromFile(path)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{
			"amqp_host":      "rabbit",
			"amqp_port":      "5672",
			"amqp_heartbeat": "30s",
			"amqp_vhost":     "/",
			"debug":          "true",
			"ratio":          "0.5",
		}, got)
	})

	t.Run("yaml lists are rejected", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yml")
		require.NoError(t, os.WriteFile(path, []byte("hosts:\n  - a\n  - b\n"), 0o600))
		_, err := FromFile(path)
		assert.ErrorContains(t, err, "hosts")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := FromFile(filepath.Join(dir, "nope.env"))
		assert.Error(t, err)
	})
}

func TestMerge(t *testing.T) {
	got := Merge(
		map[string]string{"amqp_host": "file", "amqp_port": "5672"},
		nil,
		map[string]string{"amqp_host": "env"},
	)
	assert.Equal(t, map[string]string{"amqp_host": "env", "amqp_port": "5672"}, got)
}
