package flags_test

import (
	"testing"

	"github.com/gomodule/redigo/redis"
	"github.com/shelfmark/custodian/flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool(t *testing.T) *redis.Pool {
	pool := &redis.Pool{
		MaxActive: 4,
		MaxIdle:   2,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", "localhost:6379", redis.DialDatabase(15))
		},
	}

	rc := pool.Get()
	defer rc.Close()
	_, err := rc.Do("FLUSHDB")
	require.NoError(t, err)

	return pool
}

func TestBool(t *testing.T) {
	pool := testPool(t)
	defer pool.Close()

	client := flags.NewClient(pool)

	// unset flags fall back to their defaults
	assert.False(t, client.Bool("delete_paused", false))
	assert.True(t, client.Bool("delete_paused", true))

	rc := pool.Get()
	defer rc.Close()

	rc.Do("SET", "custodian:flag:delete_paused", "true")
	assert.True(t, client.Bool("delete_paused", false))

	rc.Do("SET", "custodian:flag:delete_paused", "0")
	assert.False(t, client.Bool("delete_paused", true))

	// garbage values fall back too
	rc.Do("SET", "custodian:flag:delete_paused", "banana")
	assert.True(t, client.Bool("delete_paused", true))
}

func TestInt(t *testing.T) {
	pool := testPool(t)
	defer pool.Close()

	client := flags.NewClient(pool)

	assert.Equal(t, 10000, client.Int("poll_interval", 10000))

	rc := pool.Get()
	defer rc.Close()

	rc.Do("SET", "custodian:flag:poll_interval", "250")
	assert.Equal(t, 250, client.Int("poll_interval", 10000))
}
