// Package flags reads runtime feature flags from Redis. Flags are read fresh on every call
// rather than cached, so operators can pause workers or retune poll intervals on live
// traffic without a deploy.
package flags

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gomodule/redigo/redis"
)

const keyPattern = "custodian:flag:%s"

// Client reads flag values from a Redis pool
type Client struct {
	rp  *redis.Pool
	log *slog.Logger
}

func NewClient(rp *redis.Pool) *Client {
	return &Client{rp: rp, log: slog.With("comp", "flags")}
}

// Bool returns the value of a boolean flag, or def if the flag is unset or unreadable
func (c *Client) Bool(name string, def bool) bool {
	rc := c.rp.Get()
	defer rc.Close()

	val, err := redis.String(rc.Do("GET", fmt.Sprintf(keyPattern, name)))
	if err == redis.ErrNil {
		return def
	}
	if err != nil {
		c.log.Warn("error reading flag, using default", "flag", name, "error", err)
		return def
	}

	parsed, err := strconv.ParseBool(val)
	if err != nil {
		c.log.Warn("non-boolean flag value, using default", "flag", name, "value", val)
		return def
	}
	return parsed
}

// Int returns the value of a numeric flag, or def if the flag is unset or unreadable
func (c *Client) Int(name string, def int) int {
	rc := c.rp.Get()
	defer rc.Close()

	val, err := redis.Int(rc.Do("GET", fmt.Sprintf(keyPattern, name)))
	if err == redis.ErrNil {
		return def
	}
	if err != nil {
		c.log.Warn("error reading flag, using default", "flag", name, "error", err)
		return def
	}
	return val
}
