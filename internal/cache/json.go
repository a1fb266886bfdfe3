package cache

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(s string, v any) error {
	return json.Unmarshal([]byte(s), v)
}

func (c *Client) hsetJSON(ctx context.Context, key, field string, v any) error {
	data, err := marshalJSON(v)
	if err != nil {
		return err
	}
	return c.rdb.HSet(ctx, key, field, data).Err()
}

// hgetJSON reports ok=false (no error) when field is absent, matching
// go-redis's redis.Nil sentinel for a missing hash field.
func (c *Client) hgetJSON(ctx context.Context, key, field string, v any) (bool, error) {
	raw, err := c.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := unmarshalJSON(raw, v); err != nil {
		return false, err
	}
	return true, nil
}
