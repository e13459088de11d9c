// Copyright 2025 James Ross
package scripts

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// runJSON runs s against c with the given keys/args and unmarshals its
// single string reply into out. Every script in this package returns a
// JSON-encoded table as its sole reply so Go never has to interpret Lua's
// multi-type return values by hand.
func runJSON(ctx context.Context, s *redis.Script, c redis.Scripter, keys []string, argv []interface{}, out interface{}) error {
	res, err := s.Run(ctx, c, keys, argv...).Result()
	if err != nil {
		return err
	}
	str, ok := res.(string)
	if !ok {
		b, mErr := json.Marshal(res)
		if mErr != nil {
			return mErr
		}
		str = string(b)
	}
	return json.Unmarshal([]byte(str), out)
}
