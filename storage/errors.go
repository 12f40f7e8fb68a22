package storage

import "errors"

var errEmptyRedisAddr = errors.New("redis connection string has no address")
