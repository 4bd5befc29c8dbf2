// Package cache предоставляет внутрипроцессный кеш с TTL на основе freecache.
package cache

import (
	"time"

	"github.com/coocood/freecache"
)

// TTLCache хранит сериализованные значения с ограниченным временем жизни.
// Кеш передаётся в сервис явно, глобального состояния нет.
type TTLCache struct {
	cache *freecache.Cache
}

// New создаёт кеш указанного размера в байтах.
func New(sizeBytes int) *TTLCache {
	return &TTLCache{
		cache: freecache.NewCache(sizeBytes),
	}
}

// Get возвращает значение по ключу, если оно есть и не протухло.
func (c *TTLCache) Get(key string) ([]byte, bool) {
	data, err := c.cache.Get([]byte(key))
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set сохраняет значение по ключу с указанным временем жизни.
func (c *TTLCache) Set(key string, value []byte, ttl time.Duration) {
	_ = c.cache.Set([]byte(key), value, int(ttl.Seconds()))
}

// Invalidate удаляет значение по ключу.
func (c *TTLCache) Invalidate(key string) {
	c.cache.Del([]byte(key))
}
