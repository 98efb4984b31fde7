// Package cache 实现按字节容量限制的内容缓存，采用严格 LRU 淘汰。
package cache

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrEntryTooLarge 单个条目超过缓存总容量，永远放不下
var ErrEntryTooLarge = errors.New("缓存条目超过总容量")

// Cache URL → 内容字节的有界缓存。
// 任何一次 Store 返回后，累计字节数都不会超过容量；
// 读取会刷新条目的最近访问时间，即读取计入 LRU 使用。
type Cache struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	data     map[string]*list.Element
	lruList  *list.List // Front = 最近访问，Back = 最久未访问
	clk      clock.Clock

	// 统计
	hits      int64
	misses    int64
	evictions int64
}

// entry 缓存条目
type entry struct {
	url        string
	content    []byte
	size       int64
	lastAccess time.Time
}

// Stats 缓存运行统计
type Stats struct {
	Entries   int
	Used      int64
	Capacity  int64
	Hits      int64
	Misses    int64
	Evictions int64
}

// New 创建缓存，capacity 为容量上限（字节）
func New(capacity int64) *Cache {
	return NewWithClock(capacity, clock.New())
}

// NewWithClock 创建使用指定时钟的缓存，便于测试控制访问时间
func NewWithClock(capacity int64, clk clock.Clock) *Cache {
	return &Cache{
		capacity: capacity,
		data:     make(map[string]*list.Element),
		lruList:  list.New(),
		clk:      clk,
	}
}

// Store 写入内容。空间不足时从最久未访问的条目开始逐个淘汰，
// 腾出足够空间后插入，并把访问时间记为当前时刻。
func (c *Cache) Store(url string, content []byte) error {
	size := int64(len(content))
	if size > c.capacity {
		return ErrEntryTooLarge
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// 已存在则先摘除旧条目，按新写入处理
	if elem, ok := c.data[url]; ok {
		c.removeElement(elem)
	}

	for c.used+size > c.capacity {
		oldest := c.lruList.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
		c.evictions++
	}

	e := &entry{
		url:        url,
		content:    content,
		size:       size,
		lastAccess: c.clk.Now(),
	}
	c.data[url] = c.lruList.PushFront(e)
	c.used += size
	return nil
}

// Get 读取内容，命中时刷新最近访问时间
func (c *Cache) Get(url string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.data[url]
	if !ok {
		c.misses++
		return nil, false
	}

	e := elem.Value.(*entry)
	e.lastAccess = c.clk.Now()
	c.lruList.MoveToFront(elem)
	c.hits++
	return e.content, true
}

// Contains 判断条目是否存在，不刷新访问时间
func (c *Cache) Contains(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[url]
	return ok
}

// LastAccess 返回条目的最近访问时间
func (c *Cache) LastAccess(url string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.data[url]
	if !ok {
		return time.Time{}, false
	}
	return elem.Value.(*entry).lastAccess, true
}

// Len 返回条目数
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Size 返回当前累计字节数
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Capacity 返回容量上限
func (c *Cache) Capacity() int64 {
	return c.capacity
}

// Stats 返回运行统计快照
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   len(c.data),
		Used:      c.used,
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// removeElement 摘除条目，调用方必须持有锁
func (c *Cache) removeElement(elem *list.Element) {
	e := elem.Value.(*entry)
	c.lruList.Remove(elem)
	delete(c.data, e.url)
	c.used -= e.size
}
