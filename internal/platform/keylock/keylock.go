// Package keylock 提供按 key 互斥的锁：同一 key 串行，不同 key 互不阻塞。
// 锁对象按引用计数回收，key 数量不会无限增长。
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Locker 是按 key 分配的互斥锁集合，零值不可用，使用 New 创建。
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

// Lock 获取 key 对应的锁，返回的函数用于释放（只能调用一次）。
func (l *Locker) Lock(key string) (unlock func()) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}

// size 返回当前持有或等待中的 key 数量。
func (l *Locker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
