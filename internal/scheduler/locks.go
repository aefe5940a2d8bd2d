package scheduler

import (
	"slices"
	"strings"
	"sync"
)

// TableLockManager serializes tasks that write the same warehouse table.
// Uses a keyed mutex pattern: each table gets its own mutex, so loads into
// different tables proceed concurrently.
type TableLockManager struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*sync.Mutex // Per-table mutexes
}

// NewTableLockManager creates a new TableLockManager.
func NewTableLockManager() *TableLockManager {
	return &TableLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// lockKey folds schema qualification and case: public.Users and users
// name the same table.
func lockKey(table string) string {
	table = strings.ToLower(strings.ReplaceAll(table, `"`, ""))
	return strings.TrimPrefix(table, "public.")
}

// Lock acquires the mutex for table, creating it on first use.
func (r *TableLockManager) Lock(table string) {
	key := lockKey(table)
	r.mu.Lock()
	l, exists := r.locks[key]
	if !exists {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	r.mu.Unlock()

	// Acquire outside the manager lock to avoid contention
	l.Lock()
}

// Unlock releases the mutex for table.
func (r *TableLockManager) Unlock(table string) {
	r.mu.Lock()
	l, exists := r.locks[lockKey(table)]
	r.mu.Unlock()

	if exists {
		l.Unlock()
	}
}

// keys returns the distinct lock keys of tables in sorted order.
func keys(tables []string) []string {
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		out = append(out, lockKey(t))
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// LockAll acquires locks for every table. Keys are sorted before acquiring
// so two tasks with overlapping tables cannot deadlock.
func (r *TableLockManager) LockAll(tables []string) {
	for _, k := range keys(tables) {
		r.Lock(k)
	}
}

// UnlockAll releases the locks taken by LockAll, in reverse order.
func (r *TableLockManager) UnlockAll(tables []string) {
	ks := keys(tables)
	for i := len(ks) - 1; i >= 0; i-- {
		r.Unlock(ks[i])
	}
}
