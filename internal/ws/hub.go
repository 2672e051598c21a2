package ws

import (
	"sync"

	"github.com/Arjunhubgit/Task-Manager-sub000/internal/metrics"
)

// Registry 维护 用户 -> 连接 的映射，只存在内存中，进程重启后由客户端重新 join。
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*Client
	owner  map[string]string // connID -> userID
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]*Client),
		owner:  make(map[string]string),
	}
}

// Register 把连接挂到 userID 名下。同一连接重复注册无副作用，换了用户则迁移过去。
// 发送队列已关闭的连接（如被判定为慢消费者）不再接收，返回 false。
func (r *Registry) Register(userID string, c *Client) bool {
	if c.isClosed() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.owner[c.id]; ok {
		if prev == userID {
			return true
		}
		r.removeLocked(prev, c.id)
	} else {
		metrics.WsConnections.Inc()
	}
	conns := r.byUser[userID]
	if conns == nil {
		conns = make(map[string]*Client)
		r.byUser[userID] = conns
	}
	conns[c.id] = c
	r.owner[c.id] = userID
	c.setUser(userID)
	return true
}

// Unregister 移除连接并关闭其发送队列，未知连接直接忽略。
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	userID, ok := r.owner[connID]
	var c *Client
	if ok {
		c = r.byUser[userID][connID]
		r.removeLocked(userID, connID)
		delete(r.owner, connID)
		metrics.WsConnections.Dec()
	}
	r.mu.Unlock()

	if c != nil {
		c.closeSend()
	}
}

func (r *Registry) removeLocked(userID, connID string) {
	conns := r.byUser[userID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byUser, userID)
	}
}

// ConnectionsFor 返回用户当前的连接 ID，离线时为空切片。
func (r *Registry) ConnectionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		out = append(out, id)
	}
	return out
}

func (r *Registry) clientsFor(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Count 返回已注册的连接总数。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owner)
}
