package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/harun/plugd/pkg/audit"
)

// subscription is the feed filter a client chose when it authenticated
type subscription struct {
	client *Client
	filter FeedFilter
}

// ClientRegistry tracks connected feed clients and the subscriptions of the
// authenticated ones. Subscriptions are indexed by tenant; the "" bucket
// holds clients following every tenant.
type ClientRegistry struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	subs     map[string]subscription
	byTenant map[string]map[string]subscription
}

// NewClientRegistry creates a new client registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients:  make(map[string]*Client),
		subs:     make(map[string]subscription),
		byTenant: make(map[string]map[string]subscription),
	}
}

// Add tracks a connected client. It receives nothing until it subscribes.
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.ID] = client
}

// Subscribe starts feeding a connected client the records matching filter,
// replacing any earlier subscription.
func (r *ClientRegistry) Subscribe(clientID string, filter FeedFilter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[clientID]
	if !ok {
		return false
	}
	r.unsubscribe(clientID)

	sub := subscription{client: client, filter: filter}
	r.subs[clientID] = sub
	bucket, ok := r.byTenant[filter.TenantID]
	if !ok {
		bucket = make(map[string]subscription)
		r.byTenant[filter.TenantID] = bucket
	}
	bucket[clientID] = sub
	return true
}

func (r *ClientRegistry) unsubscribe(clientID string) {
	sub, ok := r.subs[clientID]
	if !ok {
		return
	}
	delete(r.subs, clientID)
	bucket := r.byTenant[sub.filter.TenantID]
	delete(bucket, clientID)
	if len(bucket) == 0 {
		delete(r.byTenant, sub.filter.TenantID)
	}
}

// Remove forgets a client and its subscription
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribe(clientID)
	delete(r.clients, clientID)
}

// Get retrieves a client by ID
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, exists := r.clients[clientID]
	return client, exists
}

// All returns every connected client
func (r *ClientRegistry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// Subscribers returns every subscribed client
func (r *ClientRegistry) Subscribers() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.subs))
	for _, sub := range r.subs {
		clients = append(clients, sub.client)
	}
	return clients
}

// Matching returns the subscribed clients whose filter selects rec. Only the
// record's tenant bucket and the all-tenants bucket are visited.
func (r *ClientRegistry) Matching(rec audit.Record) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var clients []*Client
	visit := func(bucket map[string]subscription) {
		for _, sub := range bucket {
			if sub.filter.Match(rec) {
				clients = append(clients, sub.client)
			}
		}
	}
	visit(r.byTenant[""])
	if rec.TenantID != "" {
		visit(r.byTenant[rec.TenantID])
	}
	return clients
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Info describes every connected client, oldest first
func (r *ClientRegistry) Info() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ClientInfo, 0, len(r.clients))
	for id, client := range r.clients {
		sub, subscribed := r.subs[id]
		infos = append(infos, ClientInfo{
			ID:            client.ID,
			Authenticated: subscribed,
			ConnectedAt:   client.ConnectedAt,
			LastActivity:  client.LastActivity,
			IPAddress:     client.IPAddress,
			Filter:        sub.filter,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Touch updates the last activity time for a client
func (r *ClientRegistry) Touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if client, exists := r.clients[clientID]; exists {
		client.LastActivity = time.Now()
	}
}
