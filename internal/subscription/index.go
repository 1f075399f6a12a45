// Package subscription maps (tenant, campaign) pairs to the connections
// observing them. It is the only read path the dispatcher uses to find
// recipients of tenant data.
package subscription

import (
	"sort"
	"sync"

	"github.com/pitabwire/pulse/internal/observability"
	"github.com/pitabwire/pulse/model"
)

// Index is a bidirectional subscription index. It is safe for concurrent use.
type Index struct {
	mu      sync.RWMutex
	members map[model.SessionKey]map[string]struct{}
	byConn  map[string]map[model.SessionKey]struct{}
	count   int

	metrics *observability.Metrics
}

// New creates an empty Index.
func New(metrics *observability.Metrics) *Index {
	return &Index{
		members: make(map[model.SessionKey]map[string]struct{}),
		byConn:  make(map[string]map[model.SessionKey]struct{}),
		metrics: metrics,
	}
}

// Add subscribes connectionID to key. The key's tenant must be a real tenant;
// callers are responsible for checking that the connection authenticated as
// that tenant. It reports whether the subscription is new.
func (x *Index) Add(connectionID string, key model.SessionKey) (bool, error) {
	tenant, err := model.ValidateTenantID(key.TenantID)
	if err != nil {
		return false, err
	}
	if connectionID == "" || key.CampaignID == "" {
		return false, model.NewBadRequestError("connection id and campaign id are required")
	}
	key.TenantID = tenant

	x.mu.Lock()
	defer x.mu.Unlock()

	set, ok := x.members[key]
	if !ok {
		set = make(map[string]struct{})
		x.members[key] = set
	}
	if _, exists := set[connectionID]; exists {
		return false, nil
	}
	set[connectionID] = struct{}{}

	keys, ok := x.byConn[connectionID]
	if !ok {
		keys = make(map[model.SessionKey]struct{})
		x.byConn[connectionID] = keys
	}
	keys[key] = struct{}{}

	x.count++
	x.metrics.SetSubscriptionsActive(x.count)
	return true, nil
}

// Remove drops every subscription connectionID holds for campaignID and
// leaves its other subscriptions untouched. It returns how many were removed.
func (x *Index) Remove(connectionID, campaignID string) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	removed := 0
	for key := range x.byConn[connectionID] {
		if key.CampaignID == campaignID {
			x.removeLocked(connectionID, key)
			removed++
		}
	}
	if removed > 0 {
		x.metrics.SetSubscriptionsActive(x.count)
	}
	return removed
}

// RemoveConnection drops every subscription held by connectionID.
func (x *Index) RemoveConnection(connectionID string) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	removed := 0
	for key := range x.byConn[connectionID] {
		x.removeLocked(connectionID, key)
		removed++
	}
	if removed > 0 {
		x.metrics.SetSubscriptionsActive(x.count)
	}
	return removed
}

// removeLocked must be called with x.mu held.
func (x *Index) removeLocked(connectionID string, key model.SessionKey) {
	if set, ok := x.members[key]; ok {
		if _, exists := set[connectionID]; exists {
			delete(set, connectionID)
			x.count--
		}
		if len(set) == 0 {
			delete(x.members, key)
		}
	}
	if keys, ok := x.byConn[connectionID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(x.byConn, connectionID)
		}
	}
}

// MembersOf returns the connections subscribed to key, sorted.
func (x *Index) MembersOf(key model.SessionKey) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	set := x.members[key]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsMember reports whether connectionID is subscribed to key.
func (x *Index) IsMember(connectionID string, key model.SessionKey) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.members[key][connectionID]
	return ok
}

// KeysOf returns the subscriptions held by connectionID.
func (x *Index) KeysOf(connectionID string) []model.SessionKey {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]model.SessionKey, 0, len(x.byConn[connectionID]))
	for key := range x.byConn[connectionID] {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Len returns the total number of (connection, key) subscriptions.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.count
}
