package devicelink

import (
	"sort"
	"strconv"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Registry indexes identified links by device id so commands can be routed
// to them from outside the connection. It is safe for concurrent use.
type Registry struct {
	links cmap.ConcurrentMap[string, *Link]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{links: cmap.New[*Link]()}
}

func registryKey(deviceID int64) string {
	return strconv.FormatInt(deviceID, 10)
}

// register indexes l, replacing any stale link for the same device.
func (r *Registry) register(deviceID int64, l *Link) {
	r.links.Set(registryKey(deviceID), l)
}

// unregister removes l only if it is still the registered link for the
// device. It reports false when a newer link has replaced l.
func (r *Registry) unregister(deviceID int64, l *Link) bool {
	return r.links.RemoveCb(registryKey(deviceID), func(_ string, current *Link, exists bool) bool {
		return exists && current == l
	})
}

// Get returns the live link for a device.
func (r *Registry) Get(deviceID int64) (*Link, bool) {
	return r.links.Get(registryKey(deviceID))
}

// Count returns the number of identified links.
func (r *Registry) Count() int {
	return r.links.Count()
}

// Snapshots returns the state of every identified link ordered by device id.
func (r *Registry) Snapshots() []Snapshot {
	snaps := make([]Snapshot, 0, r.links.Count())
	r.links.IterCb(func(_ string, l *Link) {
		snaps = append(snaps, l.Snapshot())
	})
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].DeviceID < snaps[j].DeviceID })
	return snaps
}
