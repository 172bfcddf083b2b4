// Package directory maps hosted application origins to the backend service
// they were launched from.
package directory

import (
	"sort"
	"sync"

	"github.com/gaspardpetit/dockshell/core/logx"
	"github.com/gaspardpetit/dockshell/internal/metrics"
	"github.com/gaspardpetit/dockshell/internal/origin"
	"github.com/gaspardpetit/dockshell/sdk/contracts/shell"
)

// Directory is rebuilt wholesale from every listing the backend pushes.
type Directory struct {
	mu       sync.RWMutex
	listing  shell.Listing
	byOrigin map[origin.Origin]string
}

// New returns an empty directory.
func New() *Directory {
	return &Directory{listing: shell.Listing{}, byOrigin: map[origin.Origin]string{}}
}

// UpdateFromListing replaces the directory contents with l. Readers observe
// either the previous listing or l, never a mix.
func (d *Directory) UpdateFromListing(l shell.Listing) {
	listing := make(shell.Listing, len(l))
	byOrigin := make(map[origin.Origin]string)
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		svc := l[key]
		listing[key] = svc
		for _, appKey := range svc.AppKeys() {
			app := svc.Apps[appKey]
			o, err := origin.FromURL(app.URL)
			if err != nil {
				logx.Log.Debug().Str("service", key).Str("app", appKey).Str("url", app.URL).Msg("skipping app without origin")
				continue
			}
			if prev, ok := byOrigin[o]; ok && prev != key {
				logx.Log.Warn().Str("origin", o.String()).Str("service", key).Str("previous", prev).Msg("origin claimed by two services")
			}
			byOrigin[o] = key
		}
	}

	d.mu.Lock()
	d.listing = listing
	d.byOrigin = byOrigin
	d.mu.Unlock()
	metrics.SetDirectoryServices(len(listing))
}

// Lookup returns the descriptor of the service serving o.
func (d *Directory) Lookup(o origin.Origin) (shell.ServiceDescriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	key, ok := d.byOrigin[o]
	if !ok {
		return shell.ServiceDescriptor{}, false
	}
	svc, ok := d.listing[key]
	return svc, ok
}

// Service returns the descriptor registered under key.
func (d *Directory) Service(key string) (shell.ServiceDescriptor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	svc, ok := d.listing[key]
	return svc, ok
}

// Listing returns a copy of the current listing.
func (d *Directory) Listing() shell.Listing {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(shell.Listing, len(d.listing))
	for k, v := range d.listing {
		out[k] = v
	}
	return out
}

// Len returns the number of services.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listing)
}
