package domain

import (
	"maps"
	"slices"
	"time"
)

type entry struct {
	item      CartItem
	removedAt time.Time
	present   bool
	deleted   bool
}

func (e entry) at() time.Time {
	if e.deleted {
		return e.removedAt
	}
	return e.item.UpdatedAt
}

func entries(c Cart, cutoff time.Time) map[string]entry {
	out := make(map[string]entry, len(c.Items)+len(c.Removed))
	for id, item := range c.Items {
		out[id] = entry{item: item, present: true}
	}
	for id, at := range c.Removed {
		if at.Before(cutoff) {
			continue
		}
		if e, ok := out[id]; ok && !at.After(e.item.UpdatedAt) {
			continue
		}
		out[id] = entry{removedAt: at, deleted: true}
	}
	return out
}

// MergeCarts merges a remote cart into the local one item by item. For every
// product the side with the later timestamp wins, whether that is an edit or a
// removal; on an exact tie the remote side wins. Tombstones recorded before
// cutoff are ignored. The returned flag reports whether the merged items and
// tombstones differ from the remote cart, i.e. whether the result needs to be
// pushed. Display order is not compared.
func MergeCarts(local, remote Cart, cutoff time.Time) (Cart, bool) {
	le := entries(local, cutoff)
	re := entries(remote, cutoff)

	merged := NewCart(local.OwnerID)
	if merged.OwnerID == "" {
		merged.OwnerID = remote.OwnerID
	}
	merged.SyncVersion = local.SyncVersion
	merged.LastModifiedAt = local.LastModifiedAt
	if remote.LastModifiedAt.After(merged.LastModifiedAt) {
		merged.LastModifiedAt = remote.LastModifiedAt
	}

	winners := make(map[string]entry, len(le)+len(re))
	for id, l := range le {
		winners[id] = l
	}
	for id, r := range re {
		l, ok := winners[id]
		if !ok || !l.at().After(r.at()) {
			winners[id] = r
		}
	}

	for _, order := range [][]string{local.Order, remote.Order} {
		for _, id := range order {
			if w, ok := winners[id]; ok && w.present {
				merged.Put(w.item)
			}
		}
	}
	for _, id := range slices.Sorted(maps.Keys(winners)) {
		w := winners[id]
		switch {
		case w.deleted:
			merged.Removed[id] = w.removedAt
		case w.present:
			// items missing from both order lists still belong to the cart
			if _, ok := merged.Items[id]; !ok {
				merged.Put(w.item)
			}
		}
	}

	return merged, !sameEntries(winners, re)
}

func sameEntries(a, b map[string]entry) bool {
	if len(a) != len(b) {
		return false
	}
	for id, x := range a {
		y, ok := b[id]
		if !ok || x.deleted != y.deleted {
			return false
		}
		if x.deleted {
			if !x.removedAt.Equal(y.removedAt) {
				return false
			}
			continue
		}
		if x.item.Quantity != y.item.Quantity ||
			x.item.SelectedVariant != y.item.SelectedVariant ||
			!x.item.UpdatedAt.Equal(y.item.UpdatedAt) {
			return false
		}
	}
	return true
}
