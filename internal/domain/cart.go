package domain

import (
	"slices"
	"time"
)

type CartItem struct {
	ProductID       string    `json:"product_id" bson:"product_id"`
	Quantity        Quantity  `json:"quantity" bson:"quantity"`
	SelectedVariant string    `json:"selected_variant,omitempty" bson:"selected_variant,omitempty"`
	UpdatedAt       time.Time `json:"updated_at" bson:"updated_at"`
}

// SyncVersion tracks local and remote revisions of a cart.
// Local increases on every local mutation, Remote is the last remote revision
// this device has seen and Pushed is the Local revision the remote store holds.
type SyncVersion struct {
	Local  int64 `json:"local" bson:"local"`
	Remote int64 `json:"remote" bson:"remote"`
	Pushed int64 `json:"pushed" bson:"pushed"`
}

// Cart is the per-owner selection of products. Items is keyed by product ID,
// Order keeps the display order and Removed keeps deletion tombstones so that a
// removal can win a merge against an older edit from another device.
type Cart struct {
	OwnerID        string               `json:"owner_id" bson:"owner_id"`
	Items          map[string]CartItem  `json:"items" bson:"items"`
	Order          []string             `json:"order" bson:"order"`
	Removed        map[string]time.Time `json:"removed,omitempty" bson:"removed,omitempty"`
	LastModifiedAt time.Time            `json:"last_modified_at" bson:"last_modified_at"`
	SyncVersion    SyncVersion          `json:"sync_version" bson:"sync_version"`
}

func NewCart(ownerID string) Cart {
	return Cart{
		OwnerID: ownerID,
		Items:   map[string]CartItem{},
		Order:   []string{},
		Removed: map[string]time.Time{},
	}
}

// Clone returns a deep copy; snapshots handed to readers never share maps.
func (c Cart) Clone() Cart {
	out := c
	out.Items = make(map[string]CartItem, len(c.Items))
	for k, v := range c.Items {
		out.Items[k] = v
	}
	out.Order = slices.Clone(c.Order)
	if out.Order == nil {
		out.Order = []string{}
	}
	out.Removed = make(map[string]time.Time, len(c.Removed))
	for k, v := range c.Removed {
		out.Removed[k] = v
	}
	return out
}

func (c Cart) Item(productID string) (CartItem, bool) {
	item, ok := c.Items[productID]
	return item, ok
}

func (c Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

// Lines returns the items in display order.
func (c Cart) Lines() []CartItem {
	lines := make([]CartItem, 0, len(c.Items))
	for _, id := range c.Order {
		if item, ok := c.Items[id]; ok {
			lines = append(lines, item)
		}
	}
	return lines
}

func (c Cart) ProductIDs() []string {
	ids := make([]string, 0, len(c.Items))
	for _, item := range c.Lines() {
		ids = append(ids, item.ProductID)
	}
	return ids
}

// ItemCount is the sum of all line quantities.
func (c Cart) ItemCount() Quantity {
	var total Quantity
	for _, item := range c.Items {
		total += item.Quantity
	}
	return total
}

// Dirty reports whether there are local revisions the remote store has not accepted.
func (c Cart) Dirty() bool {
	return c.SyncVersion.Local > c.SyncVersion.Pushed
}

// Put stores item, appending it to the display order if it is new.
func (c *Cart) Put(item CartItem) {
	if _, exists := c.Items[item.ProductID]; !exists {
		c.Order = append(c.Order, item.ProductID)
	}
	c.Items[item.ProductID] = item
	delete(c.Removed, item.ProductID)
}

// Remove deletes the item and records a tombstone at the given time.
func (c *Cart) Remove(productID string, at time.Time) bool {
	if _, exists := c.Items[productID]; !exists {
		return false
	}
	delete(c.Items, productID)
	c.Order = slices.DeleteFunc(c.Order, func(id string) bool { return id == productID })
	c.Removed[productID] = at
	return true
}

// PruneTombstones drops tombstones recorded before cutoff.
func (c *Cart) PruneTombstones(cutoff time.Time) {
	for id, at := range c.Removed {
		if at.Before(cutoff) {
			delete(c.Removed, id)
		}
	}
}
