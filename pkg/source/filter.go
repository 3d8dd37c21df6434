package source

import "time"

// Contains reports whether t lies within [Start, End], inclusive.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// FilterWindow keeps the items created inside the window, in order.
// Out-of-window items are dropped.
func FilterWindow(items []Item, w Window) []Item {
	kept := items[:0:0]
	for _, item := range items {
		if w.Contains(item.CreatedTime) {
			kept = append(kept, item)
		}
	}
	return kept
}

// FlattenComments returns the nested comments of items as sub-items tagged
// with their parent ID and the source name, and clears the nested lists.
func FlattenComments(items []Item, sourceName string) []SubItem {
	var subs []SubItem
	for i := range items {
		for _, c := range items[i].Comments {
			c.ParentID = items[i].ID
			c.SourceName = sourceName
			subs = append(subs, c)
		}
		items[i].Comments = nil
	}
	return subs
}
