package crdt

import (
	"sort"
	"strings"
	"sync"
)

// preferredRoots lists the container names editors commonly bind their main
// content to; PlainText walks them first.
var preferredRoots = []string{"content", "prosemirror", "default"}

// Document is a delta-state CRDT replica. Merging is set union over items and
// deletes, so it is commutative, associative and idempotent. The zero value is
// not usable; call New.
type Document struct {
	mu      sync.Mutex
	client  uint64
	clock   uint64
	items   map[ID]Item
	deleted map[ID]struct{}
}

// New creates an empty replica that authors local edits as clientID.
func New(clientID uint64) *Document {
	return &Document{
		client:  clientID,
		items:   make(map[ID]Item),
		deleted: make(map[ID]struct{}),
	}
}

// ApplyUpdate decodes and merges a binary delta. It reports whether the
// replica state changed.
func (d *Document) ApplyUpdate(payload []byte) (bool, error) {
	update, err := DecodeUpdate(payload)
	if err != nil {
		return false, err
	}
	return d.Merge(update), nil
}

// Merge folds a decoded update into the replica.
func (d *Document) Merge(update Update) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mergeLocked(update)
}

func (d *Document) mergeLocked(update Update) bool {
	changed := false
	for _, item := range update.Items {
		existing, ok := d.items[item.ID]
		if ok && !item.precedes(existing) {
			continue
		}
		d.items[item.ID] = cloneItem(item)
		changed = true
		if item.ID.Clock > d.clock {
			d.clock = item.ID.Clock
		}
	}
	for _, id := range update.Deletes {
		if _, ok := d.deleted[id]; ok {
			continue
		}
		d.deleted[id] = struct{}{}
		changed = true
		if id.Clock > d.clock {
			d.clock = id.Clock
		}
	}
	return changed
}

// State returns the full replica state as a canonically ordered update.
func (d *Document) State() Update {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateLocked()
}

func (d *Document) stateLocked() Update {
	update := Update{
		Items:   make([]Item, 0, len(d.items)),
		Deletes: make([]ID, 0, len(d.deleted)),
	}
	for _, item := range d.items {
		update.Items = append(update.Items, cloneItem(item))
	}
	for id := range d.deleted {
		update.Deletes = append(update.Deletes, id)
	}
	sort.Slice(update.Items, func(i, j int) bool {
		return lessByClient(update.Items[i].ID, update.Items[j].ID)
	})
	sort.Slice(update.Deletes, func(i, j int) bool {
		return lessByClient(update.Deletes[i], update.Deletes[j])
	})
	return update
}

// EncodeState serializes the full replica state. Two replicas holding the same
// items and deletes always encode to identical bytes.
func (d *Document) EncodeState() ([]byte, error) {
	return EncodeUpdate(d.State())
}

// Len returns the number of items held, including deleted ones.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// InsertText inserts text at a visible rune index of a text root and returns
// the encoded delta describing the edit.
func (d *Document) InsertText(root string, index int, text string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	visible := d.visibleSequenceLocked(root)
	if index < 0 || index > len(visible) {
		return nil, ErrIndexOutOfRange
	}
	var origin *ID
	if index > 0 {
		left := visible[index-1].ID
		origin = &left
	}

	update := Update{}
	for _, r := range text {
		id := d.nextIDLocked()
		item := Item{ID: id, Root: root, Kind: KindText, Origin: origin, Content: string(r)}
		update.Items = append(update.Items, item)
		current := id
		origin = &current
	}
	if update.Empty() {
		return nil, nil
	}
	d.mergeLocked(update)
	return EncodeUpdate(update)
}

// DeleteText removes length runes starting at a visible index and returns the delta.
func (d *Document) DeleteText(root string, index int, length int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	visible := d.visibleSequenceLocked(root)
	if index < 0 || length < 0 || index+length > len(visible) {
		return nil, ErrIndexOutOfRange
	}
	update := Update{}
	for _, item := range visible[index : index+length] {
		update.Deletes = append(update.Deletes, item.ID)
	}
	if update.Empty() {
		return nil, nil
	}
	d.mergeLocked(update)
	return EncodeUpdate(update)
}

// SetMapValue writes key=value into a map root, superseding the value this
// replica currently sees, and returns the delta.
func (d *Document) SetMapValue(root string, key string, value string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	update := Update{}
	for _, item := range d.items {
		if item.Kind != KindMap || item.Root != root || item.Key != key {
			continue
		}
		if _, gone := d.deleted[item.ID]; gone {
			continue
		}
		update.Deletes = append(update.Deletes, item.ID)
	}
	update.Items = append(update.Items, Item{ID: d.nextIDLocked(), Root: root, Kind: KindMap, Key: key, Content: value})
	d.mergeLocked(update)
	return EncodeUpdate(update)
}

// Text returns the visible content of a text root.
func (d *Document) Text(root string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var builder strings.Builder
	for _, item := range d.visibleSequenceLocked(root) {
		builder.WriteString(item.Content)
	}
	return builder.String()
}

// MapValues returns the winning value of every live key in a map root.
func (d *Document) MapValues(root string) map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mapValuesLocked(root)
}

func (d *Document) mapValuesLocked(root string) map[string]string {
	winners := make(map[string]Item)
	for _, item := range d.items {
		if item.Kind != KindMap || item.Root != root {
			continue
		}
		if _, gone := d.deleted[item.ID]; gone {
			continue
		}
		current, ok := winners[item.Key]
		if !ok || current.ID.Less(item.ID) {
			winners[item.Key] = item
		}
	}
	values := make(map[string]string, len(winners))
	for key, item := range winners {
		values[key] = item.Content
	}
	return values
}

// Roots lists every root container name present in the replica, sorted.
func (d *Document) Roots() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rootsLocked()
}

func (d *Document) rootsLocked() []string {
	seen := make(map[string]struct{})
	for _, item := range d.items {
		seen[item.Root] = struct{}{}
	}
	roots := make([]string, 0, len(seen))
	for root := range seen {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots
}

// PlainText projects the whole document to text for search and previews.
// Well-known roots come first; any other root follows in name order, so the
// projection works whatever name the editor bound its content to.
func (d *Document) PlainText() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	ordered := make([]string, 0)
	present := make(map[string]bool)
	for _, root := range d.rootsLocked() {
		present[root] = true
	}
	for _, root := range preferredRoots {
		if present[root] {
			ordered = append(ordered, root)
			delete(present, root)
		}
	}
	for _, root := range d.rootsLocked() {
		if present[root] {
			ordered = append(ordered, root)
		}
	}

	parts := make([]string, 0, len(ordered))
	for _, root := range ordered {
		var builder strings.Builder
		for _, item := range d.visibleSequenceLocked(root) {
			builder.WriteString(item.Content)
		}
		values := d.mapValuesLocked(root)
		keys := make([]string, 0, len(values))
		for key := range values {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(values[key])
		}
		if text := strings.TrimSpace(builder.String()); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

func (d *Document) nextIDLocked() ID {
	d.clock++
	return ID{Client: d.client, Clock: d.clock}
}

// visibleSequenceLocked orders the text items of a root (RGA: an item follows
// its origin, siblings sharing an origin are ordered newest first) and drops
// deleted ones. Items whose origin has not arrived yet hang off the root.
func (d *Document) visibleSequenceLocked(root string) []Item {
	children := make(map[ID][]Item)
	var heads []Item
	for _, item := range d.items {
		if item.Kind != KindText || item.Root != root {
			continue
		}
		if item.Origin == nil {
			heads = append(heads, item)
			continue
		}
		parent, ok := d.items[*item.Origin]
		if !ok || parent.Root != root || parent.Kind != KindText {
			heads = append(heads, item)
			continue
		}
		children[*item.Origin] = append(children[*item.Origin], item)
	}

	newestFirst := func(list []Item) {
		sort.Slice(list, func(i, j int) bool {
			return list[j].ID.Less(list[i].ID)
		})
	}
	newestFirst(heads)

	ordered := make([]Item, 0, len(d.items))
	stack := make([]Item, 0, len(heads))
	for i := len(heads) - 1; i >= 0; i-- {
		stack = append(stack, heads[i])
	}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, gone := d.deleted[current.ID]; !gone {
			ordered = append(ordered, current)
		}
		next := children[current.ID]
		newestFirst(next)
		for i := len(next) - 1; i >= 0; i-- {
			stack = append(stack, next[i])
		}
	}
	return ordered
}

func lessByClient(a, b ID) bool {
	if a.Client != b.Client {
		return a.Client < b.Client
	}
	return a.Clock < b.Clock
}

func cloneItem(item Item) Item {
	if item.Origin != nil {
		origin := *item.Origin
		item.Origin = &origin
	}
	return item
}
