// Package inventory defines the URL inventory document produced by
// discovery and consumed by the download phase.
package inventory

// Inventory is the structured discovery output. Each field lists candidate
// download URLs from one publisher surface; AggregateURLs is the
// deduplicated union of all of them.
type Inventory struct {
	GovinfoTemplatesExpanded []string `json:"govinfo_templates_expanded"`
	GovinfoIndexDiscovered   []string `json:"govinfo_index_discovered"`
	Govtrack                 []string `json:"govtrack"`
	Openstates               []string `json:"openstates"`
	LegislatorsReference     []string `json:"legislators_reference"`
	AggregateURLs            []string `json:"aggregate_urls"`
}

// fields returns the publisher subfields in their canonical iteration
// order. AggregateURLs is derived from these and is not included.
func (inv *Inventory) fields() [][]string {
	return [][]string{
		inv.GovinfoTemplatesExpanded,
		inv.GovinfoIndexDiscovered,
		inv.Govtrack,
		inv.Openstates,
		inv.LegislatorsReference,
	}
}

// Normalize deduplicates every subfield in first-seen order and recomputes
// AggregateURLs as the union of the subfields.
func (inv *Inventory) Normalize() {
	inv.GovinfoTemplatesExpanded = Dedup(inv.GovinfoTemplatesExpanded)
	inv.GovinfoIndexDiscovered = Dedup(inv.GovinfoIndexDiscovered)
	inv.Govtrack = Dedup(inv.Govtrack)
	inv.Openstates = Dedup(inv.Openstates)
	inv.LegislatorsReference = Dedup(inv.LegislatorsReference)

	var all []string
	for _, field := range inv.fields() {
		all = append(all, field...)
	}
	inv.AggregateURLs = Dedup(all)
}

// URLCount reports the number of aggregate URLs.
func (inv *Inventory) URLCount() int {
	return len(inv.AggregateURLs)
}

// IsEmpty reports whether the inventory holds no URLs at all.
func (inv *Inventory) IsEmpty() bool {
	if len(inv.AggregateURLs) > 0 {
		return false
	}
	for _, field := range inv.fields() {
		if len(field) > 0 {
			return false
		}
	}
	return true
}

// Dedup removes duplicates from urls preserving first-seen order. The
// input slice is not modified.
func Dedup(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
